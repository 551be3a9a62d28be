package tasktree

import "tasktree/api/internal/store"

// AllSubtasksDone reports whether every descendant of task is done. A task
// without subtasks trivially qualifies.
func AllSubtasksDone(task store.Task) bool {
	for _, sub := range task.Subtasks {
		if !sub.Done() || !AllSubtasksDone(sub) {
			return false
		}
	}
	return true
}

// Pending returns the ids of descendants that are not done, in pre-order.
func Pending(task store.Task) []int64 {
	ids := make([]int64, 0)
	for _, sub := range Flatten(task.Subtasks) {
		if !sub.Done() {
			ids = append(ids, sub.ID)
		}
	}
	return ids
}
