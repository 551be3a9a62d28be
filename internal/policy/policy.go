// Package policy decides which task actions a user may perform.
package policy

import "tasktree/api/internal/store"

type Relation string
type Action string

const (
	RelationOwner    Relation = "owner"
	RelationAssignee Relation = "assignee"
	RelationNone     Relation = "none"
)

const (
	ActionView     Action = "view"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionComplete Action = "complete"
)

// Can reports whether rel grants action. Only owners act on tasks; being the
// assignee is informational.
func Can(rel Relation, action Action) bool {
	switch rel {
	case RelationOwner:
		return action == ActionView || action == ActionUpdate || action == ActionDelete || action == ActionComplete
	default:
		return false
	}
}

func RelationOf(userID int64, task store.Task) Relation {
	switch {
	case userID != 0 && task.OwnerID == userID:
		return RelationOwner
	case userID != 0 && task.AssigneeID != nil && *task.AssigneeID == userID:
		return RelationAssignee
	default:
		return RelationNone
	}
}

func Authorize(userID int64, task store.Task, action Action) bool {
	return Can(RelationOf(userID, task), action)
}
