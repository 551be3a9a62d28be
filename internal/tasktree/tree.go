// Package tasktree assembles flat task rows into nested forests and answers
// completion questions over them.
package tasktree

import "tasktree/api/internal/store"

// Build returns the top-level forest of flat. Tasks whose parent is not
// present in flat are dropped along with their descendants.
func Build(flat []store.Task) []store.Task {
	return BuildFrom(flat, nil)
}

// BuildFrom returns the children of parentID (roots when nil), each with its
// Subtasks populated recursively. Sibling order follows the order of flat.
func BuildFrom(flat []store.Task, parentID *int64) []store.Task {
	children := make(map[int64][]int, len(flat))
	roots := make([]int, 0)
	for i, task := range flat {
		if task.ParentID == nil {
			roots = append(roots, i)
			continue
		}
		children[*task.ParentID] = append(children[*task.ParentID], i)
	}

	b := builder{flat: flat, children: children, visited: make(map[int64]bool, len(flat))}
	if parentID == nil {
		return b.nodes(roots)
	}
	b.visited[*parentID] = true
	return b.nodes(children[*parentID])
}

type builder struct {
	flat     []store.Task
	children map[int64][]int
	visited  map[int64]bool
}

func (b builder) nodes(indexes []int) []store.Task {
	out := make([]store.Task, 0, len(indexes))
	for _, i := range indexes {
		task := b.flat[i]
		// a row that was already placed would mean a cycle in parent links
		if b.visited[task.ID] {
			continue
		}
		b.visited[task.ID] = true
		task.Subtasks = b.nodes(b.children[task.ID])
		out = append(out, task)
	}
	return out
}

// Attach returns root with its Subtasks built from descendants.
func Attach(root store.Task, descendants []store.Task) store.Task {
	root.Subtasks = BuildFrom(descendants, &root.ID)
	return root
}

// Flatten lists a forest in pre-order.
func Flatten(forest []store.Task) []store.Task {
	out := make([]store.Task, 0, len(forest))
	var walk func([]store.Task)
	walk = func(nodes []store.Task) {
		for _, node := range nodes {
			out = append(out, node)
			walk(node.Subtasks)
		}
	}
	walk(forest)
	return out
}
