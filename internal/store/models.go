package store

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type TaskStatus string

const (
	StatusTodo TaskStatus = "todo"
	StatusDone TaskStatus = "done"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	return s == StatusTodo || s == StatusDone
}

const (
	PriorityMin     = 1
	PriorityMax     = 5
	DefaultPriority = 3
)

func ValidPriority(p int) bool {
	return p >= PriorityMin && p <= PriorityMax
}

// Task is a single row of the tasks table. Subtasks is never persisted;
// it is populated at read time from parent references.
type Task struct {
	ID          int64
	OwnerID     int64
	AssigneeID  *int64
	ParentID    *int64
	Title       string
	Description *string
	Status      TaskStatus
	Priority    int
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Subtasks    []Task
}

func (t Task) Done() bool {
	return t.Status == StatusDone
}

type NewTask struct {
	OwnerID     int64
	Title       string
	Description *string
	Priority    int
	ParentID    *int64
	AssigneeID  *int64
}

// Optional tracks whether a field was supplied at all, separately from its
// value. Null is set when the field was supplied as an explicit JSON null.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func Some[T any](value T) Optional[T] {
	return Optional[T]{Set: true, Value: value}
}

func Null[T any]() Optional[T] {
	return Optional[T]{Set: true, Null: true}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		o.Null = true
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(data, &o.Value)
}

// TaskPatch is a partial update. Status and completion time are not part of
// it; they only change through CompleteTask.
type TaskPatch struct {
	Title       Optional[string] `json:"title"`
	Description Optional[string] `json:"description"`
	Priority    Optional[int]    `json:"priority"`
	AssigneeID  Optional[int64]  `json:"assignee_id"`
}

func (p TaskPatch) Empty() bool {
	return !p.Title.Set && !p.WritesDescription() && !p.Priority.Set && !p.AssigneeID.Set
}

// WritesDescription reports whether the patch carries a description value.
// An explicit null description leaves the stored one unchanged.
func (p TaskPatch) WritesDescription() bool {
	return p.Description.Set && !p.Description.Null
}

// TaskFilter restricts a task query. Zero values mean "no restriction".
// IDs, when non-nil, limits results to the given ids; an empty non-nil slice
// matches nothing.
type TaskFilter struct {
	Status   TaskStatus
	Priority int
	Search   string
	IDs      []int64
}

type SortField string

const (
	SortCreatedAt   SortField = "created_at"
	SortCompletedAt SortField = "completed_at"
	SortPriority    SortField = "priority"
)

var allowedSortFields = map[SortField]struct{}{
	SortCreatedAt:   {},
	SortCompletedAt: {},
	SortPriority:    {},
}

type TaskSort struct {
	Field SortField
	Desc  bool
}

func (s TaskSort) Allowed() bool {
	_, ok := allowedSortFields[s.Field]
	return ok
}

// ParseSorts reads "field:dir,field2:dir" into sort keys. Unknown fields and
// directions are dropped. A repeated field keeps its first position and takes
// the last direction given.
func ParseSorts(raw string) []TaskSort {
	sorts := make([]TaskSort, 0)
	position := make(map[SortField]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, dir, found := strings.Cut(part, ":")
		if !found {
			dir = "asc"
		}
		field = strings.ToLower(strings.TrimSpace(field))
		dir = strings.ToLower(strings.TrimSpace(dir))
		if dir != "asc" && dir != "desc" {
			continue
		}
		sort := TaskSort{Field: SortField(field), Desc: dir == "desc"}
		if !sort.Allowed() {
			continue
		}
		if idx, ok := position[sort.Field]; ok {
			sorts[idx] = sort
			continue
		}
		position[sort.Field] = len(sorts)
		sorts = append(sorts, sort)
	}
	return sorts
}
