package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"tasktree/api/internal/store"
)

// fakeStore is an in-memory dataStore. The function fields override single
// operations when a test needs to inject a failure.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]store.User
	tasks   map[int64]store.Task
	revoked map[string]time.Time
	clock   time.Time

	pingFn         func(context.Context) error
	createUserFn   func(context.Context, store.User) (store.User, error)
	queryTasksFn   func(context.Context, int64, store.TaskFilter, []store.TaskSort) ([]store.Task, error)
	completeTaskFn func(context.Context, int64, time.Time, store.CompletionGuard) (store.Task, error)
	lastFilter     store.TaskFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[int64]store.User),
		tasks:   make(map[int64]store.Task),
		revoked: make(map[string]time.Time),
		clock:   time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp so created_at orders rows.
func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// now reads the fake clock without advancing it.
func (f *fakeStore) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, userID int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user.ID = f.id()
	user.CreatedAt = f.tick()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) UserExists(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[userID]
	return ok, nil
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = exp
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[jti]
	return ok, nil
}

func (f *fakeStore) QueryTasks(ctx context.Context, ownerID int64, filter store.TaskFilter, sorts []store.TaskSort) ([]store.Task, error) {
	f.mu.Lock()
	f.lastFilter = filter
	f.mu.Unlock()
	if f.queryTasksFn != nil {
		return f.queryTasksFn(ctx, ownerID, filter, sorts)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var allowed map[int64]bool
	if filter.IDs != nil {
		allowed = make(map[int64]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			allowed[id] = true
		}
	}
	out := make([]store.Task, 0)
	for _, task := range f.tasks {
		switch {
		case task.OwnerID != ownerID:
			continue
		case filter.Status != "" && task.Status != filter.Status:
			continue
		case filter.Priority != 0 && task.Priority != filter.Priority:
			continue
		case filter.Search != "" && !matchesKeyword(task, filter.Search):
			continue
		case allowed != nil && !allowed[task.ID]:
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	sort.SliceStable(out, func(i, j int) bool {
		for _, key := range sorts {
			c := compareTasks(out[i], out[j], key.Field)
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out, nil
}

func matchesKeyword(task store.Task, keyword string) bool {
	text := strings.ToLower(task.Title)
	if task.Description != nil {
		text += " " + strings.ToLower(*task.Description)
	}
	for _, word := range strings.Fields(strings.ToLower(keyword)) {
		if !strings.Contains(text, word) {
			return false
		}
	}
	return true
}

// compareTasks orders NULL completion times after every real value, as
// Postgres does for ascending sorts.
func compareTasks(a, b store.Task, field store.SortField) int {
	switch field {
	case store.SortPriority:
		return a.Priority - b.Priority
	case store.SortCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case store.SortCompletedAt:
		switch {
		case a.CompletedAt == nil && b.CompletedAt == nil:
			return 0
		case a.CompletedAt == nil:
			return 1
		case b.CompletedAt == nil:
			return -1
		}
		return a.CompletedAt.Compare(*b.CompletedAt)
	}
	return 0
}

func (f *fakeStore) GetTask(_ context.Context, taskID int64) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (f *fakeStore) ListSubtree(_ context.Context, rootID int64) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subtree(rootID), nil
}

func (f *fakeStore) subtree(rootID int64) []store.Task {
	out := make([]store.Task, 0)
	frontier := []int64{rootID}
	for len(frontier) > 0 {
		next := make([]int64, 0)
		for _, task := range f.tasks {
			for _, parent := range frontier {
				if task.ParentID != nil && *task.ParentID == parent {
					out = append(out, task)
					next = append(next, task.ID)
				}
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) InsertTask(_ context.Context, task store.NewTask) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ParentID != nil {
		if _, ok := f.tasks[*task.ParentID]; !ok {
			return store.Task{}, store.ErrInvalidReference
		}
	}
	if task.AssigneeID != nil {
		if _, ok := f.users[*task.AssigneeID]; !ok {
			return store.Task{}, store.ErrInvalidReference
		}
	}
	now := f.tick()
	created := store.Task{
		ID:          f.id(),
		OwnerID:     task.OwnerID,
		AssigneeID:  task.AssigneeID,
		ParentID:    task.ParentID,
		Title:       task.Title,
		Description: task.Description,
		Status:      store.StatusTodo,
		Priority:    task.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.tasks[created.ID] = created
	return created, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, taskID int64, patch store.TaskPatch) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	if task.Done() {
		return store.Task{}, store.ErrTaskDone
	}
	if patch.Title.Set {
		task.Title = patch.Title.Value
	}
	if patch.WritesDescription() {
		desc := patch.Description.Value
		task.Description = &desc
	}
	if patch.Priority.Set {
		if patch.Priority.Null {
			task.Priority = store.DefaultPriority
		} else {
			task.Priority = patch.Priority.Value
		}
	}
	if patch.AssigneeID.Set {
		if patch.AssigneeID.Null {
			task.AssigneeID = nil
		} else {
			assignee := patch.AssigneeID.Value
			task.AssigneeID = &assignee
		}
	}
	task.UpdatedAt = f.tick()
	f.tasks[taskID] = task
	return task, nil
}

func (f *fakeStore) DeleteTask(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return sql.ErrNoRows
	}
	if task.Done() {
		return store.ErrTaskDone
	}
	for _, d := range f.subtree(taskID) {
		delete(f.tasks, d.ID)
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeStore) CompleteTask(ctx context.Context, taskID int64, at time.Time, guard store.CompletionGuard) (store.Task, error) {
	if f.completeTaskFn != nil {
		return f.completeTaskFn(ctx, taskID, at, guard)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.tasks[taskID]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	if guard != nil {
		if err := guard(root, f.subtree(taskID)); err != nil {
			return store.Task{}, err
		}
	}
	root.Status = store.StatusDone
	root.CompletedAt = &at
	root.UpdatedAt = f.tick()
	f.tasks[taskID] = root
	return root, nil
}

// markDone sets a task done directly, bypassing the completion rules.
func (f *fakeStore) markDone(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := f.tasks[taskID]
	at := f.tick()
	task.Status = store.StatusDone
	task.CompletedAt = &at
	f.tasks[taskID] = task
}
