package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tasktree/api/internal/auth"
	"tasktree/api/internal/authpw"
	"tasktree/api/internal/config"
	"tasktree/api/internal/search"
	"tasktree/api/internal/session"
	"tasktree/api/internal/store"
)

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:       config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour},
		store:     fs,
		passwords: authpw.NewService(fs).WithCost(bcrypt.MinCost),
		now:       time.Now,
	}
}

func seedUser(t *testing.T, fs *fakeStore, name, email, password string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user, err := fs.CreateUser(context.Background(), store.User{Name: name, Email: email, PasswordHash: string(hash)})
	require.NoError(t, err)
	return user
}

func mustCreate(t *testing.T, svc *Service, ownerID int64, input CreateTaskInput) store.Task {
	t.Helper()
	task, err := svc.CreateTask(context.Background(), ownerID, input)
	require.NoError(t, err)
	return task
}

func requireDomainError(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	require.Error(t, err)
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %v", err)
	assert.Equal(t, code, domainErr.Code)
	return domainErr
}

type planningTree struct {
	owner      store.User
	t1, s1, s2 store.Task
}

// seedPlanningTree creates T1 (priority 2) with subtasks S1 (priority 3,
// done) and S2 (priority 4, todo).
func seedPlanningTree(t *testing.T, svc *Service, fs *fakeStore) planningTree {
	t.Helper()
	owner := seedUser(t, fs, "Owner A", "a@example.com", "secret-a")
	t1 := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "T1", Priority: 2})
	s1 := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "S1", Priority: 3, ParentID: &t1.ID})
	s2 := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "S2", Priority: 4, ParentID: &t1.ID})
	_, err := svc.MarkComplete(context.Background(), owner.ID, s1.ID)
	require.NoError(t, err)
	return planningTree{owner: owner, t1: t1, s1: s1, s2: s2}
}

func TestListAndCompleteTree(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	tree := seedPlanningTree(t, svc, fs)

	forest, err := svc.ListTasks(ctx, tree.owner.ID, store.TaskFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, tree.t1.ID, forest[0].ID)
	require.Len(t, forest[0].Subtasks, 2)
	assert.Equal(t, tree.s1.ID, forest[0].Subtasks[0].ID)
	assert.Equal(t, tree.s2.ID, forest[0].Subtasks[1].ID)

	_, err = svc.MarkComplete(ctx, tree.owner.ID, tree.t1.ID)
	domainErr := requireDomainError(t, err, CodeValidation)
	assert.Equal(t, "Subtasks not complete", domainErr.Message)
	assert.Equal(t, map[string]any{"pending": []int64{tree.s2.ID}}, domainErr.Details)
	stored, err := fs.GetTask(ctx, tree.t1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTodo, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	_, err = svc.MarkComplete(ctx, tree.owner.ID, tree.s2.ID)
	require.NoError(t, err)

	before := time.Now()
	done, err := svc.MarkComplete(ctx, tree.owner.ID, tree.t1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(before))
	assert.Len(t, done.Subtasks, 2)
}

func TestListFiltersBeforeAssemblingTree(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	tree := seedPlanningTree(t, svc, fs)

	flat, err := fs.QueryTasks(ctx, tree.owner.ID, store.TaskFilter{Status: store.StatusDone}, nil)
	require.NoError(t, err)
	require.Len(t, flat, 1)
	assert.Equal(t, tree.s1.ID, flat[0].ID)

	// S1's parent is filtered out, so S1 has no place in the forest.
	forest, err := svc.ListTasks(ctx, tree.owner.ID, store.TaskFilter{Status: store.StatusDone}, nil)
	require.NoError(t, err)
	assert.Empty(t, forest)
}

func TestListSortsAndFilters(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	other := seedUser(t, fs, "Other", "x@example.com", "pw")

	desc := "Milk, eggs, bread"
	low := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Low", Priority: 1})
	groceries := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Buy groceries", Description: &desc, Priority: 5})
	mid := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Mid", Priority: 3})
	mustCreate(t, svc, other.ID, CreateTaskInput{Title: "Not mine", Priority: 5})

	forest, err := svc.ListTasks(ctx, owner.ID, store.TaskFilter{}, store.ParseSorts("priority:desc,bogus:asc,created_at:sideways"))
	require.NoError(t, err)
	require.Len(t, forest, 3)
	assert.Equal(t, []int64{groceries.ID, mid.ID, low.ID}, []int64{forest[0].ID, forest[1].ID, forest[2].ID})

	forest, err = svc.ListTasks(ctx, owner.ID, store.TaskFilter{Priority: 5}, nil)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, groceries.ID, forest[0].ID)

	forest, err = svc.ListTasks(ctx, owner.ID, store.TaskFilter{Search: "EGGS"}, nil)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, groceries.ID, forest[0].ID)

	_, err = svc.ListTasks(ctx, owner.ID, store.TaskFilter{Status: "started"}, nil)
	requireDomainError(t, err, CodeValidation)
	_, err = svc.ListTasks(ctx, owner.ID, store.TaskFilter{Priority: 9}, nil)
	requireDomainError(t, err, CodeValidation)
}

type fakeIndex struct {
	mu      sync.Mutex
	ids     []int64
	err     error
	indexed []search.TaskRecord
	deleted []int64
}

func (f *fakeIndex) MatchTaskIDs(context.Context, search.Query) ([]int64, error) {
	return f.ids, f.err
}

func (f *fakeIndex) IndexTask(record search.TaskRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeIndex) DeleteTasks(ids []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
}

func TestListUsesSearchIndexWhenAvailable(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	index := &fakeIndex{ids: []int64{42}}
	svc.search = index
	ctx := context.Background()

	_, err := svc.ListTasks(ctx, 1, store.TaskFilter{Search: "report"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, fs.lastFilter.IDs)
	assert.Empty(t, fs.lastFilter.Search)

	index.err = errors.New("meili down")
	_, err = svc.ListTasks(ctx, 1, store.TaskFilter{Search: "report"}, nil)
	require.NoError(t, err)
	assert.Nil(t, fs.lastFilter.IDs)
	assert.Equal(t, "report", fs.lastFilter.Search)
}

func TestCreateValidation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	other := seedUser(t, fs, "Other", "x@example.com", "pw")
	foreign := mustCreate(t, svc, other.ID, CreateTaskInput{Title: "Theirs", Priority: 3})
	done := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Done", Priority: 3})
	fs.markDone(done.ID)

	zero := int64(0)
	task := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "  Root  ", Priority: 2, ParentID: &zero})
	assert.Nil(t, task.ParentID)
	assert.Equal(t, "Root", task.Title)
	assert.Equal(t, store.StatusTodo, task.Status)
	assert.Nil(t, task.CompletedAt)

	missing := int64(999)
	tests := []struct {
		name  string
		input CreateTaskInput
		code  string
	}{
		{"empty title", CreateTaskInput{Title: "   ", Priority: 3}, CodeValidation},
		{"priority too low", CreateTaskInput{Title: "x", Priority: 0}, CodeValidation},
		{"priority too high", CreateTaskInput{Title: "x", Priority: 6}, CodeValidation},
		{"missing parent", CreateTaskInput{Title: "x", Priority: 3, ParentID: &missing}, CodeValidation},
		{"foreign parent", CreateTaskInput{Title: "x", Priority: 3, ParentID: &foreign.ID}, CodeValidation},
		{"missing assignee", CreateTaskInput{Title: "x", Priority: 3, AssigneeID: &missing}, CodeValidation},
		{"completed parent", CreateTaskInput{Title: "x", Priority: 3, ParentID: &done.ID}, CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTask(ctx, owner.ID, tt.input)
			requireDomainError(t, err, tt.code)
		})
	}
}

func TestUpdateAppliesOnlyPresentFields(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	dev := seedUser(t, fs, "Dev", "d@example.com", "pw")
	desc := "draft"
	task := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Write", Description: &desc, Priority: 5, AssigneeID: &dev.ID})

	updated, err := svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{Title: store.Some("Rewrite")})
	require.NoError(t, err)
	assert.Equal(t, "Rewrite", updated.Title)
	require.NotNil(t, updated.Description)
	assert.Equal(t, "draft", *updated.Description)
	assert.Equal(t, 5, updated.Priority)
	require.NotNil(t, updated.AssigneeID)

	updated, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{
		Description: store.Null[string](),
		Priority:    store.Null[int](),
		AssigneeID:  store.Null[int64](),
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Description, "null description leaves the field unchanged")
	assert.Equal(t, "draft", *updated.Description)
	assert.Equal(t, store.DefaultPriority, updated.Priority)
	assert.Nil(t, updated.AssigneeID)
	assert.Equal(t, "Rewrite", updated.Title)

	updated, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{Description: store.Some("final")})
	require.NoError(t, err)
	require.NotNil(t, updated.Description)
	assert.Equal(t, "final", *updated.Description)

	_, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{Title: store.Some(" ")})
	requireDomainError(t, err, CodeValidation)
	_, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{Title: store.Null[string]()})
	requireDomainError(t, err, CodeValidation)
	_, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{Priority: store.Some(8)})
	requireDomainError(t, err, CodeValidation)
	_, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{AssigneeID: store.Some(int64(777))})
	requireDomainError(t, err, CodeValidation)
}

func TestCompletedTaskIsImmutable(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	task := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Ship", Priority: 2})
	done, err := svc.MarkComplete(ctx, owner.ID, task.ID)
	require.NoError(t, err)

	_, err = svc.UpdateTask(ctx, owner.ID, task.ID, store.TaskPatch{Title: store.Some("Again")})
	requireDomainError(t, err, CodeConflict)
	err = svc.DeleteTask(ctx, owner.ID, task.ID)
	requireDomainError(t, err, CodeConflict)
	_, err = svc.MarkComplete(ctx, owner.ID, task.ID)
	requireDomainError(t, err, CodeConflict)

	stored, err := fs.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ship", stored.Title)
	assert.Equal(t, done.CompletedAt, stored.CompletedAt)
}

func TestMarkCompleteChecksLockedSubtree(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	task := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Parent", Priority: 2})

	// A child appears between the service's read and the locked re-read.
	fs.completeTaskFn = func(_ context.Context, taskID int64, _ time.Time, guard store.CompletionGuard) (store.Task, error) {
		root, _ := fs.GetTask(ctx, taskID)
		late := store.Task{ID: 99, OwnerID: owner.ID, ParentID: &root.ID, Title: "late", Status: store.StatusTodo}
		return store.Task{}, guard(root, []store.Task{late})
	}
	_, err := svc.MarkComplete(ctx, owner.ID, task.ID)
	domainErr := requireDomainError(t, err, CodeValidation)
	assert.Equal(t, map[string]any{"pending": []int64{99}}, domainErr.Details)

	fs.completeTaskFn = func(context.Context, int64, time.Time, store.CompletionGuard) (store.Task, error) {
		return store.Task{}, fmt.Errorf("complete task: %w", store.ErrConcurrentUpdate)
	}
	_, err = svc.MarkComplete(ctx, owner.ID, task.ID)
	requireDomainError(t, err, CodeConflict)
}

func TestOwnershipIsEnforced(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	intruder := seedUser(t, fs, "Intruder", "i@example.com", "pw")
	task := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Private", Priority: 3, AssigneeID: &intruder.ID})

	_, err := svc.ShowTask(ctx, intruder.ID, task.ID)
	requireDomainError(t, err, CodeForbidden)
	_, err = svc.UpdateTask(ctx, intruder.ID, task.ID, store.TaskPatch{Title: store.Some("mine")})
	requireDomainError(t, err, CodeForbidden)
	err = svc.DeleteTask(ctx, intruder.ID, task.ID)
	requireDomainError(t, err, CodeForbidden)
	_, err = svc.MarkComplete(ctx, intruder.ID, task.ID)
	requireDomainError(t, err, CodeForbidden)

	_, err = svc.ShowTask(ctx, owner.ID, 12345)
	requireDomainError(t, err, CodeNotFound)

	forest, err := svc.ListTasks(ctx, intruder.ID, store.TaskFilter{}, nil)
	require.NoError(t, err)
	assert.Empty(t, forest)
}

func TestShowAndDeleteWorkOnWholeSubtree(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	index := &fakeIndex{}
	svc.search = index
	ctx := context.Background()
	owner := seedUser(t, fs, "Owner", "o@example.com", "pw")
	root := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Root", Priority: 3})
	child := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Child", Priority: 3, ParentID: &root.ID})
	grandchild := mustCreate(t, svc, owner.ID, CreateTaskInput{Title: "Grandchild", Priority: 3, ParentID: &child.ID})

	shown, err := svc.ShowTask(ctx, owner.ID, root.ID)
	require.NoError(t, err)
	require.Len(t, shown.Subtasks, 1)
	require.Len(t, shown.Subtasks[0].Subtasks, 1)
	assert.Equal(t, grandchild.ID, shown.Subtasks[0].Subtasks[0].ID)

	require.NoError(t, svc.DeleteTask(ctx, owner.ID, root.ID))
	for _, id := range []int64{root.ID, child.ID, grandchild.ID} {
		_, err := fs.GetTask(ctx, id)
		assert.Error(t, err)
	}
	assert.ElementsMatch(t, []int64{root.ID, child.ID, grandchild.ID}, index.deleted)
	assert.Len(t, index.indexed, 3)
}

func TestLoginAndLogout(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	user := seedUser(t, fs, "Ada", "ada@example.com", "correct horse")

	_, err := svc.Login(ctx, "ada@example.com", "wrong")
	requireDomainError(t, err, CodeInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "correct horse")
	requireDomainError(t, err, CodeInvalidCredentials)

	sess, err := svc.Login(ctx, "ADA@example.com", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, user.ID, sess.UserID)

	current, err := svc.SessionFromToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "Ada", current.UserName)
	assert.Equal(t, "ada@example.com", current.Email)

	require.NoError(t, svc.Logout(ctx, current))
	_, err = svc.SessionFromToken(ctx, sess.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogoutRevokesInRedisWithPostgresFallback(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fs := newFakeStore()
	svc := newTestService(fs)
	redisStore := session.NewRedisStoreWithClient(client)
	svc.revocations = redisStore
	ctx := context.Background()
	seedUser(t, fs, "Ada", "ada@example.com", "pw")

	sess, err := svc.Login(ctx, "ada@example.com", "pw")
	require.NoError(t, err)
	current, err := svc.SessionFromToken(ctx, sess.Token)
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, current))

	rev, found, err := redisStore.LookupRevocation(ctx, sess.JTI)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, current.UserID, rev.UserID)

	// Redis losing the key must not resurrect the token.
	mr.FlushAll()
	_, err = svc.SessionFromToken(ctx, sess.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, found, err = redisStore.LookupRevocation(ctx, sess.JTI)
	require.NoError(t, err)
	assert.True(t, found, "revocation is written back to redis")

	mr.Close()
	_, err = svc.SessionFromToken(ctx, sess.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestBootstrapSeedsDemoDataOnce(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.cfg.SeedDemo = true
	ctx := context.Background()

	require.NoError(t, svc.Bootstrap(ctx))
	require.NoError(t, svc.Bootstrap(ctx))

	count, err := fs.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	sess, err := svc.Login(ctx, "test@example.com", demoPassword)
	require.NoError(t, err)
	forest, err := svc.ListTasks(ctx, sess.UserID, store.TaskFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, forest, 2)
	assert.Equal(t, "Project Planning", forest[0].Title)
	require.Len(t, forest[0].Subtasks, 2)
	assert.Equal(t, store.StatusDone, forest[0].Subtasks[0].Status)
	assert.Equal(t, store.StatusTodo, forest[0].Subtasks[1].Status)
	assert.Equal(t, "Setup project repository", forest[1].Title)
	assert.Equal(t, store.StatusDone, forest[1].Status)

	_, err = svc.MarkComplete(ctx, sess.UserID, forest[0].ID)
	requireDomainError(t, err, CodeValidation)
}

func TestBootstrapCompletesSeedTasksAfterCreation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.cfg.SeedDemo = true
	svc.now = fs.now
	ctx := context.Background()

	require.NoError(t, svc.Bootstrap(ctx))

	done := 0
	for _, task := range fs.tasks {
		if !task.Done() {
			continue
		}
		done++
		require.NotNil(t, task.CompletedAt)
		assert.False(t, task.CompletedAt.Before(task.CreatedAt), "%q completed before it was created", task.Title)
	}
	assert.Equal(t, 3, done)
}

func TestBootstrapPartialSeedIsNotRetried(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.cfg.SeedDemo = true
	ctx := context.Background()

	created := 0
	fs.createUserFn = func(_ context.Context, user store.User) (store.User, error) {
		if created == 1 {
			return store.User{}, errors.New("connection reset")
		}
		created++
		fs.mu.Lock()
		defer fs.mu.Unlock()
		user.ID = fs.id()
		fs.users[user.ID] = user
		return user, nil
	}

	require.Error(t, svc.Bootstrap(ctx))
	fs.createUserFn = nil
	require.NoError(t, svc.Bootstrap(ctx))

	count, err := fs.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the seed only runs against an empty users table")
	assert.Empty(t, fs.tasks)
}

func TestBootstrapDisabled(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	require.NoError(t, svc.Bootstrap(context.Background()))
	count, err := fs.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
