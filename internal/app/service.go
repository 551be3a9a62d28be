package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasktree/api/internal/auth"
	"tasktree/api/internal/authpw"
	"tasktree/api/internal/config"
	"tasktree/api/internal/export"
	"tasktree/api/internal/logger"
	"tasktree/api/internal/metrics"
	"tasktree/api/internal/search"
	"tasktree/api/internal/session"
	"tasktree/api/internal/store"
	"tasktree/api/internal/util"
)

type Session struct {
	Token     string
	UserID    int64
	UserName  string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	CreateUser(context.Context, store.User) (store.User, error)
	UserExists(context.Context, int64) (bool, error)
	CountUsers(context.Context) (int, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	QueryTasks(context.Context, int64, store.TaskFilter, []store.TaskSort) ([]store.Task, error)
	GetTask(context.Context, int64) (store.Task, error)
	ListSubtree(context.Context, int64) ([]store.Task, error)
	InsertTask(context.Context, store.NewTask) (store.Task, error)
	UpdateTask(context.Context, int64, store.TaskPatch) (store.Task, error)
	DeleteTask(context.Context, int64) error
	CompleteTask(context.Context, int64, time.Time, store.CompletionGuard) (store.Task, error)
}

type authenticator interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
	HashPassword(password string) (string, error)
}

type revocationList interface {
	RevokeAccessToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	LookupRevocation(ctx context.Context, jti string) (session.Revocation, bool, error)
	Ping(ctx context.Context) error
}

type taskIndex interface {
	MatchTaskIDs(ctx context.Context, q search.Query) ([]int64, error)
	IndexTask(record search.TaskRecord)
	DeleteTasks(ids []int64)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature.
type Options struct {
	Revocations *session.RedisStore
	Search      *search.Service
	Export      *export.Service
	Metrics     *metrics.Metrics
}

type Service struct {
	cfg         config.Config
	store       dataStore
	passwords   authenticator
	revocations revocationList
	search      taskIndex
	exports     exporter
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		passwords: authpw.NewService(dataStore),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if opts.Revocations != nil {
		svc.revocations = opts.Revocations
	}
	if opts.Search != nil {
		svc.search = opts.Search
	}
	if opts.Export != nil {
		svc.exports = opts.Export
	}
	return svc
}

const demoPassword = "123"

// Bootstrap seeds demo users and tasks into an empty database when
// SeedDemo is enabled. The seed is not transactional: once any user exists it
// is skipped, so a partial seed is not retried.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDemo {
		return nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := s.passwords.HashPassword(demoPassword)
	if err != nil {
		return err
	}
	users := make([]store.User, 0, 3)
	for _, seed := range []struct{ name, email string }{
		{"Project manager", "test@example.com"},
		{"Team Lead", "test2@example.com"},
		{"Developer", "test3@example.com"},
	} {
		user, err := s.store.CreateUser(ctx, store.User{Name: seed.name, Email: seed.email, PasswordHash: hash})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", seed.email, err)
		}
		users = append(users, user)
	}
	pm, lead, dev := users[0], users[1], users[2]

	planning, err := s.seedTask(ctx, store.NewTask{
		OwnerID:     pm.ID,
		AssigneeID:  &dev.ID,
		Title:       "Project Planning",
		Description: strPtr("Plan the overall project"),
		Priority:    2,
	}, false)
	if err != nil {
		return err
	}
	seeds := []struct {
		task store.NewTask
		done bool
	}{
		{
			task: store.NewTask{
				OwnerID:     pm.ID,
				AssigneeID:  &dev.ID,
				ParentID:    &planning.ID,
				Title:       "Gather requirements",
				Description: strPtr("Collect functional and non-functional requirements from stakeholders to define the necessary features and constraints."),
				Priority:    3,
			},
			done: true,
		},
		{
			task: store.NewTask{OwnerID: pm.ID, AssigneeID: &dev.ID, ParentID: &planning.ID, Title: "Define milestones", Priority: 4},
		},
		{
			task:   store.NewTask{OwnerID: pm.ID, AssigneeID: &dev.ID, Title: "Setup project repository", Priority: 1},
			done:   true,
		},
		{
			task: store.NewTask{
				OwnerID:     lead.ID,
				AssigneeID:  &dev.ID,
				Title:       "Initialize CI/CD pipeline",
				Description: strPtr("Set up continuous integration and delivery for automated testing and deployment."),
				Priority:    1,
			},
			done:   true,
		},
	}
	for _, seed := range seeds {
		if _, err := s.seedTask(ctx, seed.task, seed.done); err != nil {
			return err
		}
	}
	logger.Info("seeded demo data", "users", len(users), "tasks", len(seeds)+1)
	return nil
}

// seedTask inserts a task and, when done is set, completes it right away so
// completed_at never precedes created_at.
func (s *Service) seedTask(ctx context.Context, task store.NewTask, done bool) (store.Task, error) {
	created, err := s.store.InsertTask(ctx, task)
	if err != nil {
		return store.Task{}, fmt.Errorf("seed task %q: %w", task.Title, err)
	}
	if done {
		created, err = s.store.CompleteTask(ctx, created.ID, s.now(), nil)
		if err != nil {
			return store.Task{}, fmt.Errorf("seed task %q: %w", task.Title, err)
		}
	}
	s.indexTask(created)
	return created, nil
}

// Login checks the credentials and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, invalidCredentials()
		}
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.isRevoked(ctx, claims)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the session's token in Postgres and, when configured, in
// Redis. The token stays revoked until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.JTI == "" {
		return nil
	}
	if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
		return err
	}
	if s.revocations != nil {
		if err := s.revocations.RevokeAccessToken(ctx, sess.JTI, sess.UserID, sess.ExpiresAt); err != nil {
			return fmt.Errorf("revoke in redis: %w", err)
		}
	}
	return nil
}

// isRevoked answers from Postgres, the source of truth. Redis only caches
// revocations: a hit there is final, a miss is checked against Postgres and a
// revocation found there is written back to Redis.
func (s *Service) isRevoked(ctx context.Context, claims auth.Claims) (bool, error) {
	cacheMiss := false
	if s.revocations != nil {
		rev, found, err := s.revocations.LookupRevocation(ctx, claims.JTI)
		switch {
		case err != nil:
			logger.WithContext(ctx).Warn("revocation lookup in redis failed, using postgres", "error", err)
		case found:
			logger.WithContext(ctx).Debug("rejected revoked token", "user_id", rev.UserID, "revoked_at", rev.RevokedAt)
			return true, nil
		default:
			cacheMiss = true
		}
	}

	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil || !revoked || !cacheMiss {
		return revoked, err
	}
	if err := s.revocations.RevokeAccessToken(ctx, claims.JTI, claims.Sub, time.Unix(claims.Exp, 0)); err != nil {
		logger.WithContext(ctx).Warn("restoring revocation in redis failed", "error", err)
	}
	return true, nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRevocations checks the Redis revocation list. configured is false when
// revocations live in Postgres only.
func (s *Service) PingRevocations(ctx context.Context) (configured bool, err error) {
	if s.revocations == nil {
		return false, nil
	}
	return true, s.revocations.Ping(ctx)
}

func strPtr(v string) *string {
	return &v
}
