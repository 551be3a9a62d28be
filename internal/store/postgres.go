package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidReference is returned when a parent or assignee id does not
	// reference an existing row.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrTaskDone is returned when a write targets a task that is already done.
	ErrTaskDone = errors.New("task is done")
	// ErrConcurrentUpdate is returned when a serializable transaction lost a
	// race with another writer.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

const (
	pgForeignKeyViolation   = "23503"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	taskColumns             = `id, user_id, assignee_id, parent_id, title, description, status, priority, completed_at, created_at, updated_at`
	subtreeIDs              = `WITH RECURSIVE subtree(id) AS (
			SELECT id FROM tasks WHERE parent_id = $1
			UNION ALL
			SELECT t.id FROM tasks t JOIN subtree s ON t.parent_id = s.id
		)
		SELECT id FROM subtree`
)

// CompletionGuard decides, inside the completion transaction, whether root may
// be marked done given its locked descendants.
type CompletionGuard func(root Task, descendants []Task) error

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at, updated_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, user.Name, strings.TrimSpace(user.Email), user.PasswordHash).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// QueryTasks returns the owner's tasks matching filter as a flat list ordered
// by sorts, with id as the final tiebreak.
func (s *PostgresStore) QueryTasks(ctx context.Context, ownerID int64, filter TaskFilter, sorts []TaskSort) ([]Task, error) {
	if filter.IDs != nil && len(filter.IDs) == 0 {
		return []Task{}, nil
	}

	query, args := buildTaskQuery(ownerID, filter, sorts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func buildTaskQuery(ownerID int64, filter TaskFilter, sorts []TaskSort) (string, []any) {
	var b strings.Builder
	args := []any{ownerID}
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1`)

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&b, " AND status = $%d", len(args))
	}
	if filter.Priority != 0 {
		args = append(args, filter.Priority)
		fmt.Fprintf(&b, " AND priority = $%d", len(args))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, search)
		fmt.Fprintf(&b, " AND fts @@ plainto_tsquery('simple', $%d)", len(args))
	}
	if filter.IDs != nil {
		args = append(args, filter.IDs)
		fmt.Fprintf(&b, " AND id = ANY($%d)", len(args))
	}

	b.WriteString(" ORDER BY ")
	for _, sort := range sorts {
		if !sort.Allowed() {
			continue
		}
		direction := "ASC"
		if sort.Desc {
			direction = "DESC"
		}
		fmt.Fprintf(&b, "%s %s, ", sort.Field, direction)
	}
	b.WriteString("id ASC")
	return b.String(), args
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	return getTask(ctx, s.db, taskID, false)
}

// ListSubtree returns every descendant of rootID (not the root itself) as a
// flat list in creation order.
func (s *PostgresStore) ListSubtree(ctx context.Context, rootID int64) ([]Task, error) {
	return listSubtree(ctx, s.db, rootID, false)
}

func (s *PostgresStore) InsertTask(ctx context.Context, task NewTask) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (user_id, assignee_id, parent_id, title, description, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+taskColumns,
		task.OwnerID, task.AssigneeID, task.ParentID, task.Title, task.Description, string(StatusTodo), task.Priority,
	)
	created, err := scanTask(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Task{}, fmt.Errorf("insert task: %w", ErrInvalidReference)
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

// UpdateTask applies patch to a task that is still todo.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID int64, patch TaskPatch) (Task, error) {
	if patch.Empty() {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return Task{}, ErrTaskDone
		}
		return task, nil
	}

	sets := make([]string, 0, 5)
	args := []any{taskID}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title.Set {
		set("title", patch.Title.Value)
	}
	if patch.WritesDescription() {
		set("description", patch.Description.Value)
	}
	if patch.Priority.Set {
		if patch.Priority.Null {
			set("priority", DefaultPriority)
		} else {
			set("priority", patch.Priority.Value)
		}
	}
	if patch.AssigneeID.Set {
		if patch.AssigneeID.Null {
			set("assignee_id", nil)
		} else {
			set("assignee_id", patch.AssigneeID.Value)
		}
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = 'todo' RETURNING ` + taskColumns
	updated, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, s.explainMissedWrite(ctx, taskID)
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return Task{}, fmt.Errorf("update task: %w", ErrInvalidReference)
		}
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return updated, nil
}

// DeleteTask removes a todo task; descendants go with it through the
// parent_id cascade.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1 AND status = 'todo'`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected == 0 {
		return s.explainMissedWrite(ctx, taskID)
	}
	return nil
}

// CompleteTask locks the task and its subtree in a serializable transaction,
// runs guard against that snapshot and, if it passes, marks the task done.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID int64, at time.Time, guard CompletionGuard) (Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Task{}, fmt.Errorf("begin complete tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	root, err := getTask(ctx, tx, taskID, true)
	if err != nil {
		return Task{}, translateTxError(err)
	}
	descendants, err := listSubtree(ctx, tx, taskID, true)
	if err != nil {
		return Task{}, translateTxError(err)
	}
	if guard != nil {
		if err := guard(root, descendants); err != nil {
			return Task{}, err
		}
	}

	updated, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'done', completed_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+taskColumns, taskID, at))
	if err != nil {
		return Task{}, translateTxError(fmt.Errorf("complete task: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return Task{}, translateTxError(fmt.Errorf("commit complete tx: %w", err))
	}
	committed = true
	return updated, nil
}

func (s *PostgresStore) explainMissedWrite(ctx context.Context, taskID int64) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Done() {
		return ErrTaskDone
	}
	return ErrConcurrentUpdate
}

func getTask(ctx context.Context, q queryer, taskID int64, lock bool) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanTask(q.QueryRowContext(ctx, query, taskID))
}

func listSubtree(ctx context.Context, q queryer, rootID int64, lock bool) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id IN (` + subtreeIDs + `) ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("list subtree: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task        Task
		assigneeID  sql.NullInt64
		parentID    sql.NullInt64
		description sql.NullString
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&assigneeID,
		&parentID,
		&task.Title,
		&description,
		&status,
		&task.Priority,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if assigneeID.Valid {
		task.AssigneeID = &assigneeID.Int64
	}
	if parentID.Valid {
		task.ParentID = &parentID.Int64
	}
	if description.Valid {
		task.Description = &description.String
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	task.Status = TaskStatus(status)
	return task, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func translateTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, pgErr.Message)
	}
	return err
}
