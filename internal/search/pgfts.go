package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Matcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS matcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// MatchTaskIDs runs plainto_tsquery over the generated fts column, best
// ranked first.
func (p *PgFTS) MatchTaskIDs(ctx context.Context, q Query) ([]int64, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id
		FROM tasks
		WHERE user_id = $1 AND fts @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $2)) DESC, id ASC
		LIMIT $3
	`, q.OwnerID, strings.TrimSpace(q.Text), q.limit())
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAllTaskRecords returns every task for full reindexing.
func (p *PgFTS) LoadAllTaskRecords(ctx context.Context) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, title, COALESCE(description, ''), status, priority
		FROM tasks
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	records := make([]TaskRecord, 0)
	for rows.Next() {
		var r TaskRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Description, &r.Status, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return records, nil
}
