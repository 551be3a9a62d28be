package search

import (
	"context"

	"tasktree/api/internal/store"
)

// maxMatches caps how many ids a single keyword search returns. It matches
// the default maxTotalHits of a Meilisearch index.
const maxMatches = 1000

// Query describes a keyword search over one owner's tasks.
type Query struct {
	OwnerID int64
	Text    string
	Limit   int
}

// Matcher resolves a keyword query to matching task ids.
type Matcher interface {
	MatchTaskIDs(ctx context.Context, q Query) ([]int64, error)
	Healthy() bool
}

var (
	_ Matcher = (*Meili)(nil)
	_ Matcher = (*PgFTS)(nil)
	_ Matcher = (*Service)(nil)
)

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          int64  `json:"id"`
	OwnerID     int64  `json:"ownerId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
}

func RecordFromTask(task store.Task) TaskRecord {
	record := TaskRecord{
		ID:       task.ID,
		OwnerID:  task.OwnerID,
		Title:    task.Title,
		Status:   string(task.Status),
		Priority: task.Priority,
	}
	if task.Description != nil {
		record.Description = *task.Description
	}
	return record
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > maxMatches {
		return maxMatches
	}
	return q.Limit
}
