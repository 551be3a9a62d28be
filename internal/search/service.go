package search

import (
	"context"

	"tasktree/api/internal/logger"
)

// indexer is the writable search backend (Meilisearch).
type indexer interface {
	Matcher
	IndexTask(record TaskRecord) error
	ReplaceTasks(records []TaskRecord) error
	DeleteTask(id int64) error
}

// recordSource is the Postgres side: fallback matching plus the full set of
// task records the index is rebuilt from.
type recordSource interface {
	Matcher
	LoadAllTaskRecords(ctx context.Context) ([]TaskRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index  indexer
	source recordSource
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured. When Meilisearch comes back after an outage the index is rebuilt
// from Postgres, so writes skipped while it was down are not lost.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if pgfts != nil {
		s.source = pgfts
	}
	if meili != nil {
		s.index = meili
		meili.OnRecover(func() { s.ReindexAllFromPG(context.Background()) })
	}
	return s
}

func (s *Service) Healthy() bool {
	return s.indexHealthy() || s.source != nil
}

func (s *Service) indexHealthy() bool {
	return s.index != nil && s.index.Healthy()
}

// MatchTaskIDs tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) MatchTaskIDs(ctx context.Context, q Query) ([]int64, error) {
	if s.indexHealthy() {
		ids, err := s.index.MatchTaskIDs(ctx, q)
		if err == nil {
			return ids, nil
		}
		logger.Warn("search: meilisearch error, falling back to pgfts", "error", err)
	}
	if s.source == nil {
		return nil, nil
	}
	return s.source.MatchTaskIDs(ctx, q)
}

// IndexTask indexes a task (fire-and-forget to Meilisearch). While the index
// is down the write is skipped; the rebuild on recovery picks it up.
func (s *Service) IndexTask(record TaskRecord) {
	if !s.indexHealthy() {
		return
	}
	go func() {
		if err := s.index.IndexTask(record); err != nil {
			logger.Warn("search: index task", "task_id", record.ID, "error", err)
		}
	}()
}

// DeleteTasks removes tasks from the search index (fire-and-forget).
func (s *Service) DeleteTasks(ids []int64) {
	if !s.indexHealthy() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.index.DeleteTask(id); err != nil {
				logger.Warn("search: delete task", "task_id", id, "error", err)
			}
		}
	}()
}

// ReindexAllFromPG replaces the Meilisearch contents with every task row in
// PostgreSQL, dropping documents for tasks deleted in the meantime.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexHealthy() || s.source == nil {
		return
	}
	records, err := s.source.LoadAllTaskRecords(ctx)
	if err != nil {
		logger.Warn("search: reindex load failed", "error", err)
		return
	}
	if err := s.index.ReplaceTasks(records); err != nil {
		logger.Warn("search: reindex tasks", "error", err)
		return
	}
	logger.Info("search: reindexed tasks", "count", len(records))
}
