package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"tasktree/api/internal/logger"
)

const idxTasks = "tasktree_tasks"

// Meili implements Matcher and the task indexer via Meilisearch.
type Meili struct {
	client    meili.ServiceManager
	healthy   atomic.Bool
	onRecover atomic.Pointer[func()]
	done      chan struct{}
}

// NewMeili creates a Meilisearch client and configures the task index. An
// unreachable server leaves it unhealthy; the health loop keeps retrying.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTasks,
		PrimaryKey: "id",
	}); err != nil {
		logger.Debug("search: create index (may already exist)", "index", idxTasks, "error", err)
	}

	index := m.client.Index(idxTasks)
	filterable := []interface{}{"ownerId", "status", "priority"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.Warn("search: update filterable attrs", "index", idxTasks, "error", err)
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.Warn("search: update searchable attrs", "index", idxTasks, "error", err)
	}
	// Keyword search matches whole tokens like the Postgres predicate does.
	if _, err := index.UpdateTypoTolerance(&meili.TypoTolerance{Enabled: false}); err != nil {
		logger.Warn("search: disable typo tolerance", "index", idxTasks, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			if m.setHealthy(err == nil) {
				logger.Info("search: meilisearch recovered, reconfiguring and reindexing")
				m.configureIndex()
				m.notifyRecovered()
			}
		}
	}
}

// setHealthy records a health check result and reports whether it was an
// unhealthy to healthy transition.
func (m *Meili) setHealthy(ok bool) bool {
	was := m.healthy.Swap(ok)
	return ok && !was
}

// OnRecover registers fn to run each time Meilisearch becomes reachable again.
func (m *Meili) OnRecover(fn func()) {
	m.onRecover.Store(&fn)
}

func (m *Meili) notifyRecovered() {
	if fn := m.onRecover.Load(); fn != nil {
		(*fn)()
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// MatchTaskIDs searches the owner's tasks and returns hit ids in relevance
// order.
func (m *Meili) MatchTaskIDs(_ context.Context, q Query) ([]int64, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:             idxTasks,
			Query:                q.Text,
			Limit:                int64(q.limit()),
			Filter:               ownerFilter(q.OwnerID),
			AttributesToRetrieve: []string{"id"},
			MatchingStrategy:     meili.All,
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	ids := make([]int64, 0)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			if id, ok := decodeID(hit); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func ownerFilter(ownerID int64) string {
	return "ownerId = " + strconv.FormatInt(ownerID, 10)
}

func decodeID(hit meili.Hit) (int64, bool) {
	raw, ok := hit["id"]
	if !ok {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// IndexTask adds or updates a task in the search index.
func (m *Meili) IndexTask(record TaskRecord) error {
	_, err := m.client.Index(idxTasks).AddDocuments([]TaskRecord{record}, nil)
	return err
}

// ReplaceTasks clears the index and adds records. Meilisearch applies the two
// tasks in order.
func (m *Meili) ReplaceTasks(records []TaskRecord) error {
	index := m.client.Index(idxTasks)
	if _, err := index.DeleteAllDocuments(nil); err != nil {
		return fmt.Errorf("clear task index: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(records, nil); err != nil {
		return fmt.Errorf("add task documents: %w", err)
	}
	return nil
}

// DeleteTask removes a task from the search index.
func (m *Meili) DeleteTask(id int64) error {
	_, err := m.client.Index(idxTasks).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
