package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tasktree/api/internal/export"
	"tasktree/api/internal/logger"
	"tasktree/api/internal/policy"
	"tasktree/api/internal/search"
	"tasktree/api/internal/store"
	"tasktree/api/internal/tasktree"
)

type CreateTaskInput struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Priority    int     `json:"priority"`
	ParentID    *int64  `json:"parent_id"`
	AssigneeID  *int64  `json:"assignee_id"`
}

type ExportInput struct {
	Filter store.TaskFilter
	Sorts  []store.TaskSort
	Format export.Format
	Title  string
}

// ListTasks returns the owner's tasks matching filter as a forest. Filtering
// happens before the tree is assembled, so a task whose parent was filtered
// out is not part of the result.
func (s *Service) ListTasks(ctx context.Context, ownerID int64, filter store.TaskFilter, sorts []store.TaskSort) ([]store.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationError("The selected status is invalid.", map[string]string{"status": "must be todo or done"})
	}
	if filter.Priority != 0 && !store.ValidPriority(filter.Priority) {
		return nil, validationError("The selected priority is invalid.", map[string]string{"priority": "must be between 1 and 5"})
	}
	filter = s.resolveSearch(ctx, ownerID, filter)

	flat, err := s.store.QueryTasks(ctx, ownerID, filter, sorts)
	if err != nil {
		return nil, err
	}
	return tasktree.Build(flat), nil
}

// resolveSearch turns a keyword into an id restriction through the search
// index. When the index is unavailable the keyword stays on the filter and the
// store matches it with its own full-text predicate.
func (s *Service) resolveSearch(ctx context.Context, ownerID int64, filter store.TaskFilter) store.TaskFilter {
	text := strings.TrimSpace(filter.Search)
	if text == "" || s.search == nil {
		return filter
	}
	ids, err := s.search.MatchTaskIDs(ctx, search.Query{OwnerID: ownerID, Text: text})
	if err != nil {
		logger.WithContext(ctx).Warn("search index lookup failed, using store predicate", "error", err)
		return filter
	}
	if ids == nil {
		return filter
	}
	filter.Search = ""
	filter.IDs = ids
	return filter
}

func (s *Service) CreateTask(ctx context.Context, ownerID int64, input CreateTaskInput) (store.Task, error) {
	fields := map[string]string{}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		fields["title"] = "The title field is required."
	}
	if !store.ValidPriority(input.Priority) {
		fields["priority"] = "The selected priority is invalid."
	}
	if input.ParentID != nil && *input.ParentID == 0 {
		input.ParentID = nil
	}
	if len(fields) > 0 {
		return store.Task{}, validationError("The given data was invalid.", fields)
	}

	if input.ParentID != nil {
		parent, err := s.store.GetTask(ctx, *input.ParentID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.Task{}, validationError("The selected parent id is invalid.", map[string]string{"parent_id": "The selected parent id is invalid."})
		case err != nil:
			return store.Task{}, err
		case parent.OwnerID != ownerID:
			return store.Task{}, validationError("The selected parent id is invalid.", map[string]string{"parent_id": "The selected parent id is invalid."})
		case parent.Done():
			return store.Task{}, conflictError("Cannot add a subtask to a completed task")
		}
	}
	if err := s.checkAssignee(ctx, input.AssigneeID); err != nil {
		return store.Task{}, err
	}

	created, err := s.store.InsertTask(ctx, store.NewTask{
		OwnerID:     ownerID,
		Title:       title,
		Description: input.Description,
		Priority:    input.Priority,
		ParentID:    input.ParentID,
		AssigneeID:  input.AssigneeID,
	})
	if err != nil {
		return store.Task{}, translateStoreError(err)
	}
	s.indexTask(created)
	return created, nil
}

// ShowTask returns the task with its full, unfiltered subtree.
func (s *Service) ShowTask(ctx context.Context, ownerID, taskID int64) (store.Task, error) {
	task, err := s.loadTask(ctx, ownerID, taskID, policy.ActionView)
	if err != nil {
		return store.Task{}, err
	}
	return s.withSubtree(ctx, task)
}

func (s *Service) UpdateTask(ctx context.Context, ownerID, taskID int64, patch store.TaskPatch) (store.Task, error) {
	task, err := s.loadTask(ctx, ownerID, taskID, policy.ActionUpdate)
	if err != nil {
		return store.Task{}, err
	}
	if task.Done() {
		return store.Task{}, conflictError("Cannot update a completed task")
	}

	fields := map[string]string{}
	if patch.Title.Set {
		patch.Title.Value = strings.TrimSpace(patch.Title.Value)
		if patch.Title.Null || patch.Title.Value == "" {
			fields["title"] = "The title field must not be empty."
		}
	}
	if patch.Priority.Set && !patch.Priority.Null && !store.ValidPriority(patch.Priority.Value) {
		fields["priority"] = "The selected priority is invalid."
	}
	if len(fields) > 0 {
		return store.Task{}, validationError("The given data was invalid.", fields)
	}
	if patch.AssigneeID.Set && !patch.AssigneeID.Null {
		if err := s.checkAssignee(ctx, &patch.AssigneeID.Value); err != nil {
			return store.Task{}, err
		}
	}

	updated, err := s.store.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return store.Task{}, translateStoreError(err)
	}
	s.indexTask(updated)
	return s.withSubtree(ctx, updated)
}

// DeleteTask removes a todo task together with its descendants.
func (s *Service) DeleteTask(ctx context.Context, ownerID, taskID int64) error {
	task, err := s.loadTask(ctx, ownerID, taskID, policy.ActionDelete)
	if err != nil {
		return err
	}
	if task.Done() {
		return conflictError("Cannot delete a completed task")
	}

	descendants, err := s.store.ListSubtree(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return translateStoreError(err)
	}

	if s.search != nil {
		ids := make([]int64, 0, len(descendants)+1)
		ids = append(ids, taskID)
		for _, d := range descendants {
			ids = append(ids, d.ID)
		}
		s.search.DeleteTasks(ids)
	}
	return nil
}

// MarkComplete moves a todo task to done. The subtree is re-read and locked
// inside the completing transaction, and every descendant must already be
// done. Completing a done task is a conflict.
func (s *Service) MarkComplete(ctx context.Context, ownerID, taskID int64) (store.Task, error) {
	task, err := s.loadTask(ctx, ownerID, taskID, policy.ActionComplete)
	if err != nil {
		return store.Task{}, err
	}
	if task.Done() {
		s.metrics.CompletionRejected("already_done")
		return store.Task{}, conflictError("Cannot complete a completed task")
	}

	var descendants []store.Task
	guard := func(root store.Task, locked []store.Task) error {
		if root.Done() {
			s.metrics.CompletionRejected("already_done")
			return conflictError("Cannot complete a completed task")
		}
		tree := tasktree.Attach(root, locked)
		if !tasktree.AllSubtasksDone(tree) {
			s.metrics.CompletionRejected("subtasks_pending")
			return validationError("Subtasks not complete", map[string]any{"pending": tasktree.Pending(tree)})
		}
		descendants = locked
		return nil
	}

	completed, err := s.store.CompleteTask(ctx, taskID, s.now(), guard)
	if err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			s.metrics.CompletionRejected("conflict")
		}
		return store.Task{}, translateStoreError(err)
	}
	s.metrics.TaskCompleted()
	s.indexTask(completed)
	return tasktree.Attach(completed, descendants), nil
}

// ExportTasks renders the owner's filtered forest as a report.
func (s *Service) ExportTasks(ctx context.Context, sess Session, input ExportInput) (*export.Result, error) {
	if s.exports == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	forest, err := s.ListTasks(ctx, sess.UserID, input.Filter, input.Sorts)
	if err != nil {
		return nil, err
	}
	res, err := s.exports.Export(ctx, export.Request{
		OwnerID:   sess.UserID,
		OwnerName: sess.UserName,
		Title:     input.Title,
		Format:    input.Format,
		Forest:    forest,
	})
	switch {
	case errors.Is(err, export.ErrUnsupportedFormat):
		return nil, validationError("The selected format is invalid.", map[string]string{"format": "must be html, pdf or xlsx"})
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
	case err != nil:
		return nil, fmt.Errorf("export tasks: %w", err)
	}
	return res, nil
}

// loadTask fetches a task and checks that the caller may perform action on
// it. A missing task is NotFound; someone else's task is Forbidden.
func (s *Service) loadTask(ctx context.Context, userID, taskID int64, action policy.Action) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, notFoundError("Task not found")
	}
	if err != nil {
		return store.Task{}, err
	}
	if !policy.Authorize(userID, task, action) {
		return store.Task{}, forbiddenError()
	}
	return task, nil
}

func (s *Service) withSubtree(ctx context.Context, task store.Task) (store.Task, error) {
	descendants, err := s.store.ListSubtree(ctx, task.ID)
	if err != nil {
		return store.Task{}, err
	}
	return tasktree.Attach(task, descendants), nil
}

func (s *Service) checkAssignee(ctx context.Context, assigneeID *int64) error {
	if assigneeID == nil {
		return nil
	}
	exists, err := s.store.UserExists(ctx, *assigneeID)
	if err != nil {
		return err
	}
	if !exists {
		return validationError("The selected assignee id is invalid.", map[string]string{"assignee_id": "The selected assignee id is invalid."})
	}
	return nil
}

func (s *Service) indexTask(task store.Task) {
	if s.search != nil {
		s.search.IndexTask(search.RecordFromTask(task))
	}
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrTaskDone):
		return conflictError("Cannot modify a completed task")
	case errors.Is(err, store.ErrConcurrentUpdate):
		return conflictError("The task was modified concurrently, retry the request")
	case errors.Is(err, store.ErrInvalidReference):
		return validationError("A referenced task or user does not exist.", nil)
	case errors.Is(err, sql.ErrNoRows):
		return notFoundError("Task not found")
	default:
		return err
	}
}
