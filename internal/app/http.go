package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tasktree/api/internal/auth"
	"tasktree/api/internal/export"
	"tasktree/api/internal/logger"
	"tasktree/api/internal/metrics"
	"tasktree/api/internal/ratelimit"
	"tasktree/api/internal/reqschema"
	"tasktree/api/internal/store"
	"tasktree/api/internal/util"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	schemas    *reqschema.Validator
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
}

type ServerOption func(*HTTPServer)

// WithLoginLimiter throttles POST /api/login per client address.
func WithLoginLimiter(limiter *ratelimit.Limiter) ServerOption {
	return func(s *HTTPServer) { s.limiter = limiter }
}

// WithMetrics records request metrics and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *HTTPServer) { s.metrics = m }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		schemas:    reqschema.MustNew(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(routeLabel)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/logout", s.authenticated(s.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/api/tasks", s.authenticated(s.handleListTasks)).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", s.authenticated(s.handleCreateTask)).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/export", s.authenticated(s.handleExportTasks)).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id:[0-9]+}", s.authenticated(s.handleShowTask)).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id:[0-9]+}", s.authenticated(s.handleUpdateTask)).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/api/tasks/{id:[0-9]+}", s.authenticated(s.handleDeleteTask)).Methods(http.MethodDelete)
	r.HandleFunc("/api/tasks/{id:[0-9]+}/done", s.authenticated(s.handleMarkComplete)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// Revocation checks fall back to Postgres, so Redis only degrades.
	if configured, err := s.service.PingRevocations(ctx); configured {
		if err != nil {
			checks["redis"] = map[string]any{"status": "degraded", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	decision, err := s.limiter.Allow(r.Context(), "login:"+clientIP(r))
	if err != nil {
		logger.WithContext(r.Context()).Warn("login rate limiter unavailable", "error", err)
	}
	s.metrics.RateLimited("login", !decision.Allowed)
	if !decision.Allowed {
		retry := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many login attempts", nil)
		return
	}

	raw, ok := s.readBody(w, r, reqschema.Login)
	if !ok {
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}

	sess, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": sess.Token,
		"user":  userPayload(sess),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request, sess Session) {
	if err := s.service.Logout(r.Context(), sess); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out"})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": userPayload(sess)})
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request, sess Session) {
	filter, sorts, err := listParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	forest, err := s.service.ListTasks(r.Context(), sess.UserID, filter, sorts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskPayloads(forest))
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, sess Session) {
	raw, ok := s.readBody(w, r, reqschema.TaskCreate)
	if !ok {
		return
	}
	var input CreateTaskInput
	if err := json.Unmarshal(raw, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	task, err := s.service.CreateTask(r.Context(), sess.UserID, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskPayload(task))
}

func (s *HTTPServer) handleShowTask(w http.ResponseWriter, r *http.Request, sess Session) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.service.ShowTask(r.Context(), sess.UserID, taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskPayload(task))
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request, sess Session) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	raw, ok := s.readBody(w, r, reqschema.TaskUpdate)
	if !ok {
		return
	}
	var patch store.TaskPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	task, err := s.service.UpdateTask(r.Context(), sess.UserID, taskID, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskPayload(task))
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request, sess Session) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteTask(r.Context(), sess.UserID, taskID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Deleted"})
}

func (s *HTTPServer) handleMarkComplete(w http.ResponseWriter, r *http.Request, sess Session) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.service.MarkComplete(r.Context(), sess.UserID, taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskPayload(task))
}

func (s *HTTPServer) handleExportTasks(w http.ResponseWriter, r *http.Request, sess Session) {
	filter, sorts, err := listParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	format, err := export.ParseFormat(strings.ToLower(r.URL.Query().Get("format")))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "The selected format is invalid.", map[string]string{"format": "must be html, pdf or xlsx"})
		return
	}

	res, err := s.service.ExportTasks(r.Context(), sess, ExportInput{
		Filter: filter,
		Sorts:  sorts,
		Format: format,
		Title:  r.URL.Query().Get("title"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	if res.URL != "" {
		w.Header().Set("X-Export-URL", res.URL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// listParams reads the list filters. Unknown sort fields or directions are
// dropped; a malformed priority is a validation error.
func listParams(r *http.Request) (store.TaskFilter, []store.TaskSort, error) {
	query := r.URL.Query()
	filter := store.TaskFilter{
		Status: store.TaskStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		Search: strings.TrimSpace(query.Get("search")),
	}
	if raw := strings.TrimSpace(query.Get("priority")); raw != "" {
		priority, err := strconv.Atoi(raw)
		if err != nil {
			return store.TaskFilter{}, nil, validationError("The selected priority is invalid.", map[string]string{"priority": "must be between 1 and 5"})
		}
		filter.Priority = priority
	}
	return filter, store.ParseSorts(query.Get("sort")), nil
}

func pathTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Task not found", nil)
		return 0, false
	}
	return id, true
}

// readBody reads the request body and checks it against the named schema.
func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read request body", nil)
		return nil, false
	}
	fields, err := s.schemas.Validate(schema, raw)
	if errors.Is(err, reqschema.ErrMalformedJSON) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if len(fields) > 0 {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "The given data was invalid.", reqschema.Details(fields))
		return nil, false
	}
	return raw, true
}

type sessionHandler func(http.ResponseWriter, *http.Request, Session)

func (s *HTTPServer) authenticated(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, sess)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthenticated.", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthenticated.", nil)
			return Session{}, false
		}
		logger.WithContext(r.Context()).Error("session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

// fail writes err as an error response. Unexpected errors are logged and
// reported without detail.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthenticated.", nil
	}
	if errors.Is(err, store.ErrInvalidReference) {
		return http.StatusUnprocessableEntity, CodeValidation, "A referenced task or user does not exist.", nil
	}
	if errors.Is(err, store.ErrTaskDone) {
		return http.StatusConflict, CodeConflict, "Cannot modify a completed task", nil
	}
	if errors.Is(err, store.ErrConcurrentUpdate) {
		return http.StatusConflict, CodeConflict, "The task was modified concurrently, retry the request", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

type taskPayload struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	AssigneeID  *int64        `json:"assignee_id"`
	ParentID    *int64        `json:"parent_id"`
	Title       string        `json:"title"`
	Description *string       `json:"description"`
	Status      string        `json:"status"`
	Priority    int           `json:"priority"`
	CompletedAt *time.Time    `json:"completed_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Subtasks    []taskPayload `json:"subtasks"`
}

func toTaskPayload(task store.Task) taskPayload {
	return taskPayload{
		ID:          task.ID,
		UserID:      task.OwnerID,
		AssigneeID:  task.AssigneeID,
		ParentID:    task.ParentID,
		Title:       task.Title,
		Description: task.Description,
		Status:      string(task.Status),
		Priority:    task.Priority,
		CompletedAt: task.CompletedAt,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
		Subtasks:    taskPayloads(task.Subtasks),
	}
}

func taskPayloads(tasks []store.Task) []taskPayload {
	out := make([]taskPayload, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskPayload(task))
	}
	return out
}

func userPayload(sess Session) map[string]any {
	return map[string]any{"id": sess.UserID, "name": sess.UserName, "email": sess.Email}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		r = r.WithContext(logger.ContextWithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK, route: "unmatched"}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.ObserveRequest(r.Method, writer.route, writer.status, elapsed)
		logger.WithContext(r.Context()).Info("http request",
			"method", r.Method,
			"route", writer.route,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// routeLabel records the matched route template on the recorder so metrics
// are labelled by route rather than raw path.
func routeLabel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec, ok := w.(*statusRecorder); ok {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					rec.route = tpl
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	route  string
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Export-URL, Retry-After")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
