// Package gateway exposes the local control surface: a JSON REST API for
// tasks, worker control and webhook ingest, plus a websocket feed that
// bridges the in-process event bus to observers.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/escalate"
	"github.com/basket/inflow/internal/persistence"
	"github.com/basket/inflow/internal/pipeline"
	"github.com/basket/inflow/internal/sources"
	"github.com/basket/inflow/internal/worker"
)

// Config holds the gateway's collaborators.
type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Scheduler *worker.Scheduler
	Runner    *pipeline.Runner
	Registry  *sources.Registry
	Webhook   *sources.WebhookSource // nil disables POST /api/items
	Escalator *escalate.Handler

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

// Server is the HTTP control surface.
type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]struct{}
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/worker/pause", s.handleWorkerPause)
	mux.HandleFunc("/api/worker/resume", s.handleWorkerResume)
	mux.HandleFunc("/api/worker/force", s.handleWorkerForce)
	mux.HandleFunc("/api/pipeline/run", s.handlePipelineRun)
	mux.HandleFunc("/api/items", s.handleItems)

	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	schemaVersion := 0
	if v, err := s.cfg.Store.SchemaVersion(ctx); err != nil {
		dbOK = false
	} else {
		schemaVersion = v
	}
	var suspended int64
	if n, err := s.cfg.Store.CountSuspendedExecutions(ctx); err == nil {
		suspended = n
	}
	workerState := "unknown"
	if status, err := s.cfg.Store.AgentStatus(ctx); err == nil {
		workerState = string(status.State)
	}

	payload := map[string]any{
		"healthy":              dbOK,
		"db_ok":                dbOK,
		"schema_version":       schemaVersion,
		"worker_state":         workerState,
		"suspended_executions": suspended,
		"sources":              s.cfg.Registry.Names(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	agent, err := s.cfg.Store.AgentStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.cfg.Store.CountTasksByStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	suspended, err := s.cfg.Store.CountSuspendedExecutions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker":               agent,
		"task_counts":          counts,
		"suspended_executions": suspended,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var statuses []persistence.TaskStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			statuses = append(statuses, persistence.TaskStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleTaskByID serves GET /api/tasks/{id} and POST /api/tasks/{id}/reply.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID, ok := strings.CutSuffix(rest, "/reply"); ok {
		s.handleTaskReply(w, r, taskID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if rest == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, rest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	comments, err := s.cfg.Store.ListComments(ctx, task.ID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(ctx, task.ID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"comments": comments,
		"events":   events,
	})
}

func (s *Server) handleTaskReply(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.Status != persistence.TaskStatusNeedsReview {
		writeError(w, http.StatusConflict, fmt.Sprintf("task is %s, not awaiting review", task.Status))
		return
	}
	if err := s.cfg.Escalator.HandleHumanReply(ctx, task, req.Answer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": task.ID,
		"status":  string(persistence.TaskStatusUserInputReceived),
	})
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request) {
	s.workerControl(w, r, func(ctx context.Context) error {
		return s.cfg.Scheduler.Pause(ctx)
	}, "paused")
}

func (s *Server) handleWorkerResume(w http.ResponseWriter, r *http.Request) {
	s.workerControl(w, r, func(ctx context.Context) error {
		return s.cfg.Scheduler.Resume(ctx)
	}, "resumed")
}

func (s *Server) workerControl(w http.ResponseWriter, r *http.Request, action func(context.Context) error, verb string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := action(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": verb})
}

func (s *Server) handleWorkerForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	if err := s.cfg.Scheduler.ForceProcess(req.TaskID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": req.TaskID, "queued": "true"})
}

// handlePipelineRun triggers an immediate ingestion run, for one source
// (?source=) or all of them.
func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	if name := r.URL.Query().Get("source"); name != "" {
		report, ok := s.cfg.Runner.Run(ctx, name)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", name))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": []pipeline.Report{report}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": s.cfg.Runner.RunAll(ctx)})
}

// handleItems accepts a pushed work item, validates it against the webhook
// schema, and ingests it immediately.
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Webhook == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook source not enabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	sourceID, err := s.cfg.Webhook.Enqueue(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	report, _ := s.cfg.Runner.Run(r.Context(), s.cfg.Webhook.Name())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"source_id": sourceID,
		"report":    report,
	})
}

// busFrame is one event forwarded over the websocket feed.
type busFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS upgrades to a websocket and streams bus events to the client
// until it disconnects. An optional ?topic= prefix narrows the feed. The
// feed is read-only.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.addClient(conn)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(conn)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, busFrame{Topic: event.Topic, Payload: event.Payload}); err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[conn] = struct{}{}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, conn)
}

// ClientCount reports connected websocket observers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
