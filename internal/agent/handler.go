package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/repo-agent/internal/api"
	"github.com/ashureev/repo-agent/internal/config"
	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/github"
	"github.com/ashureev/repo-agent/internal/identity"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultRunsLimit          = 20
	maxRunsLimit              = 100
)

// Handler serves the agent HTTP, SSE and WebSocket API.
type Handler struct {
	svc         *Service
	hub         *Hub
	rateLimiter *RateLimiter
	cfg         *config.Config
	logger      *slog.Logger
}

// NewHandler creates an agent handler. cfg may be nil, in which case
// defaults are used.
func NewHandler(svc *Service, hub *Hub, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		svc:         svc,
		hub:         hub,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers the agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/run", h.HandleRun)
		r.Get("/state", h.HandleState)
		r.Get("/runs", h.HandleRuns)
		r.Delete("/session", h.HandleReset)
		r.Get("/stream", h.HandleStream)
	})
	r.Get("/ws/agent", h.HandleWebSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

type runResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// HandleRun handles POST /api/agent/run.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(id.UserID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}

	var req RunRequest
	if err := api.DecodeJSON(w, r, maxBodySize, &req); err != nil {
		if errors.Is(err, api.ErrBodyTooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	req.Repo = strings.TrimSpace(req.Repo)
	req.Ref = strings.TrimSpace(req.Ref)
	if req.Owner == "" || req.Repo == "" {
		api.Error(w, http.StatusBadRequest, "owner and repo are required")
		return
	}

	run, err := h.svc.Start(r.Context(), id.Key(), req)
	switch {
	case errors.Is(err, ErrRunInProgress):
		api.Error(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, github.ErrNotConfigured):
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("Failed to start agent run", "session", id.Key(), "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	h.logger.Info("Agent run accepted",
		"user_id", id.UserID,
		"session_id", id.SessionID,
		"run_id", run.ID,
		"repository", req.Owner+"/"+req.Repo,
		"reset", req.Reset,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	api.JSON(w, http.StatusAccepted, runResponse{RunID: run.ID, ThreadID: run.ThreadID, Status: string(run.Status)})
}

type stateResponse struct {
	Running bool   `json:"running"`
	State   *State `json:"state"`
}

// HandleState handles GET /api/agent/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state, err := h.svc.State(r.Context(), id.Key())
	if errors.Is(err, ErrSessionNotFound) {
		api.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to load agent state", "session", id.Key(), "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	api.JSON(w, http.StatusOK, stateResponse{Running: h.svc.Running(id.Key()), State: state})
}

// HandleRuns handles GET /api/agent/runs.
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.svc.Runs(r.Context(), id.Key(), limit)
	if err != nil {
		h.logger.Error("Failed to list agent runs", "session", id.Key(), "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	api.JSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// HandleReset handles DELETE /api/agent/session.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.svc.Reset(r.Context(), id.Key()); err != nil {
		h.logger.Error("Failed to reset agent session", "session", id.Key(), "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	h.logger.Info("Agent session reset", "user_id", id.UserID, "session_id", id.SessionID)
	api.JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleStream handles GET /api/agent/stream. It replays retained events
// newer than Last-Event-ID, then streams live state updates with keepalive
// pings until the client disconnects.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := id.Key()

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			h.logger.Info("SSE client reconnecting with Last-Event-ID", "session", key, "last_event_id", lastEventID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	retryDelayMs := int64(5000)
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "session", key)
		return
	}

	replay, events, cancel := h.hub.Subscribe(key, lastEventID)
	defer cancel()

	if lastEventID > 0 {
		if len(replay) > 0 {
			h.logger.Info("Sending missed events", "session", key, "count", len(replay))
		}
		for _, ev := range replay {
			if err := writeSSEWithID(w, ev.ID, "state", string(ev.Data)); err != nil {
				return
			}
		}
	} else if snapshot := h.snapshot(r, key); snapshot != nil {
		if err := writeSSE(w, "snapshot", string(snapshot)); err != nil {
			return
		}
	}

	connectedID := h.hub.NextID()
	connectedData := fmt.Sprintf(`{"status":"connected","session_id":%q,"event_id":%d}`, id.SessionID, connectedID)
	if err := writeSSEWithID(w, connectedID, "connected", connectedData); err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err, "session", key)
		return
	}
	flusher.Flush()
	h.logger.Info("SSE connection established", "session", key, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Agent stream disconnected", "session", key)
			return
		case ev := <-events:
			if err := writeSSEWithID(w, ev.ID, "state", string(ev.Data)); err != nil {
				h.logger.Warn("failed to write SSE state event", "error", err, "session", key)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "session", key)
				return
			}
			flusher.Flush()
		}
	}
}

// snapshot returns the checkpointed state of key as a state update, or nil.
func (h *Handler) snapshot(r *http.Request, key string) []byte {
	state, err := h.svc.State(r.Context(), key)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(StateUpdate{Steps: state.Steps, Context: state.Context, Logs: []domain.LogEntry{}})
	if err != nil {
		return nil
	}
	return data
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
