package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/repo-agent/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

type wsMessage struct {
	Type string `json:"type"`
}

type wsEnvelope struct {
	Type    string          `json:"type"`
	EventID int64           `json:"event_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HandleWebSocket handles GET /ws/agent. Every state update of the session
// is pushed as a {"type":"state"} message; clients may send {"type":"ping"}.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	key := id.Key()

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session", key)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session", key)
		}
	}()

	lastEventID, _ := strconv.ParseInt(r.URL.Query().Get("lastEventId"), 10, 64)
	replay, events, cancel := h.hub.Subscribe(key, lastEventID)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	pongs := make(chan struct{}, 1)
	go func() {
		defer stop()
		h.wsInputLoop(ctx, ws, key, pongs)
	}()

	if lastEventID > 0 {
		for _, ev := range replay {
			if err := writeWS(ctx, ws, wsEnvelope{Type: "state", EventID: ev.ID, Data: ev.Data}); err != nil {
				return
			}
		}
	} else if snapshot := h.snapshot(r, key); snapshot != nil {
		if err := writeWS(ctx, ws, wsEnvelope{Type: "snapshot", Data: snapshot}); err != nil {
			return
		}
	}
	h.logger.Info("Agent WebSocket connected", "session", key, "reconnect", lastEventID > 0)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Agent WebSocket disconnected", "session", key)
			return
		case <-pongs:
			if err := writeWS(ctx, ws, wsEnvelope{Type: "pong"}); err != nil {
				return
			}
		case ev := <-events:
			if err := writeWS(ctx, ws, wsEnvelope{Type: "state", EventID: ev.ID, Data: ev.Data}); err != nil {
				h.logger.Warn("WebSocket write error", "error", err, "session", key)
				return
			}
		}
	}
}

func (h *Handler) wsInputLoop(ctx context.Context, ws *websocket.Conn, key string, pongs chan<- struct{}) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session", key)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session", key)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg == nil || h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if origin == h.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func writeWS(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
