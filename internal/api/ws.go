package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/autofixlabs/autofix/internal/repair"
)

// WebSocketHandler streams repair sessions to clients that cannot consume
// SSE. The client sends one DebugRequest as its first message; the server
// answers with the same ordered event stream the SSE endpoint produces and
// then closes.
type WebSocketHandler struct {
	*Handler
}

// NewWebSocketHandler creates a WebSocket streaming handler.
func NewWebSocketHandler(base *Handler) *WebSocketHandler {
	return &WebSocketHandler{Handler: base}
}

// ServeHTTP upgrades the connection and runs one repair session over it.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var req DebugRequest
	if err := wsjson.Read(ctx, ws, &req); err != nil {
		slog.Warn("Failed to read repair request from websocket", "error", err)
		return
	}

	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if err := repair.Validate(req.Code, maxRetries); err != nil {
		h.writeEvent(ctx, ws, repair.Event{Type: repair.EventError, Message: err.Error()})
		return
	}

	// After the request message the client only ever disconnects; CloseRead
	// turns that into ctx cancellation so the loop aborts promptly.
	ctx = ws.CloseRead(ctx)

	session, err := h.ctrl.RunStreamed(ctx, req.Code, maxRetries, func(ev repair.Event) bool {
		return h.writeEvent(ctx, ws, ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("WebSocket repair session aborted", "error", err)
	}
	if session != nil {
		repairHandler := RepairHandler{Handler: h.Handler}
		repairHandler.persist(session)
	}
}

func (h *WebSocketHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev repair.Event) bool {
	if err := wsjson.Write(ctx, ws, ev); err != nil {
		if ctx.Err() == nil {
			slog.Debug("WebSocket write failed", "error", err)
		}
		return false
	}
	return true
}
