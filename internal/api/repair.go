package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autofixlabs/autofix/internal/domain"
	"github.com/autofixlabs/autofix/internal/llm"
	"github.com/autofixlabs/autofix/internal/repair"
	"github.com/autofixlabs/autofix/internal/sandbox"
)

// defaultMaxRetries applies when a request omits max_retries.
const defaultMaxRetries = 3

// persistTimeout bounds the best-effort session save after a run.
const persistTimeout = 10 * time.Second

// RepairHandler handles code repair endpoints.
type RepairHandler struct {
	*Handler
}

// NewRepairHandler creates a repair handler.
func NewRepairHandler(base *Handler) *RepairHandler {
	return &RepairHandler{Handler: base}
}

// RegisterRoutes registers repair routes.
func (h *RepairHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/debug", h.Debug)
		r.Post("/debug/stream", h.DebugStream)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
	})
}

// DebugRequest is the body of both repair endpoints.
type DebugRequest struct {
	Code string `json:"code"`
	// MaxRetries is a pointer so an omitted field can default without
	// letting an explicit 0 slip past validation.
	MaxRetries *int `json:"max_retries"`
}

func (h *RepairHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (code string, maxRetries int, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req DebugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return "", 0, false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return "", 0, false
	}

	maxRetries = defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	if err := repair.Validate(req.Code, maxRetries); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return "", 0, false
	}
	return req.Code, maxRetries, true
}

// checkReady fails fast with a descriptive infra error when either backend
// is unreachable, before any attempt is made.
func (h *RepairHandler) checkReady(ctx context.Context) error {
	if err := h.runner.Ping(ctx); err != nil {
		return err
	}
	ready, err := h.runner.ImageReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: sandbox image not built", sandbox.ErrInfra)
	}
	return h.patcher.Ping(ctx)
}

// Debug runs a full repair session and returns the final verdict with the
// complete attempt history.
func (h *RepairHandler) Debug(w http.ResponseWriter, r *http.Request) {
	code, maxRetries, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.checkReady(r.Context()); err != nil {
		slog.Error("Repair backends not ready", "error", err)
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	session, err := h.ctrl.Run(r.Context(), code, maxRetries)
	if session != nil {
		h.persist(session)
	}

	switch {
	case err == nil:
		JSON(w, http.StatusOK, session)
	case errors.Is(err, repair.ErrInvalidInput):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	case sandbox.IsInfra(err) || llm.IsUnavailable(err):
		// The aborted session still carries the best code and the attempts
		// completed before the failure.
		JSON(w, http.StatusServiceUnavailable, session)
	default:
		slog.Error("Repair session failed", "error", err)
		Error(w, http.StatusInternalServerError, "repair session failed")
	}
}

// DebugStream runs a repair session and streams progress over SSE.
func (h *RepairHandler) DebugStream(w http.ResponseWriter, r *http.Request) {
	code, maxRetries, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.checkReady(r.Context()); err != nil {
		slog.Error("Repair backends not ready", "error", err)
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	flusher, flushable := w.(http.Flusher)
	if !flushable {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	session, err := h.ctrl.RunStreamed(r.Context(), code, maxRetries, func(ev repair.Event) bool {
		if writeErr := writeSSE(w, string(ev.Type), ev); writeErr != nil {
			slog.Warn("Failed to write SSE event", "error", writeErr)
			return false
		}
		flusher.Flush()
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		// Terminal error event already went out in-band.
		slog.Error("Streaming repair session aborted", "error", err)
	}
	if session != nil {
		h.persist(session)
	}
}

// persist stores a finished session. Persistence is best-effort: a storage
// problem must never fail a repair that already produced a verdict.
func (h *RepairHandler) persist(session *domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := h.repo.SaveSession(ctx, session); err != nil {
		slog.Warn("Failed to persist session", "session_id", session.ID, "error", err)
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}
