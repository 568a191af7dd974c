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

	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/ashureev/deskpilot/internal/eventbus"
	"github.com/ashureev/deskpilot/internal/safety"
	"github.com/ashureev/deskpilot/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// Sessions is the part of the session controller the HTTP layer uses.
type Sessions interface {
	StartOrContinue(ctx context.Context, req session.StartRequest) (session.StartResult, error)
	Cancel(id string) error
	Get(id string) (session.Snapshot, error)
	Subscribe(id string) (*eventbus.Subscription, error)
}

// SessionConfig tunes the session endpoints.
type SessionConfig struct {
	MaxBodySize    int64
	RetryDelay     time.Duration
	AllowedOrigins []string
}

// SessionHandler serves session start, cancel, status and progress streams.
type SessionHandler struct {
	sessions Sessions
	limiter  *RateLimiter
	cfg      SessionConfig
	logger   *slog.Logger
}

// NewSessionHandler creates a session handler. limiter may be nil.
func NewSessionHandler(sessions Sessions, limiter *RateLimiter, cfg SessionConfig, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &SessionHandler{sessions: sessions, limiter: limiter, cfg: cfg, logger: logger}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.StartOrContinue)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/cancel", h.Cancel)
		r.Get("/{id}/events", h.Events)
		r.Get("/{id}/ws", h.WebSocket)
	})
}

type startRequest struct {
	SessionID         string   `json:"sessionId"`
	Instruction       string   `json:"instruction"`
	AcknowledgedFlags []string `json:"acknowledgedFlags"`
}

type immediateResult struct {
	Status domain.Status `json:"status"`
}

type startResponse struct {
	SessionID       string           `json:"sessionId"`
	ImmediateResult *immediateResult `json:"immediateResult,omitempty"`
}

type unacknowledgedBody struct {
	Error               string            `json:"error"`
	Code                string            `json:"code"`
	PendingSafetyChecks []domain.RiskFlag `json:"pendingSafetyChecks"`
}

// StartOrContinue starts a new session or resumes a suspended one.
func (h *SessionHandler) StartOrContinue(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		h.logger.Warn("Rate limit exceeded", "client_ip", ip)
		Error(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	res, err := h.sessions.StartOrContinue(r.Context(), session.StartRequest{
		SessionID:         req.SessionID,
		Instruction:       req.Instruction,
		AcknowledgedFlags: req.AcknowledgedFlags,
	})
	if err != nil {
		h.writeSessionError(w, req.SessionID, err)
		return
	}

	JSON(w, http.StatusAccepted, startResponse{
		SessionID:       res.SessionID,
		ImmediateResult: &immediateResult{Status: res.Status},
	})
}

// Cancel requests cancellation. It always succeeds.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Cancel(id); err != nil {
		h.logger.Warn("Cancel failed", "session_id", id, "error", err)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Get returns a snapshot of the session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.sessions.Get(id)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Events streams progress frames as server-sent events until Complete.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	sub, err := h.sessions.Subscribe(id)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "session_id", id)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE stream opened", "session_id", id, "client_ip", clientIP(r))
	defer func() {
		h.logger.Info("SSE stream closed", "session_id", id, "dropped", sub.Dropped())
	}()

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Warn("SSE subscription ended", "session_id", id, "error", err)
			}
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to encode event", "session_id", id, "type", ev.Type, "error", err)
			continue
		}
		if err := writeSSEWithID(w, ev.ID, string(ev.Type), string(data)); err != nil {
			h.logger.Debug("SSE write failed", "session_id", id, "error", err)
			return
		}
		flusher.Flush()

		if ev.Type == eventbus.TypeComplete {
			return
		}
	}
}

// wsFrame is the websocket form of an event; the id travels in the frame.
type wsFrame struct {
	ID string `json:"id,omitempty"`
	eventbus.Event
}

// WebSocket streams the same frames as Events over a websocket and closes
// normally after Complete.
func (h *SessionHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.sessions.Subscribe(id)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", id)
		return
	}
	// No-op once a close handshake has completed.
	defer func() { _ = ws.CloseNow() }()

	h.logger.Info("WebSocket stream opened", "session_id", id, "client_ip", clientIP(r))

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
			}
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = wsjson.Write(writeCtx, ws, wsFrame{ID: ev.ID, Event: ev})
		cancel()
		if err != nil {
			h.logger.Debug("WebSocket write failed", "session_id", id, "error", err)
			return
		}

		if ev.Type == eventbus.TypeComplete {
			if err := ws.Close(websocket.StatusNormalClosure, "session complete"); err != nil {
				h.logger.Debug("Failed to close websocket", "error", err, "session_id", id)
			}
			return
		}
	}
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, id string, err error) {
	var unacked *safety.UnacknowledgedError
	switch {
	case errors.As(err, &unacked):
		JSON(w, http.StatusConflict, unacknowledgedBody{
			Error:               "pending safety checks must be acknowledged",
			Code:                CodeUnacknowledgedRisk,
			PendingSafetyChecks: unacked.Missing,
		})
	case errors.Is(err, session.ErrEmptyInstruction):
		Error(w, http.StatusBadRequest, CodeEmptyInstruction, "instruction cannot be empty")
	case errors.Is(err, session.ErrSessionNotFound):
		Error(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
	case errors.Is(err, session.ErrSessionBusy):
		Error(w, http.StatusConflict, CodeSessionBusy, "session already has an active run")
	case errors.Is(err, session.ErrSessionClosed):
		Error(w, http.StatusConflict, CodeSessionClosed, "session is closed")
	case errors.Is(err, session.ErrShuttingDown):
		Error(w, http.StatusServiceUnavailable, CodeShuttingDown, "server is shutting down")
	default:
		h.logger.Error("Session request failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func writeSSEWithID(w io.Writer, id, event, data string) error {
	if id == "" {
		_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		return err
	}
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
