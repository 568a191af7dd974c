package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/deskpilot/internal/container"
	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Desktop provisions and inspects the remote desktop container.
type Desktop interface {
	Start(ctx context.Context) (*domain.Desktop, error)
	Running(ctx context.Context) (bool, error)
}

// Pinger checks a dependency's connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelHealth reports the reasoning model's serving state.
type ModelHealth interface {
	Health(ctx context.Context) error
}

// DesktopHandler serves desktop provisioning and the health probe.
type DesktopHandler struct {
	desktop Desktop
	db      Pinger
	model   ModelHealth
	logger  *slog.Logger
}

// NewDesktopHandler creates a desktop handler.
func NewDesktopHandler(desktop Desktop, db Pinger, model ModelHealth, logger *slog.Logger) *DesktopHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DesktopHandler{desktop: desktop, db: db, model: model, logger: logger}
}

// RegisterRoutes registers desktop and health routes.
func (h *DesktopHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/desktop/start", h.Start)
		r.Get("/health", h.Health)
	})
}

// Start ensures the desktop container is running.
func (h *DesktopHandler) Start(w http.ResponseWriter, r *http.Request) {
	desktop, err := h.desktop.Start(r.Context())
	if errors.Is(err, container.ErrProvisionInProgress) {
		Error(w, http.StatusConflict, CodeProvisioning, "desktop provisioning already in progress")
		return
	}
	if err != nil {
		h.logger.Error("Failed to provision desktop", "error", err)
		Error(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"container_id": desktop.ContainerID,
		"vnc_port":     desktop.VNCPort,
		"api_port":     desktop.APIPort,
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Model    string `json:"model"`
	Desktop  string `json:"desktop"`
}

// Health reports database, model and desktop state. The process is healthy
// when the database and model are reachable; a stopped desktop is reported
// but does not fail the probe since it can be started on demand.
func (h *DesktopHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Model: "ok", Desktop: "running"}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("Health check: database unreachable", "error", err)
		resp.Database = "unavailable"
		resp.Status = "degraded"
	}

	if h.model == nil {
		resp.Model = "disabled"
		resp.Status = "degraded"
	} else if err := h.model.Health(ctx); err != nil {
		h.logger.Warn("Health check: model unavailable", "error", err)
		resp.Model = "unavailable"
		resp.Status = "degraded"
	}

	running, err := h.desktop.Running(ctx)
	switch {
	case err != nil:
		h.logger.Warn("Health check: desktop state unknown", "error", err)
		resp.Desktop = "unknown"
	case !running:
		resp.Desktop = "stopped"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}
