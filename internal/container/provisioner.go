package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/ashureev/deskpilot/internal/store"
)

var (
	// ErrProvisionInProgress is returned when another caller is already provisioning the desktop.
	ErrProvisionInProgress = errors.New("desktop provisioning already in progress")
	// ErrDesktopNotProvisioned is returned when no running desktop is bound in the registry.
	ErrDesktopNotProvisioned = errors.New("desktop not provisioned")
)

// Provisioner keeps the registry and the Docker state of the desktop in agreement.
type Provisioner struct {
	repo   store.Repository
	mgr    Manager
	spec   DesktopSpec
	mu     sync.Mutex
	logger *slog.Logger
}

// NewProvisioner creates a provisioner for a single named desktop.
func NewProvisioner(repo store.Repository, mgr Manager, spec DesktopSpec, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{repo: repo, mgr: mgr, spec: spec, logger: logger}
}

// Name returns the desktop name.
func (p *Provisioner) Name() string {
	return p.spec.Name
}

// Start ensures the desktop container is running and records it in the registry.
func (p *Provisioner) Start(ctx context.Context) (*domain.Desktop, error) {
	if !p.mu.TryLock() {
		p.logger.Warn("Provisioning already in progress", "desktop", p.spec.Name)
		return nil, ErrProvisionInProgress
	}
	defer p.mu.Unlock()
	return p.provision(ctx)
}

// provision does the work of Start; the caller holds p.mu.
func (p *Provisioner) provision(ctx context.Context) (*domain.Desktop, error) {
	existing, err := p.repo.GetDesktop(ctx, p.spec.Name)
	if err != nil {
		return nil, fmt.Errorf("load desktop %s: %w", p.spec.Name, err)
	}

	var lastSeen time.Time
	if existing != nil {
		lastSeen = existing.LastSeenAt
	}

	p.logger.Info("Provisioning desktop", "desktop", p.spec.Name, "image", p.spec.Image)
	containerID, err := p.mgr.EnsureDesktop(ctx, p.spec, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("ensure desktop %s: %w", p.spec.Name, err)
	}

	now := time.Now()
	desktop := &domain.Desktop{
		Name:        p.spec.Name,
		ContainerID: containerID,
		Image:       p.spec.Image,
		VNCPort:     p.spec.VNCPort,
		APIPort:     p.spec.APIPort,
		LastSeenAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		desktop.CreatedAt = existing.CreatedAt
	}

	if err := p.repo.UpsertDesktop(ctx, desktop); err != nil {
		return nil, fmt.Errorf("record desktop %s: %w", p.spec.Name, err)
	}

	p.logger.Info("Desktop provisioned", "desktop", p.spec.Name, "container_id", containerID)
	return desktop, nil
}

// ContainerID returns the container currently bound to the desktop.
func (p *Provisioner) ContainerID(ctx context.Context) (string, error) {
	desktop, err := p.repo.GetDesktop(ctx, p.spec.Name)
	if err != nil {
		return "", fmt.Errorf("load desktop %s: %w", p.spec.Name, err)
	}
	if desktop == nil || !desktop.HasActiveContainer() {
		return "", ErrDesktopNotProvisioned
	}
	return desktop.ContainerID, nil
}

// Exec runs a command in the desktop container, provisioning the desktop
// first when none is bound.
func (p *Provisioner) Exec(ctx context.Context, cmd []string, env []string) (ExecResult, error) {
	containerID, err := p.ensure(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	return p.mgr.Exec(ctx, containerID, cmd, env)
}

// ensure returns the bound container, starting the desktop when the registry
// has none. Unlike Start it waits for a provisioning already in progress.
func (p *Provisioner) ensure(ctx context.Context) (string, error) {
	containerID, err := p.ContainerID(ctx)
	if !errors.Is(err, ErrDesktopNotProvisioned) {
		return containerID, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have provisioned while we waited for the lock.
	containerID, err = p.ContainerID(ctx)
	if !errors.Is(err, ErrDesktopNotProvisioned) {
		return containerID, err
	}

	p.logger.Info("Desktop not provisioned, starting it for an action", "desktop", p.spec.Name)
	desktop, err := p.provision(ctx)
	if err != nil {
		return "", err
	}
	return desktop.ContainerID, nil
}

// Touch records desktop activity so the TTL worker keeps it alive.
func (p *Provisioner) Touch(ctx context.Context, at time.Time) error {
	return p.repo.UpdateLastSeen(ctx, p.spec.Name, at)
}

// Running reports whether the bound container is running.
func (p *Provisioner) Running(ctx context.Context) (bool, error) {
	containerID, err := p.ContainerID(ctx)
	if errors.Is(err, ErrDesktopNotProvisioned) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.mgr.IsRunning(ctx, containerID)
}

// updateContainerIDWithRetry attempts to update container ID with exponential backoff
// to handle SQLITE_BUSY errors.
func updateContainerIDWithRetry(ctx context.Context, repo store.Repository, name, newID, expectedID string) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := repo.UpdateContainerID(ctx, name, newID, expectedID)
		if err == nil {
			return nil
		}

		if store.IsConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			slog.Debug("Database locked during container ID update, retrying",
				"desktop", name,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		// Context canceled is not fatal for cleanup.
		if ctx.Err() != nil {
			slog.Debug("Context canceled during container ID update, cleanup may be incomplete",
				"desktop", name,
				"error", err)
			return nil
		}

		return err
	}

	return nil
}
