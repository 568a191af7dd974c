// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
)

// ErrDesktopNotFound is returned when an update targets an unknown desktop.
var ErrDesktopNotFound = errors.New("desktop not found")

// ErrOptimisticLock is returned when the expected container id no longer matches.
var ErrOptimisticLock = errors.New("optimistic lock failed: container_id does not match expected_id")

// Repository persists the registry of provisioned desktop containers.
// Session state is deliberately not persisted; it lives in memory only.
type Repository interface {
	// GetDesktop retrieves a desktop by name. Returns nil, nil when absent.
	GetDesktop(ctx context.Context, name string) (*domain.Desktop, error)

	// UpsertDesktop creates or updates a desktop record.
	UpsertDesktop(ctx context.Context, desktop *domain.Desktop) error

	// UpdateLastSeen records activity on a desktop.
	UpdateLastSeen(ctx context.Context, name string, lastSeen time.Time) error

	// UpdateContainerID updates the container binding of a desktop.
	// If expectedID is non-empty the update only happens when the current
	// container_id matches expectedID (optimistic locking).
	UpdateContainerID(ctx context.Context, name, containerID, expectedID string) error

	// GetExpiredDesktops returns desktops with a container idle longer than ttl.
	GetExpiredDesktops(ctx context.Context, ttl time.Duration) ([]*domain.Desktop, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
