package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/deskpilot/internal/store"
)

// CleanupCallback is called when a desktop is stopped by the TTL worker.
type CleanupCallback func(name string)

// StartTTLWorker runs a background goroutine that periodically stops
// desktops idle for longer than ttl.
func StartTTLWorker(ctx context.Context, repo store.Repository, mgr Manager, ttl, interval time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredDesktops(ctx, repo, mgr, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredDesktops(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration, onCleanup CleanupCallback) int {
	expired, err := repo.GetExpiredDesktops(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired desktops", "error", err)
		return 0
	}

	if len(expired) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired desktops", "count", len(expired))

	for _, desktop := range expired {
		slog.Info("TTL worker stopping desktop",
			"container_id", desktop.ContainerID,
			"desktop", desktop.Name,
			"idle", desktop.IdleFor(time.Now()).Round(time.Second))

		if err := mgr.StopContainer(ctx, desktop.ContainerID); err != nil {
			slog.Error("TTL worker failed to stop container",
				"error", err,
				"container_id", desktop.ContainerID,
				"desktop", desktop.Name)
			continue
		}

		if err := updateContainerIDWithRetry(ctx, repo, desktop.Name, "", desktop.ContainerID); err != nil {
			slog.Warn("TTL worker failed to clear container ID after retries",
				"error", err,
				"desktop", desktop.Name)
		}

		if onCleanup != nil {
			onCleanup(desktop.Name)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", len(expired))
	return len(expired)
}
