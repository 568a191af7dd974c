package desktop

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
)

// Toucher records desktop activity.
type Toucher interface {
	Touch(ctx context.Context, at time.Time) error
}

// ActivityExecutor records every executed action as desktop activity so idle
// desktops can be reaped.
type ActivityExecutor struct {
	next    Executor
	toucher Toucher
	logger  *slog.Logger
}

// WithActivity wraps next so that each executed action touches the desktop.
func WithActivity(next Executor, toucher Toucher, logger *slog.Logger) *ActivityExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityExecutor{next: next, toucher: toucher, logger: logger}
}

// Execute runs the action and records activity regardless of its result.
func (a *ActivityExecutor) Execute(ctx context.Context, action domain.Action) (domain.Outcome, error) {
	outcome, err := a.next.Execute(ctx, action)
	a.touch(ctx)
	return outcome, err
}

// Screenshot delegates without recording activity.
func (a *ActivityExecutor) Screenshot(ctx context.Context) ([]byte, error) {
	return a.next.Screenshot(ctx)
}

func (a *ActivityExecutor) touch(ctx context.Context) {
	// Best effort: a failed touch must never fail the action.
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.toucher.Touch(touchCtx, time.Now()); err != nil {
		a.logger.Warn("failed to record desktop activity", "error", err)
	}
}
