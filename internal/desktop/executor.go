// Package desktop executes primitive actions against the remote desktop.
package desktop

import (
	"context"
	"fmt"

	"github.com/ashureev/deskpilot/internal/container"
	"github.com/ashureev/deskpilot/internal/domain"
)

// Executor runs one primitive action and captures screenshots.
type Executor interface {
	Execute(ctx context.Context, action domain.Action) (domain.Outcome, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Runner runs a command inside the desktop container.
type Runner interface {
	Exec(ctx context.Context, cmd []string, env []string) (container.ExecResult, error)
}

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	// KindInput is a failed mouse, keyboard or navigation action.
	KindInput ErrorKind = "input"
	// KindScreenshot is a failed screenshot capture.
	KindScreenshot ErrorKind = "screenshot"
	// KindInvalid is an action that could not be executed as proposed.
	KindInvalid ErrorKind = "invalid"
)

// ExecutionError reports a failed primitive action.
type ExecutionError struct {
	Kind   ErrorKind
	Action domain.ActionType
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failure executing %s: %v", e.Kind, e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
