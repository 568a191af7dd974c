// Package agent is the client side of the reasoning-model contract.
package agent

import (
	"errors"
	"fmt"

	"github.com/ashureev/deskpilot/internal/domain"
)

// ErrModelUnavailable wraps every failure of the reasoning model, including
// unreachable endpoints and malformed responses.
var ErrModelUnavailable = errors.New("reasoning model unavailable")

var errInvalidStep = errors.New("invalid step")

// StepKind is the polymorphic tag of a model response.
type StepKind string

const (
	// StepTextPrompt asks the user for input.
	StepTextPrompt StepKind = "text_prompt"
	// StepProposedAction proposes a desktop action, possibly risk-flagged.
	StepProposedAction StepKind = "proposed_action"
	// StepFinalAnswer ends the turn with a text result.
	StepFinalAnswer StepKind = "final_answer"
)

// StepRequest is one model call: the conversation token plus the inputs
// appended since the previous call.
type StepRequest struct {
	SessionID string
	State     string
	Inputs    []domain.Input
}

// Step is exactly one model response.
type Step struct {
	Kind   StepKind
	Text   string
	CallID string
	Action domain.Action
	Flags  []domain.RiskFlag
	State  string
}

// Validate checks that the step carries what its kind requires.
func (s Step) Validate() error {
	switch s.Kind {
	case StepTextPrompt, StepFinalAnswer:
		return nil
	case StepProposedAction:
		if s.Action.Type == "" {
			return fmt.Errorf("%w: proposed action without action type", errInvalidStep)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown step kind %q", errInvalidStep, s.Kind)
	}
}
