package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ashureev/deskpilot/internal/agent"
	"github.com/ashureev/deskpilot/internal/desktop"
	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/ashureev/deskpilot/internal/eventbus"
	"github.com/ashureev/deskpilot/internal/safety"
)

// Publisher is the part of the event bus the engine writes to.
type Publisher interface {
	Publish(id string, ev eventbus.Event) (eventbus.Event, error)
}

// Engine drives one turn of a session until it suspends or reaches done.
type Engine struct {
	store    *Store
	bus      Publisher
	model    agent.Processor
	gate     *safety.Gate
	exec     desktop.Executor
	maxSteps int
	logger   *slog.Logger
}

// NewEngine creates an Engine. maxSteps <= 0 disables the step limit.
func NewEngine(store *Store, bus Publisher, model agent.Processor, gate *safety.Gate, exec desktop.Executor, maxSteps int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		bus:      bus,
		model:    model,
		gate:     gate,
		exec:     exec,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

// errStepLimit ends a turn that keeps looping.
var errStepLimit = errors.New("step limit exceeded")

// Run executes the turn. When resume is set, the acknowledged action runs first
// without being evaluated again. Run reports whether it moved the session to
// done, in which case the caller owns eviction.
func (e *Engine) Run(ctx context.Context, id string, resume *domain.ProposedAction, acked []domain.RiskFlag) (done bool) {
	log := e.logger.With("session_id", id)

	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			done = e.fail(id, fmt.Errorf("internal error: %v", r), domain.CodeInternal, "")
		}
	}()

	if resume != nil {
		if finished, ok := e.act(ctx, id, *resume, acked); !ok {
			return finished
		}
	}

	steps := 0
	for {
		req, err := e.beginModelCall(id)
		if err != nil {
			return e.interrupted(id, err)
		}

		steps++
		if e.maxSteps > 0 && steps > e.maxSteps {
			return e.fail(id, fmt.Errorf("%w: more than %d model calls", errStepLimit, e.maxSteps), domain.CodeStepLimit, "")
		}

		step, err := e.model.NextStep(ctx, req)
		if err != nil {
			log.Warn("model call failed", "error", err)
			return e.fail(id, err, domain.CodeModelUnavailable, "")
		}

		switch step.Kind {
		case agent.StepTextPrompt:
			return e.awaitInput(id, step)

		case agent.StepFinalAnswer:
			return e.answer(id, step)

		case agent.StepProposedAction:
			proposed := domain.ProposedAction{CallID: step.CallID, Action: step.Action}
			verdict := e.gate.Evaluate(step.Action, step.Flags)
			if verdict.Flagged {
				return e.awaitAck(id, step.State, proposed, verdict.Flags)
			}
			if err := e.saveState(id, step.State); err != nil {
				return e.interrupted(id, err)
			}
			if finished, ok := e.act(ctx, id, proposed, nil); !ok {
				return finished
			}

		default:
			return e.fail(id, fmt.Errorf("%w: unknown step kind %q", agent.ErrModelUnavailable, step.Kind), domain.CodeModelUnavailable, "")
		}
	}
}

// beginModelCall checks cancellation and moves the pending inputs into a request.
func (e *Engine) beginModelCall(id string) (agent.StepRequest, error) {
	var req agent.StepRequest
	_, err := e.store.Update(id, func(s *domain.Session) error {
		if s.Cancelled {
			return errCancelled
		}
		s.Status = domain.StatusModelCall
		s.Steps++
		req = agent.StepRequest{
			SessionID: s.ID,
			State:     s.Conversation.Token,
			Inputs:    s.Conversation.Drain(),
		}
		return nil
	})
	return req, err
}

func (e *Engine) saveState(id, token string) error {
	_, err := e.store.Update(id, func(s *domain.Session) error {
		if token != "" {
			s.Conversation.Token = token
		}
		return nil
	})
	return err
}

// act executes one action and appends its outcome. ok is false when the run
// ended, in which case finished reports whether the session reached done.
func (e *Engine) act(ctx context.Context, id string, proposed domain.ProposedAction, acked []domain.RiskFlag) (finished, ok bool) {
	_, err := e.store.Update(id, func(s *domain.Session) error {
		if s.Cancelled {
			return errCancelled
		}
		s.Status = domain.StatusExecutingAction
		return nil
	})
	if err != nil {
		return e.interrupted(id, err), false
	}

	outcome, err := e.exec.Execute(ctx, proposed.Action)
	if err != nil {
		return e.failExecution(id, err), false
	}

	if proposed.Action.Type != domain.ActionScreenshot {
		shot, err := e.exec.Screenshot(ctx)
		if err != nil {
			return e.failExecution(id, err), false
		}
		outcome.Screenshot = shot
	}
	outcome.CallID = proposed.CallID
	outcome.AcknowledgedFlags = acked

	e.publish(id, eventbus.Event{
		Type:    eventbus.TypeLog,
		Message: "Action: " + proposed.Action.Describe(),
		Data: domain.ActionPayload{
			Action:      proposed.Action.Type,
			Description: proposed.Action.Describe(),
			Screenshot:  len(outcome.Screenshot) > 0,
		},
	})

	_, err = e.store.Update(id, func(s *domain.Session) error {
		s.Conversation.Append(domain.Input{Outcome: &outcome})
		return nil
	})
	if err != nil {
		return e.interrupted(id, err), false
	}
	return false, true
}

// awaitInput suspends the run until the user replies. The prompt is published
// under the record lock so a reply cannot resume the session before it.
func (e *Engine) awaitInput(id string, step agent.Step) bool {
	_, err := e.store.UpdateThen(id, func(s *domain.Session) error {
		if s.Cancelled {
			return errCancelled
		}
		if step.State != "" {
			s.Conversation.Token = step.State
		}
		s.Status = domain.StatusAwaitingInput
		return nil
	}, func(*domain.Session) {
		e.publish(id, eventbus.Event{
			Type:    eventbus.TypeLog,
			Message: step.Text,
			Data:    domain.PromptPayload{Status: domain.StatusAwaitingInput, Prompt: step.Text},
		})
	})
	if err != nil {
		return e.interrupted(id, err)
	}
	return false
}

// awaitAck suspends the run on a flagged action. Like awaitInput it publishes
// the pause under the record lock, so an acknowledgment always follows it.
func (e *Engine) awaitAck(id, token string, proposed domain.ProposedAction, flags []domain.RiskFlag) bool {
	_, err := e.store.UpdateThen(id, func(s *domain.Session) error {
		if s.Cancelled {
			return errCancelled
		}
		if token != "" {
			s.Conversation.Token = token
		}
		pending := proposed
		s.PendingAction = &pending
		s.PendingFlags = flags
		s.Status = domain.StatusAwaitingAck
		return nil
	}, func(*domain.Session) {
		e.publish(id, eventbus.Result(
			"Acknowledge the pending safety checks to perform: "+proposed.Action.Describe(),
			domain.SafetyCheckPayload{
				Status:              domain.StatusAwaitingAck,
				PendingSafetyCheck:  true,
				PendingSafetyChecks: flags,
				Action:              proposed,
			},
		))
	})
	if err != nil {
		return e.interrupted(id, err)
	}

	e.logger.Info("action paused for acknowledgment", "session_id", id, "action", proposed.Action.Type, "flags", len(flags))
	return false
}

// answer ends the run with the model's final answer. A cancel that arrived
// during the model call wins, as it does for prompts and pauses.
func (e *Engine) answer(id string, step agent.Step) bool {
	_, err := e.store.Update(id, func(s *domain.Session) error {
		if s.Cancelled {
			return errCancelled
		}
		if s.Status == domain.StatusDone {
			return errNoChange
		}
		s.Status = domain.StatusDone
		s.ClearPending()
		return nil
	})
	if isNoChange(err) {
		return false
	}
	if err != nil {
		return e.interrupted(id, err)
	}
	e.publish(id, eventbus.Result(step.Text, domain.AnswerPayload{Answer: step.Text}))
	e.publish(id, eventbus.Complete("Session completed", domain.CompletionPayload{
		Status: domain.StatusDone,
		Reason: domain.ReasonCompleted,
	}))
	return true
}

func (e *Engine) failExecution(id string, err error) bool {
	kind := ""
	var execErr *desktop.ExecutionError
	if errors.As(err, &execErr) {
		kind = string(execErr.Kind)
	}
	e.logger.Warn("action failed", "session_id", id, "error", err, "kind", kind)
	return e.fail(id, err, domain.CodeExecutionError, kind)
}

// fail ends the run with an error Result followed by Complete.
func (e *Engine) fail(id string, cause error, code, kind string) bool {
	if !e.finish(id) {
		return false
	}
	e.publish(id, eventbus.Result(cause.Error(), domain.ErrorPayload{Error: cause.Error(), Code: code, Kind: kind}))
	e.publish(id, eventbus.Complete("Session failed", domain.CompletionPayload{
		Status: domain.StatusDone,
		Reason: domain.ReasonFailed,
	}))
	return true
}

// interrupted handles an error from a guarded transition. Cancellation ends
// the run with a cancellation notice and nothing else.
func (e *Engine) interrupted(id string, err error) bool {
	switch {
	case errors.Is(err, errCancelled):
		e.logger.Info("run observed cancellation", "session_id", id)
		return finishCancelled(e.store, e.bus, id, e.logger)
	case errors.Is(err, ErrSessionNotFound):
		e.logger.Warn("session evicted during run", "session_id", id)
		return false
	default:
		return e.fail(id, err, domain.CodeInternal, "")
	}
}

// finish moves the session to done. Only the caller that performs the
// transition may publish Complete.
func (e *Engine) finish(id string) bool {
	return markDone(e.store, id)
}

func (e *Engine) publish(id string, ev eventbus.Event) {
	publish(e.bus, id, ev, e.logger)
}

func markDone(store *Store, id string) bool {
	_, err := store.Update(id, func(s *domain.Session) error {
		if s.Status == domain.StatusDone {
			return errNoChange
		}
		s.Status = domain.StatusDone
		s.ClearPending()
		return nil
	})
	return err == nil
}

// finishCancelled moves the session to done and publishes the cancellation
// Complete. It reports whether this call performed the transition.
func finishCancelled(store *Store, bus Publisher, id string, logger *slog.Logger) bool {
	if !markDone(store, id) {
		return false
	}
	publish(bus, id, eventbus.Complete("Session cancelled", domain.CompletionPayload{
		Status:    domain.StatusDone,
		Reason:    domain.ReasonCancelled,
		Cancelled: true,
	}), logger)
	return true
}

func publish(bus Publisher, id string, ev eventbus.Event, logger *slog.Logger) {
	if _, err := bus.Publish(id, ev); err != nil {
		logger.Warn("failed to publish progress event", "session_id", id, "type", ev.Type, "error", err)
	}
}
