// Package domain contains core domain types for the deskpilot service.
package domain

import (
	"errors"
	"slices"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusStarting indicates a run is building or appending conversation state.
	StatusStarting Status = "starting"
	// StatusModelCall indicates the run is waiting on the reasoning model.
	StatusModelCall Status = "model_call"
	// StatusExecutingAction indicates the run is executing a desktop action.
	StatusExecutingAction Status = "executing_action"
	// StatusAwaitingInput indicates the model asked the user a question.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusAwaitingAck indicates a risk-flagged action waits for acknowledgment.
	StatusAwaitingAck Status = "awaiting_ack"
	// StatusDone is terminal for success, failure and cancellation alike.
	StatusDone Status = "done"
)

// Suspended reports whether no run is bound to the session and it waits on the caller.
func (s Status) Suspended() bool {
	return s == StatusAwaitingInput || s == StatusAwaitingAck
}

// Active reports whether a run currently owns the session.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusModelCall, StatusExecutingAction:
		return true
	}
	return false
}

// ErrPendingMismatch is returned when the pending action does not agree with the status.
var ErrPendingMismatch = errors.New("pending action present iff status is awaiting_ack")

// ProposedAction is a model-proposed desktop action together with the model's call id.
type ProposedAction struct {
	CallID string `json:"callId,omitempty"`
	Action Action `json:"action"`
}

// Input is one entry appended to the conversation before the next model call.
type Input struct {
	Instruction string
	Outcome     *Outcome
}

// ConversationState is the opaque model handle plus inputs not yet sent to the model.
type ConversationState struct {
	Token   string
	Pending []Input
}

// Append queues an input for the next model call.
func (c *ConversationState) Append(in Input) {
	c.Pending = append(c.Pending, in)
}

// Drain returns and clears the queued inputs.
func (c *ConversationState) Drain() []Input {
	pending := c.Pending
	c.Pending = nil
	return pending
}

// Session is the in-memory record of one ongoing instruction.
type Session struct {
	ID            string
	Conversation  ConversationState
	Status        Status
	Cancelled     bool
	PendingAction *ProposedAction
	PendingFlags  []RiskFlag
	Steps         int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (s *Session) Clone() *Session {
	c := *s
	c.Conversation.Pending = slices.Clone(s.Conversation.Pending)
	c.PendingFlags = slices.Clone(s.PendingFlags)
	if s.PendingAction != nil {
		pa := *s.PendingAction
		pa.Action.Keys = slices.Clone(s.PendingAction.Action.Keys)
		c.PendingAction = &pa
	}
	return &c
}

// CheckInvariant verifies that a pending action exists exactly when the session awaits acknowledgment.
func (s *Session) CheckInvariant() error {
	if (s.Status == StatusAwaitingAck) != (s.PendingAction != nil) {
		return ErrPendingMismatch
	}
	return nil
}

// ClearPending drops the pending action and its flags.
func (s *Session) ClearPending() {
	s.PendingAction = nil
	s.PendingFlags = nil
}
