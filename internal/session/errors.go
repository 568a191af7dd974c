// Package session orchestrates agent sessions: the in-memory store, the turn
// state machine and the public controller.
package session

import "errors"

var (
	// ErrSessionNotFound is returned for an id with no record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnacknowledgedRisk is returned when a resume does not cover every pending flag.
	ErrUnacknowledgedRisk = errors.New("unacknowledged risk")
	// ErrSessionBusy is returned when a run is already bound to the session.
	ErrSessionBusy = errors.New("session already running")
	// ErrSessionClosed is returned when the session already reached done.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyInstruction is returned when an instruction is required but missing.
	ErrEmptyInstruction = errors.New("instruction is required")
	// ErrShuttingDown is returned for new runs once shutdown started.
	ErrShuttingDown = errors.New("controller shutting down")
	// ErrSessionExists is returned when creating a session with a taken id.
	ErrSessionExists = errors.New("session already exists")

	errCancelled = errors.New("session cancelled")
	errNoChange  = errors.New("no change")
)
