package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deskpilot/internal/agent"
	"github.com/ashureev/deskpilot/internal/desktop"
	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/ashureev/deskpilot/internal/eventbus"
	"github.com/ashureev/deskpilot/internal/safety"
	"github.com/google/uuid"
)

// Config tunes the controller.
type Config struct {
	MaxSteps          int
	IdleTTL           time.Duration
	DrainTimeout      time.Duration
	JanitorInterval   time.Duration
	InstructionSuffix string
}

// StartRequest starts a new session or continues a suspended one.
type StartRequest struct {
	SessionID         string
	Instruction       string
	AcknowledgedFlags []string
}

// StartResult is returned as soon as the run has been scheduled.
type StartResult struct {
	SessionID string        `json:"sessionId"`
	Status    domain.Status `json:"status"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID     string                 `json:"sessionId"`
	Status        domain.Status          `json:"status"`
	Cancelled     bool                   `json:"cancelled"`
	PendingAction *domain.ProposedAction `json:"pendingAction,omitempty"`
	PendingFlags  []domain.RiskFlag      `json:"pendingSafetyChecks,omitempty"`
	Steps         int                    `json:"steps"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// Controller is the entry point for starting, continuing, observing and
// cancelling sessions. Sessions and their event streams are only ever
// referenced by id.
type Controller struct {
	store  *Store
	bus    *eventbus.Bus
	engine *Engine
	cfg    Config
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// NewController wires the store, engine and bus together.
func NewController(model agent.Processor, exec desktop.Executor, bus *eventbus.Bus, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:  store,
		bus:    bus,
		engine: NewEngine(store, bus, model, safety.NewGate(), exec, cfg.MaxSteps, logger),
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StartOrContinue creates a session when req.SessionID is empty, otherwise it
// resumes a suspended session. The run proceeds in the background.
func (c *Controller) StartOrContinue(_ context.Context, req StartRequest) (StartResult, error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return StartResult{}, ErrShuttingDown
	}

	if req.SessionID == "" {
		return c.start(req.Instruction)
	}
	return c.resume(req)
}

func (c *Controller) start(instruction string) (StartResult, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return StartResult{}, ErrEmptyInstruction
	}
	if c.cfg.InstructionSuffix != "" {
		instruction += c.cfg.InstructionSuffix
	}

	id := newSessionID()
	s := &domain.Session{ID: id, Status: domain.StatusStarting}
	s.Conversation.Append(domain.Input{Instruction: instruction})

	// The stream exists before the session so a caller holding the id can subscribe.
	if err := c.bus.Open(id); err != nil {
		return StartResult{}, fmt.Errorf("open event stream: %w", err)
	}
	if err := c.store.Create(s); err != nil {
		c.bus.Close(id)
		return StartResult{}, fmt.Errorf("create session: %w", err)
	}

	c.logger.Info("session started", "session_id", id)
	c.launch(id, nil, nil)
	return StartResult{SessionID: id, Status: domain.StatusStarting}, nil
}

func (c *Controller) resume(req StartRequest) (StartResult, error) {
	var (
		pending *domain.ProposedAction
		acked   []domain.RiskFlag
	)

	_, err := c.store.Update(req.SessionID, func(s *domain.Session) error {
		switch {
		case s.Status == domain.StatusDone, s.Cancelled:
			return ErrSessionClosed
		case s.Status.Active():
			return ErrSessionBusy
		}

		switch s.Status {
		case domain.StatusAwaitingAck:
			if err := safety.Check(s.PendingFlags, req.AcknowledgedFlags); err != nil {
				return fmt.Errorf("%w: %w", ErrUnacknowledgedRisk, err)
			}
			action := *s.PendingAction
			pending = &action
			acked = s.PendingFlags
			s.ClearPending()
		case domain.StatusAwaitingInput:
			text := strings.TrimSpace(req.Instruction)
			if text == "" {
				return ErrEmptyInstruction
			}
			s.Conversation.Append(domain.Input{Instruction: text})
		}
		s.Status = domain.StatusStarting
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}

	c.logger.Info("session resumed", "session_id", req.SessionID, "acknowledged", len(acked))
	c.launch(req.SessionID, pending, acked)
	return StartResult{SessionID: req.SessionID, Status: domain.StatusStarting}, nil
}

// launch runs the engine on its own goroutine and evicts the session once the
// run reaches done.
func (c *Controller) launch(id string, resume *domain.ProposedAction, acked []domain.RiskFlag) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.engine.Run(c.ctx, id, resume, acked) {
			c.evict(id)
		}
	}()
}

// evict waits for subscribers to read Complete, then closes the stream and
// removes the record, in that order.
func (c *Controller) evict(id string) {
	drained := c.bus.Drain(c.ctx, id, c.cfg.DrainTimeout)
	c.bus.Close(id)
	c.store.Delete(id)
	c.logger.Info("session evicted", "session_id", id, "drained", drained)
}

func (c *Controller) evictAsync(id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.evict(id)
	}()
}

// Cancel requests cooperative cancellation. A suspended session is terminated
// at once; an active run stops at its next step boundary. Unknown and finished
// sessions are a no-op.
func (c *Controller) Cancel(id string) error {
	terminate := false
	_, err := c.store.Update(id, func(s *domain.Session) error {
		if s.Status == domain.StatusDone || s.Cancelled {
			return errNoChange
		}
		s.Cancelled = true
		terminate = s.Status.Suspended()
		return nil
	})
	switch {
	case errors.Is(err, ErrSessionNotFound), isNoChange(err):
		return nil
	case err != nil:
		return err
	}

	c.logger.Info("session cancel requested", "session_id", id, "suspended", terminate)
	if terminate && finishCancelled(c.store, c.bus, id, c.logger) {
		c.evictAsync(id)
	}
	return nil
}

// Subscribe returns a cursor over events published from now on.
func (c *Controller) Subscribe(id string) (*eventbus.Subscription, error) {
	if _, err := c.store.Get(id); err != nil {
		return nil, err
	}
	sub, err := c.bus.Subscribe(id)
	switch {
	case errors.Is(err, eventbus.ErrUnknownStream):
		return nil, ErrSessionNotFound
	case errors.Is(err, eventbus.ErrSealed):
		return nil, ErrSessionClosed
	case err != nil:
		return nil, err
	}
	return sub, nil
}

// Get returns a snapshot of the session.
func (c *Controller) Get(id string) (Snapshot, error) {
	s, err := c.store.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		SessionID:     s.ID,
		Status:        s.Status,
		Cancelled:     s.Cancelled,
		PendingAction: s.PendingAction,
		PendingFlags:  s.PendingFlags,
		Steps:         s.Steps,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}, nil
}

// Len returns the number of live sessions.
func (c *Controller) Len() int {
	return c.store.Len()
}

// StartJanitor periodically expires suspended sessions idle longer than IdleTTL.
func (c *Controller) StartJanitor(ctx context.Context) {
	if c.cfg.IdleTTL <= 0 {
		return
	}
	interval := c.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		c.logger.Info("session janitor started", "interval", interval, "idle_ttl", c.cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				c.expireIdle(time.Now())
			case <-ctx.Done():
				c.logger.Info("session janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// expireIdle ends suspended sessions untouched since before now-IdleTTL.
func (c *Controller) expireIdle(now time.Time) int {
	cutoff := now.Add(-c.cfg.IdleTTL)
	expired := 0
	for _, id := range c.store.IdleSuspended(cutoff) {
		_, err := c.store.Update(id, func(s *domain.Session) error {
			if !s.Status.Suspended() || !s.UpdatedAt.Before(cutoff) {
				return errNoChange
			}
			s.Status = domain.StatusDone
			s.ClearPending()
			return nil
		})
		if err != nil {
			continue
		}
		publish(c.bus, id, eventbus.Complete("Session expired", domain.CompletionPayload{
			Status: domain.StatusDone,
			Reason: domain.ReasonExpired,
		}), c.logger)
		c.logger.Info("session expired", "session_id", id, "idle_ttl", c.cfg.IdleTTL)
		c.evictAsync(id)
		expired++
	}
	return expired
}

// Shutdown cancels every session and waits for runs and evictions to finish
// or ctx to end, whichever comes first.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	for _, id := range c.store.IDs() {
		if err := c.Cancel(id); err != nil {
			c.logger.Warn("failed to cancel session on shutdown", "session_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
