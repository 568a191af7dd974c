package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deskpilot/internal/agent"
	"github.com/ashureev/deskpilot/internal/desktop"
	"github.com/ashureev/deskpilot/internal/domain"
	"github.com/ashureev/deskpilot/internal/eventbus"
)

var testPNG = []byte("\x89PNG\r\n\x1a\nfake")

type modelReply struct {
	step  agent.Step
	err   error
	panic bool
}

type fakeModel struct {
	mu      sync.Mutex
	replies []modelReply
	repeat  *modelReply
	calls   []agent.StepRequest
	gates   map[int]chan struct{}
}

func (f *fakeModel) NextStep(ctx context.Context, req agent.StepRequest) (agent.Step, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	reply := modelReply{err: errors.New("unexpected model call")}
	switch {
	case n < len(f.replies):
		reply = f.replies[n]
	case f.repeat != nil:
		reply = *f.repeat
	}
	gate := f.gates[n]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return agent.Step{}, ctx.Err()
		}
	}
	if reply.panic {
		panic("model exploded")
	}
	return reply.step, reply.err
}

func (f *fakeModel) Health(context.Context) error { return nil }
func (f *fakeModel) Close()                       {}

func (f *fakeModel) requests() []agent.StepRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.StepRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	actions []domain.Action
	shots   int
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, action domain.Action) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if f.err != nil {
		return domain.Outcome{}, f.err
	}
	out := domain.Outcome{Action: action.Type, Output: action.Describe()}
	if action.Type == domain.ActionScreenshot {
		out.Screenshot = testPNG
	}
	return out, nil
}

func (f *fakeExecutor) Screenshot(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots++
	return testPNG, nil
}

func (f *fakeExecutor) executed() []domain.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Action, len(f.actions))
	copy(out, f.actions)
	return out
}

var _ desktop.Executor = (*fakeExecutor)(nil)

func newTestController(t *testing.T, model agent.Processor, exec desktop.Executor, cfg Config) *Controller {
	t.Helper()
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 10
	}
	c := NewController(model, exec, eventbus.New(eventbus.Config{BufferSize: 16}, nil), cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

// startGated starts a session whose first model call waits until the
// returned release func is called, so the test can subscribe first.
func startGated(t *testing.T, c *Controller, model *fakeModel, instruction string) (string, *eventbus.Subscription, func()) {
	t.Helper()
	gate := make(chan struct{})
	model.mu.Lock()
	if model.gates == nil {
		model.gates = make(map[int]chan struct{})
	}
	model.gates[0] = gate
	model.mu.Unlock()

	res, err := c.StartOrContinue(context.Background(), StartRequest{Instruction: instruction})
	if err != nil {
		t.Fatalf("StartOrContinue failed: %v", err)
	}
	if res.SessionID == "" || res.Status != domain.StatusStarting {
		t.Fatalf("unexpected start result %+v", res)
	}
	sub, err := c.Subscribe(res.SessionID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(sub.Close)

	var once sync.Once
	return res.SessionID, sub, func() { once.Do(func() { close(gate) }) }
}

func nextEvent(t *testing.T, sub *eventbus.Subscription) eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.Type != eventbus.TypeHeartbeat {
			return ev
		}
	}
}

func remaining(t *testing.T, sub *eventbus.Subscription) []eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out []eventbus.Event
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed after %d events: %v", len(out), err)
		}
		if ev.Type != eventbus.TypeHeartbeat {
			out = append(out, ev)
		}
	}
}

func types(events []eventbus.Event) []eventbus.Type {
	out := make([]eventbus.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func waitEvicted(t *testing.T, c *Controller, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.Get(id); errors.Is(err, ErrSessionNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s was not evicted", id)
}

func waitStatus(t *testing.T, c *Controller, id string, want domain.Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := c.Get(id)
		if err == nil && snap.Status == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
	return Snapshot{}
}

func completion(t *testing.T, ev eventbus.Event) domain.CompletionPayload {
	t.Helper()
	if ev.Type != eventbus.TypeComplete {
		t.Fatalf("expected complete event, got %+v", ev)
	}
	payload, ok := ev.Data.(domain.CompletionPayload)
	if !ok {
		t.Fatalf("complete carries %T, want CompletionPayload", ev.Data)
	}
	return payload
}

// stallingPublisher holds the first event of type stallOn until release is
// closed.
type stallingPublisher struct {
	next    Publisher
	stallOn eventbus.Type
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallingPublisher(next Publisher, stallOn eventbus.Type) *stallingPublisher {
	return &stallingPublisher{
		next:    next,
		stallOn: stallOn,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *stallingPublisher) Publish(id string, ev eventbus.Event) (eventbus.Event, error) {
	if ev.Type == p.stallOn {
		first := false
		p.once.Do(func() { first = true })
		if first {
			close(p.entered)
			<-p.release
		}
	}
	return p.next.Publish(id, ev)
}
