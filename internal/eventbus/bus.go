package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnknownStream is returned for a session without an open stream.
	ErrUnknownStream = errors.New("event stream not found")
	// ErrStreamExists is returned when opening a stream twice.
	ErrStreamExists = errors.New("event stream already open")
	// ErrSealed is returned when publishing or subscribing after Complete.
	ErrSealed = errors.New("event stream sealed")
)

// Config tunes buffering and keepalive.
type Config struct {
	// BufferSize bounds droppable events per subscriber.
	BufferSize int
	// HeartbeatInterval is the idle time after which Next yields a heartbeat.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// Bus owns one stream per session id.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	id string

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	sealed  bool
	closed  bool
	drained chan struct{}
	once    sync.Once
}

// Subscription is a live cursor over one stream.
type Subscription struct {
	st        *stream
	bufSize   int
	heartbeat time.Duration
	notify    chan struct{}

	// guarded by st.mu
	buf     []Event
	done    bool
	dropped int
}

// New creates a Bus.
func New(cfg Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Bus{cfg: cfg, logger: logger, streams: make(map[string]*stream)}
}

// Open creates the stream for a session.
func (b *Bus) Open(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[id]; ok {
		return ErrStreamExists
	}
	b.streams[id] = &stream{
		id:      id,
		subs:    make(map[*Subscription]struct{}),
		drained: make(chan struct{}),
	}
	return nil
}

func (b *Bus) get(id string) (*stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[id]
	if !ok {
		return nil, ErrUnknownStream
	}
	return st, nil
}

// Publish appends ev to every subscription of the stream without blocking.
// Publishing Complete seals the stream.
func (b *Bus) Publish(id string, ev Event) (Event, error) {
	st, err := b.get(id)
	if err != nil {
		return Event{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sealed || st.closed {
		return Event{}, ErrSealed
	}

	ev.ID = ulid.Make().String()
	for sub := range st.subs {
		if sub.push(ev) {
			b.logger.Debug("dropped progress event", "session_id", id, "type", ev.Type, "dropped", sub.dropped)
		}
	}
	if ev.Type == TypeComplete {
		st.sealed = true
		st.checkDrainedLocked()
	}
	return ev, nil
}

// Subscribe returns a cursor yielding events published from now on.
func (b *Bus) Subscribe(id string) (*Subscription, error) {
	st, err := b.get(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sealed || st.closed {
		return nil, ErrSealed
	}
	sub := &Subscription{
		st:        st,
		bufSize:   b.cfg.BufferSize,
		heartbeat: b.cfg.HeartbeatInterval,
		notify:    make(chan struct{}, 1),
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// Drain waits until the stream is sealed and every subscriber has read all
// buffered events, or until timeout. It reports whether the stream drained.
func (b *Bus) Drain(ctx context.Context, id string, timeout time.Duration) bool {
	st, err := b.get(id)
	if err != nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-st.drained:
		return true
	case <-timer.C:
		b.logger.Warn("event stream drain timed out", "session_id", id, "timeout", timeout)
		return false
	case <-ctx.Done():
		return false
	}
}

// Close removes the stream. Subscribers read what is still buffered and then
// observe io.EOF.
func (b *Bus) Close(id string) {
	b.mu.Lock()
	st, ok := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for sub := range st.subs {
		sub.signal()
	}
}

// Len returns the number of open streams.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// checkDrainedLocked closes the drained channel once the stream is sealed and
// no subscriber holds unread events.
func (st *stream) checkDrainedLocked() {
	if !st.sealed {
		return
	}
	for sub := range st.subs {
		if len(sub.buf) > 0 {
			return
		}
	}
	st.once.Do(func() { close(st.drained) })
}

// push buffers ev and reports whether an event was dropped. Result and
// Complete are always kept even past the bound.
func (s *Subscription) push(ev Event) bool {
	if s.done {
		return false
	}
	dropped := false
	if len(s.buf) >= s.bufSize {
		idx := -1
		for i, old := range s.buf {
			if old.Droppable() {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			s.buf = append(s.buf[:idx], s.buf[idx+1:]...)
			s.dropped++
			dropped = true
		case ev.Droppable():
			s.dropped++
			return true
		}
	}
	s.buf = append(s.buf, ev)
	s.signal()
	return dropped
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next event, a heartbeat, or the end of the stream.
// It returns io.EOF after Complete has been read or the stream was closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		timer := time.NewTimer(s.heartbeat)
		defer timer.Stop()
		heartbeat = timer.C
	}

	for {
		st := s.st
		st.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf[0] = Event{}
			s.buf = s.buf[1:]
			if ev.Type == TypeComplete {
				s.done = true
			}
			st.checkDrainedLocked()
			st.mu.Unlock()
			return ev, nil
		}
		if s.done || st.closed {
			st.mu.Unlock()
			return Event{}, io.EOF
		}
		if _, ok := st.subs[s]; !ok {
			st.mu.Unlock()
			return Event{}, io.EOF
		}
		st.mu.Unlock()

		select {
		case <-s.notify:
		case <-heartbeat:
			return Event{ID: ulid.Make().String(), Type: TypeHeartbeat}, nil
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Unread events are discarded.
func (s *Subscription) Close() {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[s]; !ok {
		return
	}
	delete(st.subs, s)
	s.buf = nil
	s.signal()
	st.checkDrainedLocked()
}
