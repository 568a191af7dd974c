package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
)

// Store holds one record per live session. Each record has its own lock so
// sessions never contend with each other.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

type record struct {
	mu      sync.Mutex
	session *domain.Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record), now: time.Now}
}

// Create inserts a new session.
func (st *Store) Create(s *domain.Session) error {
	if err := s.CheckInvariant(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.records[s.ID]; ok {
		return ErrSessionExists
	}
	now := st.now()
	c := s.Clone()
	c.CreatedAt = now
	c.UpdatedAt = now
	st.records[s.ID] = &record{session: c}
	return nil
}

func (st *Store) lookup(id string) (*record, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.records[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return r, nil
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (*domain.Session, error) {
	r, err := st.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, ErrSessionNotFound
	}
	return r.session.Clone(), nil
}

// Update applies fn to a copy of the session under the record lock and commits
// it only when fn succeeds and the pending-action invariant holds. Returns a
// copy of the committed session.
func (st *Store) Update(id string, fn func(s *domain.Session) error) (*domain.Session, error) {
	return st.UpdateThen(id, fn, nil)
}

// UpdateThen is Update followed by then, which runs after the commit while the
// record lock is still held. No reader or writer observes the committed state
// before then returns.
func (st *Store) UpdateThen(id string, fn func(s *domain.Session) error, then func(s *domain.Session)) (*domain.Session, error) {
	r, err := st.lookup(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, ErrSessionNotFound
	}

	next := r.session.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.CheckInvariant(); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	next.UpdatedAt = st.now()
	r.session = next
	if then != nil {
		then(next.Clone())
	}
	return next.Clone(), nil
}

// Delete removes the session. Concurrent holders of the record observe
// ErrSessionNotFound.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	r, ok := st.records[id]
	delete(st.records, id)
	st.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.session = nil
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.records)
}

// IdleSuspended returns ids of suspended sessions untouched since before cutoff.
func (st *Store) IdleSuspended(cutoff time.Time) []string {
	st.mu.RLock()
	records := make(map[string]*record, len(st.records))
	for id, r := range st.records {
		records[id] = r
	}
	st.mu.RUnlock()

	var ids []string
	for id, r := range records {
		r.mu.Lock()
		if s := r.session; s != nil && s.Status.Suspended() && s.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
		r.mu.Unlock()
	}
	return ids
}

// IDs returns the ids of all live sessions.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.records))
	for id := range st.records {
		ids = append(ids, id)
	}
	return ids
}

// isNoChange reports whether err only signals that fn declined to mutate.
func isNoChange(err error) bool {
	return errors.Is(err, errNoChange)
}
