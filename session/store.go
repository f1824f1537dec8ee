package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/crmgate/storage"
)

const (
	// DefaultSessionTTL bounds how long a persisted state is trusted.
	DefaultSessionTTL = time.Hour

	stateBucket  = "session"
	stateKey     = "auth_state"
	recordFormat = 1
)

type stateRecord struct {
	V int `json:"v"`
	State
}

// StateStore persists the session state in a repository under a single key
// and keeps an in-memory shadow of the last state read.
type StateStore struct {
	repo   storage.Repository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	shadow *State
}

// StoreOption customizes a StateStore.
type StoreOption func(*StateStore)

func WithSessionTTL(ttl time.Duration) StoreOption {
	return func(s *StateStore) { s.ttl = ttl }
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *StateStore) { s.now = now }
}

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *StateStore) { s.logger = l }
}

// NewStateStore returns a StateStore backed by repo.
func NewStateStore(repo storage.Repository, opts ...StoreOption) *StateStore {
	s := &StateStore{
		repo:   repo,
		ttl:    DefaultSessionTTL,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "state-store")
	return s
}

// GetState returns the persisted state. Missing, undecodable, wrong-version,
// invariant-violating and expired entries all read as absent; the last
// three are deleted.
func (s *StateStore) GetState() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shadow != nil {
		if s.expired(*s.shadow) {
			s.dropLocked("expired")
			return State{}, false
		}
		return s.shadow.Clone(), true
	}

	data, err := s.repo.Get(stateBucket, stateKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("reading session state failed", "error", err)
		}
		return State{}, false
	}
	var rec stateRecord
	switch {
	case json.Unmarshal(data, &rec) != nil:
		s.dropLocked("undecodable")
		return State{}, false
	case rec.V != recordFormat:
		s.dropLocked("version mismatch")
		return State{}, false
	case !rec.State.Valid():
		s.dropLocked("invalid")
		return State{}, false
	case s.expired(rec.State):
		s.dropLocked("expired")
		return State{}, false
	}
	st := rec.State.Clone()
	s.shadow = &st
	return st.Clone(), true
}

// SetState writes st stamped with the current time, or clears the entry
// when st is nil. The shadow copy is invalidated either way.
func (s *StateStore) SetState(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shadow = nil

	if st == nil {
		if err := s.repo.Delete(stateBucket, stateKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}
	rec := stateRecord{V: recordFormat, State: st.Clone()}
	rec.Timestamp = s.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.repo.Put(stateBucket, stateKey, data)
}

func (s *StateStore) expired(st State) bool {
	return s.now().Sub(st.Timestamp) > s.ttl
}

func (s *StateStore) dropLocked(reason string) {
	s.shadow = nil
	if err := s.repo.Delete(stateBucket, stateKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("deleting session state failed", "error", err)
		return
	}
	s.logger.Debug("session state discarded", "reason", reason)
}
