// Package memstore provides an in-memory thread.Store. It is used when no
// database is configured and in tests.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/thread"
)

// Store is an in-memory thread.Store. The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	now     func() time.Time
	threads map[string]*entry
}

type entry struct {
	meta  thread.Thread
	turns []thread.Turn
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now, threads: make(map[string]*entry)}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ thread.Store = (*Store)(nil)

// AppendTurn implements thread.Store.
func (s *Store) AppendTurn(_ context.Context, threadID string, ex thread.Exchange) (thread.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.threads[threadID]
	if !ok {
		return thread.Turn{}, fmt.Errorf("memstore: append turn to %q: %w", threadID, thread.ErrNotFound)
	}
	turn := thread.Turn{
		Index:          len(e.turns),
		UserMessage:    ex.UserMessage,
		AssistantReply: ex.AssistantReply,
		Language:       ex.Language,
		CreatedAt:      s.now(),
	}
	e.turns = append(e.turns, turn)
	e.meta.LastMessageAt = turn.CreatedAt
	e.meta.TurnCount = len(e.turns)
	return turn, nil
}

// ListTurns implements thread.Store.
func (s *Store) ListTurns(_ context.Context, threadID string) ([]thread.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("memstore: list turns of %q: %w", threadID, thread.ErrNotFound)
	}
	return slices.Clone(e.turns), nil
}

// ActiveThread implements thread.Store.
func (s *Store) ActiveThread(_ context.Context, userID string) (thread.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.threads {
		if e.meta.UserID == userID && e.meta.IsActive {
			return e.meta, nil
		}
	}
	return thread.Thread{}, thread.ErrNoActiveThread
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(_ context.Context, userID string) (thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateLocked(userID)
	now := s.now()
	e := &entry{meta: thread.Thread{
		ID:            uuid.NewString(),
		UserID:        userID,
		IsActive:      true,
		CreatedAt:     now,
		LastMessageAt: now,
	}}
	s.threads[e.meta.ID] = e
	return e.meta, nil
}

// ListThreads implements thread.Store.
func (s *Store) ListThreads(_ context.Context, userID string) ([]thread.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []thread.Thread
	for _, e := range s.threads {
		if e.meta.UserID == userID {
			out = append(out, e.meta)
		}
	}
	slices.SortFunc(out, func(a, b thread.Thread) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ActivateThread implements thread.Store.
func (s *Store) ActivateThread(_ context.Context, userID, threadID string) (thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.threads[threadID]
	if !ok || e.meta.UserID != userID {
		return thread.Thread{}, fmt.Errorf("memstore: activate %q: %w", threadID, thread.ErrNotFound)
	}
	s.deactivateLocked(userID)
	e.meta.IsActive = true
	return e.meta, nil
}

func (s *Store) deactivateLocked(userID string) {
	for _, e := range s.threads {
		if e.meta.UserID == userID {
			e.meta.IsActive = false
		}
	}
}

// Ping always succeeds. It lets the store stand in for a database in
// readiness checks.
func (s *Store) Ping(context.Context) error { return nil }
