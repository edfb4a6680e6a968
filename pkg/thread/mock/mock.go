// Package mock provides a configurable thread.Store test double.
//
// Store delegates to an in-memory store so that behaviour is realistic, and
// lets tests inject per-method errors and inspect calls:
//
//	store := mock.New()
//	store.AppendTurnErr = errors.New("disk full")
//	// inject store into the system under test …
//	if got := store.CallCount("AppendTurn"); got != 1 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/thread"
	"github.com/MrWong99/parley/pkg/thread/memstore"
)

// Call records the name and non-context arguments of a method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a test double for thread.Store.
type Store struct {
	mu    sync.Mutex
	inner thread.Store
	calls []Call

	// Per-method errors. When non-nil the method fails without touching the
	// inner store.
	AppendTurnErr     error
	ListTurnsErr      error
	ActiveThreadErr   error
	CreateThreadErr   error
	ListThreadsErr    error
	ActivateThreadErr error
}

// New returns a Store backed by a fresh memstore.
func New() *Store {
	return &Store{inner: memstore.New()}
}

var _ thread.Store = (*Store)(nil)

func (s *Store) record(method string, err error, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	return err
}

func (s *Store) errFor(field *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *field
}

// AppendTurn implements thread.Store.
func (s *Store) AppendTurn(ctx context.Context, threadID string, ex thread.Exchange) (thread.Turn, error) {
	if err := s.record("AppendTurn", s.errFor(&s.AppendTurnErr), threadID, ex); err != nil {
		return thread.Turn{}, err
	}
	return s.inner.AppendTurn(ctx, threadID, ex)
}

// ListTurns implements thread.Store.
func (s *Store) ListTurns(ctx context.Context, threadID string) ([]thread.Turn, error) {
	if err := s.record("ListTurns", s.errFor(&s.ListTurnsErr), threadID); err != nil {
		return nil, err
	}
	return s.inner.ListTurns(ctx, threadID)
}

// ActiveThread implements thread.Store.
func (s *Store) ActiveThread(ctx context.Context, userID string) (thread.Thread, error) {
	if err := s.record("ActiveThread", s.errFor(&s.ActiveThreadErr), userID); err != nil {
		return thread.Thread{}, err
	}
	return s.inner.ActiveThread(ctx, userID)
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(ctx context.Context, userID string) (thread.Thread, error) {
	if err := s.record("CreateThread", s.errFor(&s.CreateThreadErr), userID); err != nil {
		return thread.Thread{}, err
	}
	return s.inner.CreateThread(ctx, userID)
}

// ListThreads implements thread.Store.
func (s *Store) ListThreads(ctx context.Context, userID string) ([]thread.Thread, error) {
	if err := s.record("ListThreads", s.errFor(&s.ListThreadsErr), userID); err != nil {
		return nil, err
	}
	return s.inner.ListThreads(ctx, userID)
}

// ActivateThread implements thread.Store.
func (s *Store) ActivateThread(ctx context.Context, userID, threadID string) (thread.Thread, error) {
	if err := s.record("ActivateThread", s.errFor(&s.ActivateThreadErr), userID, threadID); err != nil {
		return thread.Thread{}, err
	}
	return s.inner.ActivateThread(ctx, userID, threadID)
}

// SetErr sets one of the per-method errors under the lock, for tests that
// change behaviour while the system under test is running.
func (s *Store) SetErr(field *error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = err
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
