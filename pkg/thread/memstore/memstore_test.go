package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/thread"
	"github.com/MrWong99/parley/pkg/thread/memstore"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestCreateThread_DeactivatesPrevious(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New(memstore.WithClock(fixedClock()))

	if _, err := s.ActiveThread(ctx, "alice"); !errors.Is(err, thread.ErrNoActiveThread) {
		t.Fatalf("want ErrNoActiveThread, got %v", err)
	}

	first, err := s.CreateThread(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	second, err := s.CreateThread(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("thread IDs must differ")
	}

	active, err := s.ActiveThread(ctx, "alice")
	if err != nil {
		t.Fatalf("ActiveThread: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active: got %s, want %s", active.ID, second.ID)
	}

	threads, _ := s.ListThreads(ctx, "alice")
	activeCount := 0
	for _, th := range threads {
		if th.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active threads: got %d, want 1", activeCount)
	}

	// Other users are unaffected.
	bob, _ := s.CreateThread(ctx, "bob")
	if active, _ := s.ActiveThread(ctx, "alice"); active.ID != second.ID {
		t.Errorf("bob's thread %s deactivated alice's", bob.ID)
	}
}

func TestAppendAndListTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New(memstore.WithClock(fixedClock()))

	th, _ := s.CreateThread(ctx, "alice")
	for i, msg := range []string{"one", "two", "three"} {
		turn, err := s.AppendTurn(ctx, th.ID, thread.Exchange{UserMessage: msg, AssistantReply: "ok " + msg})
		if err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		if turn.Index != i {
			t.Errorf("index: got %d, want %d", turn.Index, i)
		}
	}

	turns, err := s.ListTurns(ctx, th.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("turns: got %d, want 3", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Index <= turns[i-1].Index || !turns[i].CreatedAt.After(turns[i-1].CreatedAt) {
			t.Errorf("turns out of order at %d", i)
		}
	}

	// Mutating the returned slice must not affect the store.
	turns[0].UserMessage = "changed"
	again, _ := s.ListTurns(ctx, th.ID)
	if again[0].UserMessage != "one" {
		t.Errorf("stored turn was mutated: %q", again[0].UserMessage)
	}

	active, _ := s.ActiveThread(ctx, "alice")
	if active.TurnCount != 3 || !active.LastMessageAt.Equal(turns[2].CreatedAt) {
		t.Errorf("thread meta: got %+v", active)
	}
}

func TestUnknownThread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	if _, err := s.AppendTurn(ctx, "nope", thread.Exchange{}); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("AppendTurn: want ErrNotFound, got %v", err)
	}
	if _, err := s.ListTurns(ctx, "nope"); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("ListTurns: want ErrNotFound, got %v", err)
	}
	if _, err := s.ActivateThread(ctx, "alice", "nope"); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("ActivateThread: want ErrNotFound, got %v", err)
	}
}

func TestActivateThread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New(memstore.WithClock(fixedClock()))

	first, _ := s.CreateThread(ctx, "alice")
	_, _ = s.CreateThread(ctx, "alice")

	got, err := s.ActivateThread(ctx, "alice", first.ID)
	if err != nil {
		t.Fatalf("ActivateThread: %v", err)
	}
	if !got.IsActive {
		t.Error("activated thread should be active")
	}
	active, _ := s.ActiveThread(ctx, "alice")
	if active.ID != first.ID {
		t.Errorf("active: got %s, want %s", active.ID, first.ID)
	}

	// Another user's thread cannot be activated.
	bob, _ := s.CreateThread(ctx, "bob")
	if _, err := s.ActivateThread(ctx, "alice", bob.ID); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("cross-user activate: want ErrNotFound, got %v", err)
	}
}

func TestActiveOrCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	a, err := thread.ActiveOrCreate(ctx, s, "alice")
	if err != nil {
		t.Fatalf("ActiveOrCreate: %v", err)
	}
	b, err := thread.ActiveOrCreate(ctx, s, "alice")
	if err != nil {
		t.Fatalf("ActiveOrCreate: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("second call created a new thread: %s != %s", a.ID, b.ID)
	}
}
