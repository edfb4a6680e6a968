// Package thread defines conversation threads, their turns, and the Store
// interface that persists them.
//
// A turn is immutable once appended. At most one thread per user is active;
// creating or activating a thread deactivates the previous one atomically.
package thread

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a thread ID does not exist for the user.
	ErrNotFound = errors.New("thread: not found")

	// ErrNoActiveThread is returned by ActiveThread when the user has none.
	ErrNoActiveThread = errors.New("thread: no active thread")
)

// Turn is one user message and the assistant's reply to it.
type Turn struct {
	// Index is the zero-based position of the turn in its thread.
	Index int

	UserMessage    string
	AssistantReply string
	CreatedAt      time.Time

	// Language is an optional BCP-47 tag of the user message.
	Language string
}

// Thread is an ordered conversation belonging to one user.
type Thread struct {
	ID            string
	UserID        string
	IsActive      bool
	CreatedAt     time.Time
	LastMessageAt time.Time

	// TurnCount is the number of turns appended so far.
	TurnCount int
}

// Exchange is the input to AppendTurn.
type Exchange struct {
	UserMessage    string
	AssistantReply string
	Language       string
}

// Store persists threads and turns. Implementations must be safe for
// concurrent use.
type Store interface {
	// AppendTurn appends an exchange to the thread and returns the stored turn.
	AppendTurn(ctx context.Context, threadID string, ex Exchange) (Turn, error)

	// ListTurns returns every turn of the thread in ascending index order.
	ListTurns(ctx context.Context, threadID string) ([]Turn, error)

	// ActiveThread returns the user's active thread or ErrNoActiveThread.
	ActiveThread(ctx context.Context, userID string) (Thread, error)

	// CreateThread creates a new empty thread, makes it the user's active
	// thread and deactivates the previous one.
	CreateThread(ctx context.Context, userID string) (Thread, error)

	// ListThreads returns the user's threads, most recently used first.
	ListThreads(ctx context.Context, userID string) ([]Thread, error)

	// ActivateThread makes an existing thread of the user active and
	// deactivates the previous one. Returns ErrNotFound for unknown IDs.
	ActivateThread(ctx context.Context, userID, threadID string) (Thread, error)
}

// ActiveOrCreate returns the user's active thread, creating one if the user
// has none.
func ActiveOrCreate(ctx context.Context, s Store, userID string) (Thread, error) {
	th, err := s.ActiveThread(ctx, userID)
	if errors.Is(err, ErrNoActiveThread) {
		return s.CreateThread(ctx, userID)
	}
	return th, err
}
