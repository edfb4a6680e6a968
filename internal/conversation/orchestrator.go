// Package conversation ties a user's threads, the context window and the
// language backend together.
//
// An [Orchestrator] serves one user. Submit takes a command, samples the
// active thread's history into a prompt, asks the backend, persists the
// exchange as a new turn and hands the reply to the voice layer. Only one
// submit runs at a time; starting a new thread or switching threads cancels
// the one in flight and guarantees its reply is never appended.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/contextwin"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/thread"
)

var (
	// ErrEmptyCommand is returned for commands that are empty after trimming.
	ErrEmptyCommand = errors.New("conversation: empty command")

	// ErrSubmitInFlight is returned when a submit is already running.
	ErrSubmitInFlight = errors.New("conversation: submit already in flight")

	// ErrThreadSwitched is returned by a submit whose thread was replaced
	// before the reply could be stored.
	ErrThreadSwitched = errors.New("conversation: thread switched")
)

// Session identifies the user an orchestrator works for.
type Session struct {
	UserID string

	// Language is stored on every turn. Optional.
	Language string
}

// Backend completes an assembled prompt.
type Backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Voice is the speech side of a session.
type Voice interface {
	// DeliverReply speaks text.
	DeliverReply(ctx context.Context, text string) error

	// NewThread discards any capture, playback and pending transcript.
	NewThread(ctx context.Context) error
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithVoice speaks every stored reply. Without a voice the orchestrator is
// text only.
func WithVoice(v Voice) Option {
	return func(o *Orchestrator) { o.voice = v }
}

// WithMetrics records submit latency and context size.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides time.Now for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the submit flow for one user. Safe for concurrent use.
type Orchestrator struct {
	session Session
	store   thread.Store
	backend Backend
	voice   Voice
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	// mu guards the fields below and is held across the epoch check, the
	// append and the reply hand-off so a thread change cannot interleave.
	mu       sync.Mutex
	builder  *contextwin.Builder
	epoch    uint64
	inFlight bool
	cancel   context.CancelFunc
}

// New returns an orchestrator for session.
func New(session Session, store thread.Store, backend Backend, builder *contextwin.Builder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session: session,
		store:   store,
		backend: backend,
		builder: builder,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(slog.String("user", session.UserID))
	return o
}

// Session returns the session the orchestrator serves.
func (o *Orchestrator) Session() Session { return o.session }

// SetBuilder replaces the context window builder. A submit already running
// keeps the builder it started with.
func (o *Orchestrator) SetBuilder(b *contextwin.Builder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.builder = b
}

// Submit sends command to the backend with sampled history of the active
// thread, creating one when the user has none. On success the exchange is
// appended and returned, and the reply is handed to the voice. On failure
// nothing is appended.
//
// Backend failures are returned as produced by the backend. A submit whose
// thread is replaced meanwhile returns [ErrThreadSwitched].
func (o *Orchestrator) Submit(ctx context.Context, command string) (thread.Turn, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return thread.Turn{}, ErrEmptyCommand
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return thread.Turn{}, ErrSubmitInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	epoch, builder := o.epoch, o.builder
	o.inFlight = true
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.epoch == epoch {
			o.inFlight = false
			o.cancel = nil
		}
		o.mu.Unlock()
		cancel()
	}()

	ctx, span := observe.StartSpan(ctx, "conversation.submit")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.user", o.session.UserID))

	start := o.now()
	turn, status, err := o.submit(ctx, epoch, builder, command, span)
	o.record(ctx, status, o.now().Sub(start))
	if err != nil {
		observe.Fail(span, err, status)
	}
	return turn, err
}

func (o *Orchestrator) submit(ctx context.Context, epoch uint64, builder *contextwin.Builder, command string, span trace.Span) (thread.Turn, string, error) {
	th, err := thread.ActiveOrCreate(ctx, o.store, o.session.UserID)
	if err != nil {
		return thread.Turn{}, "store_error", fmt.Errorf("conversation: resolve active thread: %w", err)
	}
	history, err := o.store.ListTurns(ctx, th.ID)
	if err != nil {
		return thread.Turn{}, "store_error", fmt.Errorf("conversation: load history: %w", err)
	}

	prompt, sel := builder.Assemble(command, history)
	span.SetAttributes(
		attribute.String("conversation.thread", th.ID),
		attribute.Int("conversation.context_turns", len(sel.Turns)),
		attribute.Int("conversation.context_chars", sel.Chars),
		attribute.Int("conversation.context_budget", builder.Budget()),
	)
	if o.metrics != nil {
		o.metrics.RecordContext(ctx, len(sel.Turns), sel.Chars)
	}

	reply, err := o.backend.Complete(ctx, prompt)
	if err != nil {
		if o.stale(epoch) {
			return thread.Turn{}, "switched", ErrThreadSwitched
		}
		observe.WithTrace(ctx, o.log).Warn("backend failed", slog.String("thread", th.ID), slog.Any("err", err))
		return thread.Turn{}, "backend_error", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		o.log.Debug("dropping reply for replaced thread", slog.String("thread", th.ID))
		return thread.Turn{}, "switched", ErrThreadSwitched
	}
	turn, err := o.store.AppendTurn(ctx, th.ID, thread.Exchange{
		UserMessage:    command,
		AssistantReply: reply,
		Language:       o.session.Language,
	})
	if err != nil {
		return thread.Turn{}, "store_error", fmt.Errorf("conversation: append turn: %w", err)
	}
	if o.voice != nil {
		// The voice reports its own playback failures; the turn stays stored.
		if err := o.voice.DeliverReply(ctx, reply); err != nil {
			o.log.Debug("reply not spoken", slog.Any("err", err))
		}
	}
	return turn, "ok", nil
}

func (o *Orchestrator) stale(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch != epoch
}

func (o *Orchestrator) record(ctx context.Context, status string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordSubmit(ctx, status, d)
	}
}

// invalidate cancels the in-flight submit and bumps the epoch. Callers hold mu.
func (o *Orchestrator) invalidate() {
	o.epoch++
	o.inFlight = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// NewThread creates a fresh active thread and resets the voice. Any submit in
// flight is cancelled and its reply discarded.
func (o *Orchestrator) NewThread(ctx context.Context) (thread.Thread, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalidate()

	if o.voice != nil {
		if err := o.voice.NewThread(ctx); err != nil {
			return thread.Thread{}, fmt.Errorf("conversation: reset voice: %w", err)
		}
	}
	th, err := o.store.CreateThread(ctx, o.session.UserID)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("conversation: create thread: %w", err)
	}
	o.log.Info("new thread", slog.String("thread", th.ID))
	return th, nil
}

// SwitchThread makes an existing thread active. Like NewThread it cancels
// any submit in flight.
func (o *Orchestrator) SwitchThread(ctx context.Context, threadID string) (thread.Thread, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalidate()

	if o.voice != nil {
		if err := o.voice.NewThread(ctx); err != nil {
			return thread.Thread{}, fmt.Errorf("conversation: reset voice: %w", err)
		}
	}
	th, err := o.store.ActivateThread(ctx, o.session.UserID, threadID)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("conversation: activate thread %q: %w", threadID, err)
	}
	o.log.Info("switched thread", slog.String("thread", th.ID))
	return th, nil
}

// Threads lists the user's threads, most recently used first.
func (o *Orchestrator) Threads(ctx context.Context) ([]thread.Thread, error) {
	ths, err := o.store.ListThreads(ctx, o.session.UserID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list threads: %w", err)
	}
	return ths, nil
}

// History returns the turns of the active thread. A user without an active
// thread has no history.
func (o *Orchestrator) History(ctx context.Context) (thread.Thread, []thread.Turn, error) {
	th, err := o.store.ActiveThread(ctx, o.session.UserID)
	if errors.Is(err, thread.ErrNoActiveThread) {
		return thread.Thread{}, nil, nil
	}
	if err != nil {
		return thread.Thread{}, nil, fmt.Errorf("conversation: active thread: %w", err)
	}
	turns, err := o.store.ListTurns(ctx, th.ID)
	if err != nil {
		return thread.Thread{}, nil, fmt.Errorf("conversation: list turns: %w", err)
	}
	return th, turns, nil
}
