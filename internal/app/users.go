package app

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/thread"
)

var (
	// ErrVoiceBusy is returned by OpenVoice when the user already has a
	// voice session. A user's audio device is never shared.
	ErrVoiceBusy = errors.New("app: user already has a voice session")

	// ErrShuttingDown is returned by OpenVoice once Shutdown has begun.
	ErrShuttingDown = errors.New("app: shutting down")
)

var (
	_ bridge.Opener  = (*App)(nil)
	_ bridge.Threads = (*App)(nil)
	_ bridge.Voice   = (*voiceSession)(nil)
)

// user is one user's conversation state. The orchestrator lives as long as
// the process; voice sessions attach to it and detach again.
type user struct {
	id      string
	orch    *conversation.Orchestrator
	speaker speaker

	// voiceOpen is guarded by App.mu.
	voiceOpen bool
}

// submit is the voice path's submit. A reply discarded because the thread
// changed is not a failure the machine should report.
func (u *user) submit(ctx context.Context, command string) error {
	_, err := u.orch.Submit(ctx, command)
	if errors.Is(err, conversation.ErrThreadSwitched) {
		return nil
	}
	return err
}

// speaker routes replies to the user's current voice session, if any.
type speaker struct {
	machine atomic.Pointer[turntaking.Machine]
}

var _ conversation.Voice = (*speaker)(nil)

func (s *speaker) DeliverReply(ctx context.Context, text string) error {
	m := s.machine.Load()
	if m == nil {
		return nil
	}
	return ignoreClosed(m.DeliverReply(ctx, text))
}

func (s *speaker) NewThread(ctx context.Context) error {
	m := s.machine.Load()
	if m == nil {
		return nil
	}
	return ignoreClosed(m.NewThread(ctx))
}

// ignoreClosed treats a machine that stopped meanwhile like no machine.
func ignoreClosed(err error) error {
	if errors.Is(err, turntaking.ErrClosed) {
		return nil
	}
	return err
}

// lookup returns the user's state, creating it on first use.
func (a *App) lookup(userID string) *user {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[userID]; ok {
		return u
	}
	u := &user{id: userID}
	u.orch = conversation.New(
		conversation.Session{UserID: userID, Language: a.cfg.Voice.Language},
		a.store,
		a.backend,
		a.settings.Load().builder,
		conversation.WithVoice(&u.speaker),
		conversation.WithMetrics(a.metrics),
		conversation.WithLogger(a.log),
	)
	a.users[userID] = u
	return u
}

// ── Threads ──────────────────────────────────────────────────────────────────

// Threads lists the user's threads, most recently used first.
func (a *App) Threads(ctx context.Context, userID string) ([]thread.Thread, error) {
	return a.lookup(userID).orch.Threads(ctx)
}

// History returns the user's active thread and its turns.
func (a *App) History(ctx context.Context, userID string) (thread.Thread, []thread.Turn, error) {
	return a.lookup(userID).orch.History(ctx)
}

// NewThread starts a fresh thread for the user, resetting their voice
// session if one is open.
func (a *App) NewThread(ctx context.Context, userID string) (thread.Thread, error) {
	return a.lookup(userID).orch.NewThread(ctx)
}

// SwitchThread activates one of the user's existing threads.
func (a *App) SwitchThread(ctx context.Context, userID, threadID string) (thread.Thread, error) {
	return a.lookup(userID).orch.SwitchThread(ctx, threadID)
}

// Submit runs a typed command. The reply is also spoken when the user has a
// voice session.
func (a *App) Submit(ctx context.Context, userID, text string) (thread.Turn, error) {
	return a.lookup(userID).orch.Submit(ctx, text)
}

// ── Voice ────────────────────────────────────────────────────────────────────

// OpenVoice builds a voice session on dev. The caller must call Run on the
// returned session; it releases the user's device slot when it returns.
func (a *App) OpenVoice(_ context.Context, userID string, dev audio.Device, observer func(turntaking.Update)) (bridge.Voice, error) {
	u := a.lookup(userID)

	a.mu.Lock()
	if a.baseCtx.Err() != nil {
		a.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if u.voiceOpen {
		a.mu.Unlock()
		return nil, ErrVoiceBusy
	}
	u.voiceOpen = true
	a.voices.Add(1)
	a.mu.Unlock()

	st := a.settings.Load()
	log := a.log.With("user", userID)

	src := capture.New(a.providers.STT, dev,
		capture.WithStreamConfig(sttConfig(a.cfg, st.wakePhrases)),
		capture.WithBargeInEndpointing(st.bargeIn),
		capture.WithLogger(log),
	)
	sink := playback.New(a.providers.TTS, dev,
		playback.WithVoice(voiceProfile(a.cfg)),
		playback.WithMetrics(a.metrics),
		playback.WithLogger(log),
	)
	m := turntaking.New(src, sink, u.submit,
		turntaking.WithInterruptPolicy(st.interrupt),
		turntaking.WithWakeDetector(turntaking.NewWakeDetector(st.wakePhrases, turntaking.WithFuzzyThreshold(st.wakeFuzzy))),
		turntaking.WithRequireWake(st.requireWake),
		turntaking.WithAutoSubmit(st.autoSubmit),
		turntaking.WithCaptureDelay(st.captureDelay),
		turntaking.WithResumeDelay(st.resumeDelay),
		turntaking.WithObserver(observer),
		turntaking.WithMetrics(a.metrics),
		turntaking.WithLogger(log),
	)
	return &voiceSession{app: a, user: u, machine: m}, nil
}

// voiceSession is a user's machine plus the thread operations that must
// reset it.
type voiceSession struct {
	app     *App
	user    *user
	machine *turntaking.Machine
}

// Run attaches the machine to the user's replies and drives it until ctx is
// cancelled.
func (v *voiceSession) Run(ctx context.Context) error {
	v.user.speaker.machine.Store(v.machine)
	v.app.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		v.user.speaker.machine.CompareAndSwap(v.machine, nil)
		v.app.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		v.app.mu.Lock()
		v.user.voiceOpen = false
		v.app.mu.Unlock()
		v.app.voices.Done()
	}()
	return v.machine.Run(ctx)
}

func (v *voiceSession) StartListening(ctx context.Context) error { return v.machine.StartListening(ctx) }
func (v *voiceSession) Stop(ctx context.Context) error           { return v.machine.Stop(ctx) }
func (v *voiceSession) Send(ctx context.Context) error           { return v.machine.Send(ctx) }
func (v *voiceSession) Snapshot() turntaking.Snapshot            { return v.machine.Snapshot() }

func (v *voiceSession) NewThread(ctx context.Context) error {
	_, err := v.user.orch.NewThread(ctx)
	return err
}

func (v *voiceSession) Say(ctx context.Context, text string) error {
	_, err := v.user.orch.Submit(ctx, text)
	if errors.Is(err, conversation.ErrThreadSwitched) {
		return nil
	}
	return err
}
