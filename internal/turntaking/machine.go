// Package turntaking decides when the microphone captures a fresh command,
// when it listens for barge-in while a reply plays, and when playback is torn
// down because the user interrupted.
//
// A [Machine] owns all mutable turn-taking state and mutates it only on the
// goroutine running [Machine.Run]. Transcript events, playback notifications,
// user actions, timers and backend results are all serialized onto that loop.
// The transcript source and speech sink are driven exclusively by the loop,
// which guarantees that capture and playback never overlap outside
// [ListeningDuringPlayback].
package turntaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/interrupt"
	"github.com/MrWong99/parley/internal/observe"
)

var (
	// ErrDeviceUnavailable wraps a transcript source or speech sink start
	// failure. Startup is never retried automatically.
	ErrDeviceUnavailable = errors.New("turntaking: device unavailable")

	// ErrClosed is returned once [Machine.Run] has exited.
	ErrClosed = errors.New("turntaking: machine closed")

	// ErrInvalidTransition is returned for user actions that do not apply to
	// the current mode.
	ErrInvalidTransition = errors.New("turntaking: invalid transition")

	// ErrNothingToSend is returned by [Machine.Send] when no command text has
	// been captured.
	ErrNothingToSend = errors.New("turntaking: nothing to send")

	// ErrSubmitPending is returned by [Machine.Send] while the previous
	// command is still waiting for the backend.
	ErrSubmitPending = errors.New("turntaking: submit already pending")
)

const (
	defaultCaptureDelay = 300 * time.Millisecond
	defaultResumeDelay  = 500 * time.Millisecond
)

// Option configures a [Machine].
type Option func(*Machine)

// WithInterruptPolicy sets the barge-in policy. It is fixed for the lifetime
// of the machine.
func WithInterruptPolicy(p interrupt.Policy) Option {
	return func(m *Machine) { m.detector = interrupt.New(p) }
}

// WithWakeDetector sets the wake-phrase detector.
func WithWakeDetector(w *WakeDetector) Option {
	return func(m *Machine) { m.wake = w }
}

// WithRequireWake controls whether a command in [Listening] starts only after
// a wake phrase. When false every captured word is command text. Default true.
func WithRequireWake(require bool) Option {
	return func(m *Machine) { m.requireWake = require }
}

// WithAutoSubmit submits as soon as a final transcript completes a command,
// without waiting for [Machine.Send]. Default false.
func WithAutoSubmit(auto bool) Option {
	return func(m *Machine) { m.autoSubmit = auto }
}

// WithCaptureDelay sets how long after playback starts the barge-in capture
// is started. Default 300ms.
func WithCaptureDelay(d time.Duration) Option {
	return func(m *Machine) { m.captureDelay = d }
}

// WithResumeDelay sets how long the machine waits before listening again
// after playback ends, is stopped, or a submit fails. Default 500ms.
func WithResumeDelay(d time.Duration) Option {
	return func(m *Machine) { m.resumeDelay = d }
}

// WithClock overrides the time source used when an event carries no
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithObserver registers a status callback. It runs on the loop goroutine and
// must neither block nor call back into the machine synchronously.
func WithObserver(fn func(Update)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithMetrics records transitions and detector outcomes.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// Machine is the turn-taking state machine. Create it with [New], then call
// [Machine.Run] exactly once.
type Machine struct {
	src    TranscriptSource
	sink   SpeechSink
	submit SubmitFunc

	detector     *interrupt.Detector
	wake         *WakeDetector
	requireWake  bool
	autoSubmit   bool
	captureDelay time.Duration
	resumeDelay  time.Duration
	now          func() time.Time
	observer     func(Update)
	log          *slog.Logger
	metrics      *observe.Metrics

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool
	snap    atomic.Pointer[Snapshot]

	// Loop-owned. Only touched from Run.
	ctx context.Context
	st  state
}

type state struct {
	mode Mode

	capturing   bool
	captureID   uint64
	captureMode CaptureMode

	speaking    bool
	utterance   uint64
	interrupted bool

	text         transcript
	wakeAcquired bool
	wakeCommand  string

	submitting bool

	// epoch changes on every reset; results from an older epoch are dropped.
	epoch uint64

	// timerGen invalidates pending delayed transitions.
	timerGen uint64
}

// New returns a machine in [Idle]. submit is invoked for every command sent
// from the voice path.
func New(src TranscriptSource, sink SpeechSink, submit SubmitFunc, opts ...Option) *Machine {
	m := &Machine{
		src:          src,
		sink:         sink,
		submit:       submit,
		detector:     interrupt.New(interrupt.DefaultPolicy()),
		wake:         NewWakeDetector(DefaultWakePhrases),
		requireWake:  true,
		captureDelay: defaultCaptureDelay,
		resumeDelay:  defaultResumeDelay,
		now:          time.Now,
		log:          slog.Default(),
		inbox:        make(chan func()),
		done:         make(chan struct{}),
		ctx:          context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "turntaking")
	m.snap.Store(&Snapshot{Mode: Idle})
	return m
}

// Run processes events until ctx is cancelled, then stops capture and
// playback. It returns nil on cancellation.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("turntaking: Run called twice")
	}
	m.ctx = ctx
	defer m.shutdown()

	transcripts := m.src.Events()
	playback := m.sink.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.inbox:
			fn()
		case ev, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			m.onTranscript(ev)
		case ev, ok := <-playback:
			if !ok {
				playback = nil
				continue
			}
			m.onSink(ev)
		}
	}
}

func (m *Machine) shutdown() {
	close(m.done)
	m.stopPlayback()
	m.stopCapture()
	m.st.mode = Idle
	m.storeSnapshot()
}

// Snapshot returns the most recently published state. Safe from any
// goroutine.
func (m *Machine) Snapshot() Snapshot { return *m.snap.Load() }

// ── User actions ─────────────────────────────────────────────────────────────

// StartListening starts a normal capture from [Idle]. It is a no-op while
// already listening. A capture that cannot start leaves the machine in [Idle]
// and returns an error wrapping [ErrDeviceUnavailable].
func (m *Machine) StartListening(ctx context.Context) error {
	return m.do(ctx, func() error {
		switch m.st.mode {
		case Listening:
			return nil
		case Idle:
			m.cancelTimers()
			return m.listen()
		default:
			return fmt.Errorf("%w: start listening while %s", ErrInvalidTransition, m.st.mode)
		}
	})
}

// Send submits the current command: the wake-gated command body in
// [Listening], or everything heard during playback in
// [ListeningDuringPlayback]. Capture stops and the machine idles until the
// reply arrives or the submit fails.
func (m *Machine) Send(ctx context.Context) error {
	return m.do(ctx, m.send)
}

// Stop is the explicit user stop. During playback it stops the sink without a
// finished notification and resumes listening after the resume delay. While
// listening it stops capture and idles.
func (m *Machine) Stop(ctx context.Context) error {
	return m.do(ctx, func() error {
		switch m.st.mode {
		case Speaking, ListeningDuringPlayback:
			m.quiesce()
			m.setMode(Idle)
			m.scheduleResume()
		case Listening:
			m.cancelTimers()
			m.stopCapture()
			m.resetTranscript()
			m.setMode(Idle)
		default:
			m.cancelTimers()
		}
		return nil
	})
}

// DeliverReply speaks a backend reply. Capture and any previous playback are
// stopped first. If the sink cannot start, the machine returns to
// [Listening] and the error wraps [ErrDeviceUnavailable].
func (m *Machine) DeliverReply(ctx context.Context, text string) error {
	return m.do(ctx, func() error {
		m.quiesce()

		id, err := m.sink.Speak(m.ctx, text)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
			m.log.Warn("speech sink unavailable", "err", err)
			m.publishErr(err)
			if lerr := m.listen(); lerr != nil {
				return errors.Join(err, lerr)
			}
			return err
		}
		m.st.speaking = true
		m.st.utterance = id
		m.setMode(Speaking)
		return nil
	})
}

// NewThread stops capture and playback, clears the transcript and detector
// and returns to [Idle]. A submit that is still running will not change the
// machine's state when it completes.
func (m *Machine) NewThread(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.quiesce()
		m.detector.Reset()
		m.st.submitting = false
		m.st.epoch++
		m.setMode(Idle)
		m.publish(Update{Kind: UpdateTranscript})
		return nil
	})
}

// ── Loop plumbing ────────────────────────────────────────────────────────────

// do runs fn on the loop and waits for its result.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- func() { reply <- fn() }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// post queues fn on the loop without waiting. Dropped after shutdown.
func (m *Machine) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.done:
	}
}

// after runs fn on the loop once d has elapsed, unless a newer transition
// invalidated the timer generation in between.
func (m *Machine) after(d time.Duration, fn func()) {
	gen := m.st.timerGen
	time.AfterFunc(d, func() {
		m.post(func() {
			if gen == m.st.timerGen {
				fn()
			}
		})
	})
}

func (m *Machine) cancelTimers() { m.st.timerGen++ }

// ── Transitions ──────────────────────────────────────────────────────────────

func (m *Machine) listen() error {
	m.resetTranscript()
	if err := m.startCapture(CaptureNormal); err != nil {
		m.setMode(Idle)
		m.publishErr(err)
		return err
	}
	m.setMode(Listening)
	return nil
}

func (m *Machine) send() error {
	switch m.st.mode {
	case Listening, ListeningDuringPlayback:
	default:
		return fmt.Errorf("%w: send while %s", ErrInvalidTransition, m.st.mode)
	}
	if m.st.submitting {
		return ErrSubmitPending
	}
	cmd := m.command()
	if cmd == "" {
		return ErrNothingToSend
	}

	m.quiesce()
	m.setMode(Idle)
	m.st.submitting = true
	m.publish(Update{Kind: UpdateSubmitted, Text: cmd})

	epoch := m.st.epoch
	ctx := m.ctx
	go func() {
		err := m.submit(ctx, cmd)
		m.post(func() { m.onSubmitDone(epoch, err) })
	}()
	return nil
}

func (m *Machine) onSubmitDone(epoch uint64, err error) {
	if epoch != m.st.epoch {
		return
	}
	m.st.submitting = false
	if err != nil {
		m.log.Warn("submit failed", "err", err)
		m.publishErr(err)
	} else {
		m.publish(Update{Kind: UpdateTranscript})
	}
	if m.st.mode == Idle {
		m.scheduleResume()
	}
}

func (m *Machine) scheduleResume() {
	m.after(m.resumeDelay, func() {
		if m.st.mode == Idle && !m.st.submitting {
			_ = m.listen()
		}
	})
}

func (m *Machine) onSink(ev SinkEvent) {
	if !m.st.speaking || ev.Utterance != m.st.utterance {
		return
	}
	switch ev.Kind {
	case SinkStarted:
		if m.st.mode != Speaking {
			return
		}
		at := ev.At
		if at.IsZero() {
			at = m.now()
		}
		m.detector.Arm(at)
		m.setMode(ListeningDuringPlayback)
		m.after(m.captureDelay, m.startBargeIn)
	case SinkFinished:
		m.st.speaking = false
		m.quiesce()
		m.setMode(Idle)
		m.scheduleResume()
	}
}

func (m *Machine) startBargeIn() {
	if m.st.mode != ListeningDuringPlayback || !m.st.speaking || m.st.capturing {
		return
	}
	m.resetTranscript()
	if err := m.startCapture(CaptureBargeIn); err != nil {
		m.log.Warn("barge-in capture unavailable", "err", err)
		m.detector.Disarm()
		m.setMode(Speaking)
		m.publishErr(err)
	}
}

func (m *Machine) onTranscript(ev TranscriptEvent) {
	if !m.st.capturing || ev.Capture != m.st.captureID {
		return
	}
	if ev.Err != nil {
		m.onCaptureLost(ev.Err)
		return
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	switch m.st.mode {
	case Listening:
		m.st.text.apply(ev)
		m.detectWake()
		m.publish(Update{Kind: UpdateTranscript})
		if m.autoSubmit && ev.IsFinal && m.command() != "" {
			m.autoSend()
		}

	case ListeningDuringPlayback:
		m.st.text.apply(ev)
		m.publish(Update{Kind: UpdateTranscript})
		if m.st.speaking && !m.st.interrupted {
			m.evaluateInterrupt(ev)
		}
		if m.st.interrupted && m.autoSubmit && ev.IsFinal {
			m.autoSend()
		}
	}
}

// onCaptureLost handles a capture that ended on its own. Playback that is
// still running keeps going without barge-in; otherwise the machine goes Idle.
// Nothing restarts capture until the caller does.
func (m *Machine) onCaptureLost(cause error) {
	m.log.Warn("capture lost", "capture", m.st.captureID, "err", cause)
	m.stopCapture()
	m.detector.Disarm()
	m.resetTranscript()
	if m.st.mode == ListeningDuringPlayback && m.st.speaking {
		m.setMode(Speaking)
	} else {
		m.cancelTimers()
		m.setMode(Idle)
	}
	m.publishErr(fmt.Errorf("%w: capture ended: %w", ErrDeviceUnavailable, cause))
}

func (m *Machine) detectWake() {
	if !m.requireWake || m.wake == nil {
		return
	}
	match, ok := m.wake.Detect(m.st.text.visible())
	if !ok {
		return
	}
	m.st.wakeCommand = match.Command
	if !m.st.wakeAcquired {
		m.st.wakeAcquired = true
		m.log.Debug("wake phrase acquired", "variant", match.Variant, "fuzzy", match.Fuzzy)
		m.publish(Update{Kind: UpdateWake, Text: match.Variant})
	}
}

func (m *Machine) evaluateInterrupt(ev TranscriptEvent) {
	sig, reason := m.detector.Evaluate(interrupt.Event{Text: ev.Text, IsFinal: ev.IsFinal, At: ev.At}, m.st.text.visible())
	if m.metrics != nil {
		m.metrics.RecordInterruptDecision(m.ctx, reason.String())
	}
	if reason != interrupt.Accepted {
		m.log.Debug("interruption rejected", "reason", reason, "final", ev.IsFinal)
		return
	}

	m.log.Info("interruption accepted", "utterance", m.st.utterance)
	m.stopPlayback()
	m.st.interrupted = true
	// Earlier segments were rejected as echo or noise; the command starts at
	// the interrupting text.
	m.st.text.restart(sig.Text, ev.IsFinal)
	m.publish(Update{Kind: UpdateInterrupt, Text: sig.Text})
	m.publish(Update{Kind: UpdateTranscript})
}

func (m *Machine) autoSend() {
	if err := m.send(); err != nil {
		m.publishErr(err)
	}
}

// command is what a send would submit right now.
func (m *Machine) command() string {
	visible := strings.TrimSpace(m.st.text.visible())
	switch {
	case m.st.mode == ListeningDuringPlayback:
		if !m.st.interrupted {
			return ""
		}
		return visible
	case !m.requireWake || m.wake == nil:
		return visible
	case m.st.wakeAcquired:
		return m.st.wakeCommand
	default:
		return ""
	}
}

// quiesce releases both capture and playback and clears transcript state.
func (m *Machine) quiesce() {
	m.cancelTimers()
	m.stopPlayback()
	m.detector.Disarm()
	m.stopCapture()
	m.resetTranscript()
}

func (m *Machine) resetTranscript() {
	m.st.text.reset()
	m.st.wakeAcquired = false
	m.st.wakeCommand = ""
	m.st.interrupted = false
}

// ── Device control ───────────────────────────────────────────────────────────

func (m *Machine) startCapture(mode CaptureMode) error {
	id, err := m.src.Start(m.ctx, mode)
	if err != nil {
		return fmt.Errorf("%w: start %s capture: %w", ErrDeviceUnavailable, mode, err)
	}
	m.st.capturing = true
	m.st.captureID = id
	m.st.captureMode = mode
	m.log.Debug("capture started", "capture", id, "capture_mode", mode)
	return nil
}

func (m *Machine) stopCapture() {
	if !m.st.capturing {
		return
	}
	if err := m.src.Stop(); err != nil {
		m.log.Warn("failed to stop capture", "capture", m.st.captureID, "err", err)
	}
	m.st.capturing = false
}

func (m *Machine) stopPlayback() {
	if !m.st.speaking {
		return
	}
	if err := m.sink.Stop(); err != nil {
		m.log.Warn("failed to stop playback", "utterance", m.st.utterance, "err", err)
	}
	m.st.speaking = false
}

// ── Status ───────────────────────────────────────────────────────────────────

func (m *Machine) setMode(to Mode) {
	from := m.st.mode
	if from == to {
		return
	}
	m.st.mode = to
	m.log.Debug("mode transition", "from", from, "to", to)
	if m.metrics != nil {
		m.metrics.RecordModeTransition(m.ctx, from.String(), to.String())
	}
	m.publish(Update{Kind: UpdateMode})
}

func (m *Machine) publishErr(err error) {
	m.publish(Update{Kind: UpdateError, Err: err})
}

func (m *Machine) publish(u Update) {
	u.Snapshot = m.storeSnapshot()
	if m.observer != nil {
		m.observer(u)
	}
}

func (m *Machine) storeSnapshot() Snapshot {
	s := Snapshot{
		Mode:         m.st.mode,
		Transcript:   m.st.text.visible(),
		Command:      m.command(),
		WakeAcquired: m.st.wakeAcquired,
		Submitting:   m.st.submitting,
	}
	m.snap.Store(&s)
	return s
}
