package turntaking_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/internal/turntaking/mock"
)

type harness struct {
	m    *turntaking.Machine
	src  *mock.Source
	sink *mock.Sink

	submits  chan string
	submitFn atomic.Pointer[turntaking.SubmitFunc]

	mu      sync.Mutex
	updates []turntaking.Update

	// overlaps counts published states where capture and playback were both
	// active outside ListeningDuringPlayback.
	overlaps atomic.Int64
}

func newHarness(t *testing.T, opts ...turntaking.Option) *harness {
	t.Helper()

	h := &harness{
		src:     mock.NewSource(),
		sink:    mock.NewSink(),
		submits: make(chan string, 16),
	}
	ok := turntaking.SubmitFunc(func(context.Context, string) error { return nil })
	h.submitFn.Store(&ok)

	submit := func(ctx context.Context, cmd string) error {
		select {
		case h.submits <- cmd:
		default:
		}
		return (*h.submitFn.Load())(ctx, cmd)
	}
	observer := func(u turntaking.Update) {
		capturing, _ := h.src.Active()
		if capturing && h.sink.Active() && u.Mode != turntaking.ListeningDuringPlayback {
			h.overlaps.Add(1)
		}
		h.mu.Lock()
		h.updates = append(h.updates, u)
		h.mu.Unlock()
	}

	base := []turntaking.Option{
		turntaking.WithCaptureDelay(0),
		turntaking.WithResumeDelay(10 * time.Millisecond),
		turntaking.WithObserver(observer),
	}
	h.m = turntaking.New(h.src, h.sink, submit, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) setSubmit(fn turntaking.SubmitFunc) { h.submitFn.Store(&fn) }

func (h *harness) updatesOf(kind turntaking.UpdateKind) []turntaking.Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []turntaking.Update
	for _, u := range h.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitMode(t *testing.T, want turntaking.Mode) {
	t.Helper()
	eventually(t, "mode "+want.String(), func() bool { return h.m.Snapshot().Mode == want })
}

func (h *harness) nextSubmit(t *testing.T) string {
	t.Helper()
	select {
	case cmd := <-h.submits:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submit")
		return ""
	}
}

// speak drives the machine into ListeningDuringPlayback with barge-in capture
// running and returns the playback start time.
func (h *harness) speak(t *testing.T, reply string) time.Time {
	t.Helper()
	ctx := context.Background()
	if err := h.m.DeliverReply(ctx, reply); err != nil {
		t.Fatalf("DeliverReply: %v", err)
	}
	started := time.Now()
	h.sink.StartedAt(started)
	h.waitMode(t, turntaking.ListeningDuringPlayback)
	eventually(t, "barge-in capture", func() bool {
		active, _ := h.src.Active()
		return active
	})
	return started
}

func TestMachine_StartListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if got := h.m.Snapshot().Mode; got != turntaking.Idle {
		t.Fatalf("initial mode = %s, want idle", got)
	}
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := h.m.Snapshot().Mode; got != turntaking.Listening {
		t.Errorf("mode = %s, want listening", got)
	}
	if starts := h.src.Starts(); len(starts) != 1 || starts[0] != turntaking.CaptureNormal {
		t.Errorf("starts = %v, want [normal]", starts)
	}

	// Already listening: no second capture.
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("second StartListening: %v", err)
	}
	if n := len(h.src.Starts()); n != 1 {
		t.Errorf("captures started = %d, want 1", n)
	}
}

func TestMachine_StartListeningDeviceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.src.SetStartErr(errors.New("no microphone"))

	err := h.m.StartListening(context.Background())
	if !errors.Is(err, turntaking.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if got := h.m.Snapshot().Mode; got != turntaking.Idle {
		t.Errorf("mode = %s, want idle", got)
	}
	if len(h.updatesOf(turntaking.UpdateError)) != 1 {
		t.Error("expected exactly one error update")
	}
}

func TestMachine_WakeAndSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	h.src.Emit("so what's", false)
	h.src.Emit("so what's the weather", true)
	eventually(t, "transcript", func() bool { return h.m.Snapshot().Transcript == "so what's the weather" })
	if err := h.m.Send(ctx); !errors.Is(err, turntaking.ErrNothingToSend) {
		t.Fatalf("Send before wake: err = %v, want ErrNothingToSend", err)
	}

	h.src.Emit("hey parley what's the forecast", true)
	eventually(t, "command", func() bool { return h.m.Snapshot().Command == "what's the forecast" })
	if !h.m.Snapshot().WakeAcquired {
		t.Error("wake not acquired")
	}
	if n := len(h.updatesOf(turntaking.UpdateWake)); n != 1 {
		t.Errorf("wake updates = %d, want 1", n)
	}

	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := h.nextSubmit(t); got != "what's the forecast" {
		t.Errorf("submitted %q, want %q", got, "what's the forecast")
	}
	if active, _ := h.src.Active(); active {
		t.Error("capture still active after send")
	}
	if got := h.m.Snapshot().Transcript; got != "" {
		t.Errorf("transcript = %q, want cleared", got)
	}
}

func TestMachine_WithoutWakeRequirement(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithRequireWake(false))
	ctx := context.Background()
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("turn on the lights", true)
	eventually(t, "command", func() bool { return h.m.Snapshot().Command == "turn on the lights" })
	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := h.nextSubmit(t); got != "turn on the lights" {
		t.Errorf("submitted %q, want %q", got, "turn on the lights")
	}
}

func TestMachine_AutoSubmit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithAutoSubmit(true))
	if err := h.m.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("hey parley turn on", false)
	h.src.Emit("hey parley turn on the lights", true)
	if got := h.nextSubmit(t); got != "turn on the lights" {
		t.Errorf("submitted %q, want %q", got, "turn on the lights")
	}
}

func TestMachine_ReplyAndNaturalFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	if err := h.m.DeliverReply(ctx, "It is sunny."); err != nil {
		t.Fatalf("DeliverReply: %v", err)
	}
	if got := h.m.Snapshot().Mode; got != turntaking.Speaking {
		t.Fatalf("mode = %s, want speaking", got)
	}
	if active, _ := h.src.Active(); active {
		t.Error("capture still active while speaking")
	}
	if got := h.sink.Spoken(); len(got) != 1 || got[0] != "It is sunny." {
		t.Errorf("spoken = %q", got)
	}

	h.sink.Started()
	h.waitMode(t, turntaking.ListeningDuringPlayback)
	eventually(t, "barge-in capture", func() bool {
		starts := h.src.Starts()
		return len(starts) == 2 && starts[1] == turntaking.CaptureBargeIn
	})

	if !h.sink.Finish() {
		t.Fatal("sink was stopped unexpectedly")
	}
	h.waitMode(t, turntaking.Listening)
	starts := h.src.Starts()
	if last := starts[len(starts)-1]; last != turntaking.CaptureNormal {
		t.Errorf("resumed capture mode = %s, want normal", last)
	}
	if got := h.m.Snapshot().Transcript; got != "" {
		t.Errorf("transcript = %q, want cleared", got)
	}
}

func TestMachine_Interruption(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	started := h.speak(t, "Here is a very long story about the weather.")

	// Inside the grace period: the microphone hears our own voice.
	h.src.EmitAt("here is a very long story", false, started.Add(500*time.Millisecond))
	// Filler after the grace period.
	h.src.EmitAt("the", true, started.Add(3*time.Second))
	eventually(t, "transcript", func() bool { return h.m.Snapshot().Transcript != "" })
	time.Sleep(20 * time.Millisecond)
	if !h.sink.Active() {
		t.Fatal("playback stopped by rejected transcript")
	}

	h.src.EmitAt("please stop now", true, started.Add(3*time.Second))
	eventually(t, "interrupt", func() bool { return len(h.updatesOf(turntaking.UpdateInterrupt)) == 1 })

	if h.sink.Active() {
		t.Error("playback still active after interruption")
	}
	if got := h.m.Snapshot().Mode; got != turntaking.ListeningDuringPlayback {
		t.Errorf("mode = %s, want listening_during_playback", got)
	}
	if active, _ := h.src.Active(); !active {
		t.Error("capture stopped by interruption")
	}
	if got := h.updatesOf(turntaking.UpdateInterrupt)[0].Text; got != "please stop now" {
		t.Errorf("interrupt text = %q, want %q", got, "please stop now")
	}
	if h.sink.Finish() {
		t.Error("stopped utterance produced a finished event")
	}

	h.src.EmitAt("what about tomorrow", true, started.Add(4*time.Second))
	eventually(t, "transcript", func() bool {
		return h.m.Snapshot().Command == "please stop now what about tomorrow"
	})
	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := h.nextSubmit(t); got != "please stop now what about tomorrow" {
		t.Errorf("submitted %q", got)
	}
	if n := len(h.updatesOf(turntaking.UpdateInterrupt)); n != 1 {
		t.Errorf("interrupt updates = %d, want 1", n)
	}
}

func TestMachine_InterruptionCommandExcludesEcho(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		final bool
		after time.Duration
	}{
		{name: "final echo inside grace", text: "here is a very long story", final: true, after: 500 * time.Millisecond},
		{name: "partial echo inside grace", text: "here is a very", after: 500 * time.Millisecond},
		{name: "filler after grace", text: "um", final: true, after: 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			ctx := context.Background()
			started := h.speak(t, "Here is a very long story about the weather.")

			h.src.EmitAt(tt.text, tt.final, started.Add(tt.after))
			eventually(t, "transcript", func() bool { return h.m.Snapshot().Transcript != "" })
			if got := h.m.Snapshot().Command; got != "" {
				t.Errorf("command before interruption = %q, want empty", got)
			}
			if err := h.m.Send(ctx); !errors.Is(err, turntaking.ErrNothingToSend) {
				t.Errorf("Send before interruption: got %v, want ErrNothingToSend", err)
			}

			h.src.EmitAt("please stop now", true, started.Add(3*time.Second))
			eventually(t, "interrupt", func() bool { return len(h.updatesOf(turntaking.UpdateInterrupt)) == 1 })
			if got := h.m.Snapshot().Transcript; got != "please stop now" {
				t.Errorf("transcript = %q, want %q", got, "please stop now")
			}
			if err := h.m.Send(ctx); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if got := h.nextSubmit(t); got != "please stop now" {
				t.Errorf("submitted %q, want %q", got, "please stop now")
			}
		})
	}
}

func TestMachine_PartialInterruptionKeepsUpdating(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	started := h.speak(t, "Here is a very long story about the weather.")

	h.src.EmitAt("here is a very long story", true, started.Add(500*time.Millisecond))
	h.src.EmitAt("hold on a second", false, started.Add(3*time.Second))
	eventually(t, "interrupt", func() bool { return len(h.updatesOf(turntaking.UpdateInterrupt)) == 1 })

	h.src.EmitAt("hold on a second please", true, started.Add(3500*time.Millisecond))
	eventually(t, "command", func() bool { return h.m.Snapshot().Command == "hold on a second please" })
	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := h.nextSubmit(t); got != "hold on a second please" {
		t.Errorf("submitted %q, want %q", got, "hold on a second please")
	}
}

func TestMachine_ExplicitStopDuringPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.speak(t, "A long answer.")

	if err := h.m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.sink.Active() {
		t.Error("playback still active")
	}
	if h.sink.Stops() != 1 {
		t.Errorf("sink stops = %d, want 1", h.sink.Stops())
	}
	h.waitMode(t, turntaking.Listening)
}

func TestMachine_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	for i := range 3 {
		if err := h.m.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if got := h.m.Snapshot().Mode; got != turntaking.Idle {
		t.Errorf("mode = %s, want idle", got)
	}
	if got := h.src.Stops(); got != 1 {
		t.Errorf("source stops = %d, want 1", got)
	}
}

func TestMachine_SinkUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sink.SetSpeakErr(errors.New("speaker unplugged"))

	err := h.m.DeliverReply(context.Background(), "hello")
	if !errors.Is(err, turntaking.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if got := h.m.Snapshot().Mode; got != turntaking.Listening {
		t.Errorf("mode = %s, want listening", got)
	}
}

func TestMachine_BargeInCaptureUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.m.DeliverReply(context.Background(), "hello"); err != nil {
		t.Fatalf("DeliverReply: %v", err)
	}
	h.src.SetStartErr(errors.New("busy"))
	h.sink.Started()

	eventually(t, "error update", func() bool { return len(h.updatesOf(turntaking.UpdateError)) == 1 })
	h.waitMode(t, turntaking.Speaking)
	if !h.sink.Active() {
		t.Error("playback stopped by capture failure")
	}

	// Natural finish still returns to listening once the device is back.
	h.src.SetStartErr(nil)
	h.sink.Finish()
	h.waitMode(t, turntaking.Listening)
}

func TestMachine_CaptureLostWhileListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.m.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("hey parley what", false)
	eventually(t, "transcript", func() bool { return h.m.Snapshot().Transcript != "" })

	cause := errors.New("recognizer closed")
	h.src.Fail(cause)

	eventually(t, "error update", func() bool { return len(h.updatesOf(turntaking.UpdateError)) == 1 })
	err := h.updatesOf(turntaking.UpdateError)[0].Err
	if !errors.Is(err, turntaking.ErrDeviceUnavailable) || !errors.Is(err, cause) {
		t.Errorf("error = %v, want device unavailable wrapping %v", err, cause)
	}
	snap := h.m.Snapshot()
	if snap.Mode != turntaking.Idle {
		t.Errorf("mode = %s, want idle", snap.Mode)
	}
	if snap.Transcript != "" {
		t.Errorf("transcript = %q, want cleared", snap.Transcript)
	}
	if active, _ := h.src.Active(); active {
		t.Error("capture still marked active")
	}

	// No automatic restart.
	time.Sleep(50 * time.Millisecond)
	if n := len(h.src.Starts()); n != 1 {
		t.Errorf("captures started = %d, want 1", n)
	}
	if got := h.m.Snapshot().Mode; got != turntaking.Idle {
		t.Errorf("mode after wait = %s, want idle", got)
	}
}

func TestMachine_BargeInCaptureLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := h.speak(t, "A long answer about the weather.")

	h.src.Fail(errors.New("device gone"))
	eventually(t, "error update", func() bool { return len(h.updatesOf(turntaking.UpdateError)) == 1 })
	h.waitMode(t, turntaking.Speaking)
	if !h.sink.Active() {
		t.Error("playback stopped by capture loss")
	}

	// Nothing is listening for interruptions any more.
	h.src.EmitAt("please stop now", true, started.Add(3*time.Second))
	time.Sleep(20 * time.Millisecond)
	if n := len(h.updatesOf(turntaking.UpdateInterrupt)); n != 0 {
		t.Errorf("interrupt updates = %d, want 0", n)
	}

	h.sink.Finish()
	h.waitMode(t, turntaking.Listening)
}

func TestMachine_SubmitFailureResumesListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithRequireWake(false))
	h.setSubmit(func(context.Context, string) error { return errors.New("backend down") })
	ctx := context.Background()

	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("what time is it", true)
	eventually(t, "command", func() bool { return h.m.Snapshot().Command != "" })
	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.nextSubmit(t)

	h.waitMode(t, turntaking.Listening)
	errs := h.updatesOf(turntaking.UpdateError)
	if len(errs) != 1 || errs[0].Err == nil || errs[0].Err.Error() != "backend down" {
		t.Errorf("error updates = %+v, want one backend error", errs)
	}
}

func TestMachine_OneSubmitAtATime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithRequireWake(false))
	release := make(chan struct{})
	h.setSubmit(func(context.Context, string) error { <-release; return nil })
	defer close(release)
	ctx := context.Background()

	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("first question", true)
	eventually(t, "command", func() bool { return h.m.Snapshot().Command != "" })
	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.nextSubmit(t)
	if !h.m.Snapshot().Submitting {
		t.Error("snapshot not submitting")
	}

	// The user can keep talking while the request is in flight.
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("second question", true)
	eventually(t, "command", func() bool { return h.m.Snapshot().Command == "second question" })
	if err := h.m.Send(ctx); !errors.Is(err, turntaking.ErrSubmitPending) {
		t.Errorf("err = %v, want ErrSubmitPending", err)
	}
}

func TestMachine_NewThreadDiscardsPendingSubmit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithRequireWake(false))
	release := make(chan struct{})
	h.setSubmit(func(context.Context, string) error {
		<-release
		return errors.New("late failure")
	})
	ctx := context.Background()

	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.src.Emit("tell me a story", true)
	eventually(t, "command", func() bool { return h.m.Snapshot().Command != "" })
	if err := h.m.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.nextSubmit(t)

	if err := h.m.NewThread(ctx); err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	snap := h.m.Snapshot()
	if snap.Mode != turntaking.Idle || snap.Submitting {
		t.Errorf("snapshot = %+v, want idle and not submitting", snap)
	}
	if n := len(h.updatesOf(turntaking.UpdateError)); n != 0 {
		t.Errorf("error updates = %d, want 0", n)
	}
}

func TestMachine_NewThreadStopsEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.speak(t, "Once upon a time.")

	if err := h.m.NewThread(context.Background()); err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if active, _ := h.src.Active(); active {
		t.Error("capture still active")
	}
	if h.sink.Active() {
		t.Error("playback still active")
	}
	snap := h.m.Snapshot()
	if snap.Mode != turntaking.Idle || snap.Transcript != "" {
		t.Errorf("snapshot = %+v, want idle with empty transcript", snap)
	}
	time.Sleep(30 * time.Millisecond)
	if got := h.m.Snapshot().Mode; got != turntaking.Idle {
		t.Errorf("mode = %s after reset, want idle", got)
	}
}

func TestMachine_IgnoresStaleCaptureEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithRequireWake(false))
	ctx := context.Background()
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	_, first := h.src.Active()
	if err := h.m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.m.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	h.src.EmitStale("from the old capture", first)
	h.src.Emit("current", true)
	eventually(t, "transcript", func() bool { return h.m.Snapshot().Transcript != "" })
	if got := h.m.Snapshot().Transcript; got != "current" {
		t.Errorf("transcript = %q, want %q", got, "current")
	}
}

func TestMachine_ClosedAfterRunReturns(t *testing.T) {
	t.Parallel()

	m := turntaking.New(mock.NewSource(), mock.NewSink(), func(context.Context, string) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := m.StartListening(context.Background()); !errors.Is(err, turntaking.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestMachine_InvalidTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if err := h.m.Send(ctx); !errors.Is(err, turntaking.ErrInvalidTransition) {
		t.Errorf("Send while idle: err = %v, want ErrInvalidTransition", err)
	}
	if err := h.m.DeliverReply(ctx, "hi"); err != nil {
		t.Fatalf("DeliverReply: %v", err)
	}
	if err := h.m.StartListening(ctx); !errors.Is(err, turntaking.ErrInvalidTransition) {
		t.Errorf("StartListening while speaking: err = %v, want ErrInvalidTransition", err)
	}
}

func TestMachine_CaptureAndPlaybackNeverOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, turntaking.WithRequireWake(false), turntaking.WithResumeDelay(time.Millisecond))
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	actions := []func(){
		func() { _ = h.m.StartListening(ctx) },
		func() { _ = h.m.Send(ctx) },
		func() { _ = h.m.Stop(ctx) },
		func() { _ = h.m.NewThread(ctx) },
		func() { _ = h.m.DeliverReply(ctx, "a reply") },
		func() { h.sink.StartedAt(time.Now().Add(-5 * time.Second)) },
		func() { h.sink.Finish() },
		func() { h.src.Emit("please stop talking now", true) },
		func() { h.src.Emit("uh", false) },
	}
	for range 400 {
		actions[rng.IntN(len(actions))]()
		if rng.IntN(4) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	// Let queued events drain through the loop.
	_ = h.m.Stop(ctx)

	if n := h.overlaps.Load(); n != 0 {
		t.Errorf("capture and playback overlapped outside barge-in %d times", n)
	}
	if n := len(h.updatesOf(turntaking.UpdateMode)); n == 0 {
		t.Error("random walk produced no transitions")
	}
}
