// Package mock provides test doubles for turntaking.TranscriptSource and
// turntaking.SpeechSink.
//
// Both doubles emit events only when the test asks them to, so every
// transition in a test is explicit:
//
//	src.Emit("hey parley what time is it", true)
//	sink.Started()
//	sink.Finish()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/turntaking"
)

const eventBuffer = 64

// Source is a mock implementation of turntaking.TranscriptSource.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	events chan turntaking.TranscriptEvent
	id     uint64
	active bool
	starts []turntaking.CaptureMode
	stops  int
}

// NewSource returns an inactive source.
func NewSource() *Source {
	return &Source{events: make(chan turntaking.TranscriptEvent, eventBuffer)}
}

// Start records the mode and activates a new capture.
func (s *Source) Start(_ context.Context, mode turntaking.CaptureMode) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, mode)
	if s.StartErr != nil {
		return 0, s.StartErr
	}
	s.id++
	s.active = true
	return s.id, nil
}

// Stop deactivates the current capture. Repeated calls are no-ops.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.stops++
	}
	s.active = false
	return nil
}

// Events returns the event stream.
func (s *Source) Events() <-chan turntaking.TranscriptEvent { return s.events }

// Emit sends a transcript for the current capture stamped with time.Now.
func (s *Source) Emit(text string, final bool) {
	s.EmitAt(text, final, time.Now())
}

// EmitAt sends a transcript for the current capture with an explicit time.
func (s *Source) EmitAt(text string, final bool, at time.Time) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	s.events <- turntaking.TranscriptEvent{Text: text, IsFinal: final, At: at, Capture: id}
}

// Fail ends the current capture on its own, as a recognizer or device loss
// would. The capture stays active until the consumer calls Stop.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	s.events <- turntaking.TranscriptEvent{At: time.Now(), Capture: id, Err: err}
}

// EmitStale sends a transcript tagged with an explicit capture id.
func (s *Source) EmitStale(text string, capture uint64) {
	s.events <- turntaking.TranscriptEvent{Text: text, IsFinal: true, At: time.Now(), Capture: capture}
}

// SetStartErr changes StartErr under the lock.
func (s *Source) SetStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartErr = err
}

// Active reports whether a capture is running and its id.
func (s *Source) Active() (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.id
}

// Starts returns the capture modes of every Start call, failed ones included.
func (s *Source) Starts() []turntaking.CaptureMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]turntaking.CaptureMode, len(s.starts))
	copy(out, s.starts)
	return out
}

// Stops returns how many Stop calls actually stopped a capture.
func (s *Source) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

var _ turntaking.TranscriptSource = (*Source)(nil)

// Sink is a mock implementation of turntaking.SpeechSink.
type Sink struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	events chan turntaking.SinkEvent
	id     uint64
	active bool
	spoken []string
	stops  int
}

// NewSink returns an idle sink.
func NewSink() *Sink {
	return &Sink{events: make(chan turntaking.SinkEvent, eventBuffer)}
}

// Speak records text and starts a new utterance.
func (s *Sink) Speak(_ context.Context, text string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakErr != nil {
		return 0, s.SpeakErr
	}
	s.id++
	s.active = true
	s.spoken = append(s.spoken, text)
	return s.id, nil
}

// Stop ends the current utterance without a finished event.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.stops++
	}
	s.active = false
	return nil
}

// Events returns the event stream.
func (s *Sink) Events() <-chan turntaking.SinkEvent { return s.events }

// Started emits the started event for the current utterance.
func (s *Sink) Started() { s.StartedAt(time.Now()) }

// StartedAt emits the started event with an explicit time.
func (s *Sink) StartedAt(at time.Time) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	s.events <- turntaking.SinkEvent{Kind: turntaking.SinkStarted, Utterance: id, At: at}
}

// Finish ends the current utterance naturally and emits the finished event.
// Nothing is emitted if the utterance was stopped.
func (s *Sink) Finish() bool {
	s.mu.Lock()
	id, active := s.id, s.active
	s.active = false
	s.mu.Unlock()
	if !active {
		return false
	}
	s.events <- turntaking.SinkEvent{Kind: turntaking.SinkFinished, Utterance: id, At: time.Now()}
	return true
}

// SetSpeakErr changes SpeakErr under the lock.
func (s *Sink) SetSpeakErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakErr = err
}

// Active reports whether an utterance is playing.
func (s *Sink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Spoken returns every text passed to Speak.
func (s *Sink) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

// Stops returns how many Stop calls actually stopped playback.
func (s *Sink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

var _ turntaking.SpeechSink = (*Sink)(nil)
