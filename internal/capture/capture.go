// Package capture turns microphone audio into transcript events.
//
// A [Source] streams frames from an [audio.Device] into a speech-to-text
// session and forwards the session's partial and final transcripts as
// [turntaking.TranscriptEvent] values. One capture runs at a time; each Start
// gets a fresh id so the consumer can ignore events of stopped captures. A
// capture that ends without Stop reports why in a final event with Err set.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

var (
	// ErrRecognizerClosed ends a capture whose recognizer session went away.
	ErrRecognizerClosed = errors.New("capture: recognizer closed")

	// ErrInputClosed ends a capture whose device stopped delivering audio.
	ErrInputClosed = errors.New("capture: audio input closed")
)

// Option configures a [Source].
type Option func(*Source)

// WithStreamConfig sets the recognizer format and hints. Default 16 kHz mono.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(s *Source) { s.cfg = cfg }
}

// WithBargeInEndpointing overrides the endpointing of barge-in captures so
// interruptions finalize sooner. Zero keeps the stream default.
func WithBargeInEndpointing(d time.Duration) Option {
	return func(s *Source) { s.bargeIn = d }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source implements [turntaking.TranscriptSource] over an STT provider.
type Source struct {
	provider stt.Provider
	device   audio.Device
	cfg      stt.StreamConfig
	bargeIn  time.Duration
	now      func() time.Time
	log      *slog.Logger
	events   chan turntaking.TranscriptEvent

	mu     sync.Mutex
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

var _ turntaking.TranscriptSource = (*Source)(nil)

// New returns a Source reading from device.
func New(provider stt.Provider, device audio.Device, opts ...Option) *Source {
	s := &Source{
		provider: provider,
		device:   device,
		cfg:      stt.StreamConfig{SampleRate: 16000, Channels: 1},
		now:      time.Now,
		log:      slog.Default(),
		events:   make(chan turntaking.TranscriptEvent, 64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events implements [turntaking.TranscriptSource].
func (s *Source) Events() <-chan turntaking.TranscriptEvent { return s.events }

// Start opens a recognizer session and begins streaming device audio into it.
// A capture still running is stopped first.
func (s *Source) Start(ctx context.Context, mode turntaking.CaptureMode) (uint64, error) {
	if err := s.Stop(); err != nil {
		return 0, err
	}

	cfg := s.cfg
	if mode == turntaking.CaptureBargeIn && s.bargeIn > 0 {
		cfg.Endpointing = s.bargeIn
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess, err := s.provider.StartStream(runCtx, cfg)
	if err != nil {
		cancel()
		return 0, fmt.Errorf("capture: start stream: %w", err)
	}

	s.mu.Lock()
	s.id++
	id := s.id
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	log := s.log.With(slog.Uint64("capture", id), slog.String("mode", mode.String()))
	log.Debug("capture started")
	go s.pump(runCtx, id, sess, cfg, done, log)
	return id, nil
}

// Stop ends the running capture and waits until it released the device and
// the recognizer session. Safe to call when nothing runs.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Active reports whether a capture is running.
func (s *Source) Active() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (s *Source) pump(ctx context.Context, id uint64, sess stt.SessionHandle, cfg stt.StreamConfig, done chan struct{}, log *slog.Logger) {
	defer close(done)
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("close recognizer session", slog.Any("err", err))
		}
	}()

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}}
	input := s.device.Input()
	partials, finals := sess.Partials(), sess.Finals()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-input:
			if !ok {
				s.lost(ctx, id, ErrInputClosed, log)
				return
			}
			f := conv.Convert(frame)
			if len(f.Data) == 0 {
				continue
			}
			if err := sess.SendAudio(f.Data); err != nil {
				if errors.Is(err, stt.ErrSessionClosed) {
					err = ErrRecognizerClosed
				} else {
					err = fmt.Errorf("capture: send audio: %w", err)
				}
				s.lost(ctx, id, err, log)
				return
			}

		case t, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					s.lost(ctx, id, ErrRecognizerClosed, log)
					return
				}
				continue
			}
			s.emit(ctx, id, t)

		case t, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					s.lost(ctx, id, ErrRecognizerClosed, log)
					return
				}
				continue
			}
			s.emit(ctx, id, t)
		}
	}
}

// lost reports a capture that ended on its own. Stopped captures report
// nothing.
func (s *Source) lost(ctx context.Context, id uint64, err error, log *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	log.Warn("capture ended", slog.Any("err", err))
	select {
	case s.events <- turntaking.TranscriptEvent{At: s.now(), Capture: id, Err: err}:
	case <-ctx.Done():
	}
}

func (s *Source) emit(ctx context.Context, id uint64, t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	ev := turntaking.TranscriptEvent{Text: text, IsFinal: t.IsFinal, At: s.now(), Capture: id}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
