// Package playback speaks text through a TTS provider onto an audio device.
//
// A [Sink] reports when an utterance starts to play and when it played to
// the end. The finished event is held back until the audio's real-time
// duration has elapsed, so listeners can still interrupt the tail of a reply.
// A stopped utterance never reports finished.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Option configures a [Sink].
type Option func(*Sink)

// WithVoice selects the TTS voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Sink) { s.voice = v }
}

// WithoutPacing reports finished as soon as the last chunk was handed to the
// device.
func WithoutPacing() Option {
	return func(s *Sink) { s.pace = false }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithMetrics records time to first audio.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// Sink implements [turntaking.SpeechSink].
type Sink struct {
	provider tts.Provider
	device   audio.Device
	voice    tts.VoiceProfile
	pace     bool
	now      func() time.Time
	metrics  *observe.Metrics
	log      *slog.Logger
	events   chan turntaking.SinkEvent

	mu     sync.Mutex
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

var _ turntaking.SpeechSink = (*Sink)(nil)

// New returns a Sink writing to device.
func New(provider tts.Provider, device audio.Device, opts ...Option) *Sink {
	s := &Sink{
		provider: provider,
		device:   device,
		pace:     true,
		now:      time.Now,
		log:      slog.Default(),
		events:   make(chan turntaking.SinkEvent, 64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events implements [turntaking.SpeechSink].
func (s *Sink) Events() <-chan turntaking.SinkEvent { return s.events }

// Speak synthesizes text and plays it. An utterance still playing is stopped
// first. The error reports a stream that could not be opened.
func (s *Sink) Speak(ctx context.Context, text string) (uint64, error) {
	if err := s.Stop(); err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sentences := splitSentences(text)
	textCh := make(chan string, len(sentences))
	for _, sentence := range sentences {
		textCh <- sentence
	}
	close(textCh)

	requested := time.Now()
	pcm, err := s.provider.SynthesizeStream(runCtx, textCh, s.voice)
	if err != nil {
		cancel()
		return 0, fmt.Errorf("playback: synthesize: %w", err)
	}

	s.mu.Lock()
	s.id++
	id := s.id
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	log := s.log.With(slog.Uint64("utterance", id))
	log.Debug("utterance queued", slog.Int("sentences", len(sentences)))
	go s.play(runCtx, id, pcm, requested, done, log)
	return id, nil
}

// Stop cuts the current utterance and waits until it stopped writing to the
// device. The stopped utterance will not report finished: an utterance that
// has reported finished is no longer current, so Stop has nothing to cut.
// Safe to call when nothing plays.
func (s *Sink) Stop() error {
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

// Active reports whether an utterance is playing.
func (s *Sink) Active() bool {
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

func (s *Sink) play(ctx context.Context, id uint64, pcm <-chan []byte, requested time.Time, done chan struct{}, log *slog.Logger) {
	defer close(done)
	defer func() {
		// A stopped synthesizer may still be sending.
		if ctx.Err() != nil {
			go audio.Drain(pcm)
		}
	}()

	src := audio.Format{SampleRate: s.provider.SampleRate(), Channels: 1}
	conv := &audio.FormatConverter{Target: s.device.Format()}
	out := s.device.Output()

	var (
		started   bool
		startedAt time.Time
		length    time.Duration
	)
	start := func() bool {
		started = true
		startedAt = time.Now()
		if s.metrics != nil {
			s.metrics.TTSFirstAudio.Record(ctx, startedAt.Sub(requested).Seconds())
		}
		return s.emit(ctx, turntaking.SinkStarted, id)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-pcm:
			if !ok {
				break loop
			}
			if !started && !start() {
				return
			}
			f := conv.Convert(audio.Frame{Data: chunk, SampleRate: src.SampleRate, Channels: 1})
			if len(f.Data) == 0 {
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
			length += audio.Duration(chunk, src)
		}
	}
	if ctx.Err() != nil {
		return
	}
	if !started && !start() {
		return
	}

	if s.pace {
		if wait := time.Until(startedAt.Add(length)); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
	}
	cancel, ok := s.release(done)
	if !ok {
		return
	}
	defer cancel()
	log.Debug("utterance finished", slog.Duration("length", length))
	s.emit(ctx, turntaking.SinkFinished, id)
}

// release detaches the utterance owning done so a later Stop no longer
// applies to it. It reports false when Stop claimed the utterance first.
func (s *Sink) release(done chan struct{}) (context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return nil, false
	}
	cancel := s.cancel
	s.cancel, s.done = nil, nil
	return cancel, true
}

// emit reports false when ctx ended before the event was delivered. Nothing
// is sent once ctx has ended, even if the events channel has room.
func (s *Sink) emit(ctx context.Context, kind turntaking.SinkEventKind, id uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- turntaking.SinkEvent{Kind: kind, Utterance: id, At: s.now()}:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitSentences cuts text after sentence-ending punctuation that is
// followed by whitespace. Fragments keep their punctuation and are trimmed.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if frag := strings.TrimSpace(string(runes[start : i+1])); frag != "" {
			out = append(out, frag)
		}
		start = i + 1
	}
	if frag := strings.TrimSpace(string(runes[start:])); frag != "" {
		out = append(out, frag)
	}
	return out
}
