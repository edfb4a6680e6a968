package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several
// synthesizers. All entries must produce the same sample rate so playback
// never has to renegotiate the output format mid-session.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another synthesizer. It fails if the fallback's sample
// rate differs from the primary's.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) error {
	if want, got := f.SampleRate(), provider.SampleRate(); got != want {
		return fmt.Errorf("resilience: tts fallback %q: sample rate %d Hz, primary uses %d Hz", name, got, want)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// SynthesizeStream starts synthesis on the first healthy provider. Only setup
// fails over; once audio flows, errors end the stream.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// SampleRate returns the primary's output rate, shared by every entry.
func (f *TTSFallback) SampleRate() int { return f.group.Primary().SampleRate() }

// Breakers reports every synthesizer's breaker state.
func (f *TTSFallback) Breakers() []BreakerStatus { return f.group.Breakers() }
