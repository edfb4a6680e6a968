// Package mock provides a test double for the tts.Provider interface.
//
//	p := &mock.Provider{Chunks: [][]byte{pcm1, pcm2}, Rate: 16000}
//	audio, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeCall records one SynthesizeStream invocation. Text is filled in
// once the caller closes its text channel.
type SynthesizeCall struct {
	Voice tts.VoiceProfile
	Text  string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted in order on every SynthesizeStream call after the
	// text channel closes.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	// Hold, if non-nil, delays emission of the first chunk until it is closed
	// or the stream context ends.
	Hold chan struct{}

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// Rate is returned by SampleRate; zero means 16000.
	Rate int

	calls []SynthesizeCall
}

// SynthesizeStream records the call and emits Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	hold := p.Hold
	idx := len(p.calls)
	p.calls = append(p.calls, SynthesizeCall{Voice: voice})
	p.mu.Unlock()

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		var sb strings.Builder
		for s := range text {
			sb.WriteString(s)
		}
		p.mu.Lock()
		p.calls[idx].Text = sb.String()
		p.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// SampleRate returns Rate, defaulting to 16000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ tts.Provider = (*Provider)(nil)
