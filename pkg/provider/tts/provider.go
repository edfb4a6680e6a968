// Package tts defines the Provider interface for text-to-speech backends.
//
// Providers stream: text fragments go in on a channel and 16-bit little-endian
// mono PCM chunks come out as soon as the backend produces them.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream reads text fragments until text is closed and emits PCM
	// chunks. The returned channel is closed when synthesis completes or ctx is
	// done. An error is returned only if the stream cannot be opened.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available to the configured account.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// SampleRate is the rate of the emitted PCM in Hz.
	SampleRate() int
}
