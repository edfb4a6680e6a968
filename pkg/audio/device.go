// Package audio defines the PCM frame type, the Device abstraction that
// connects the engine to a microphone and a speaker, and format conversion
// helpers.
//
// All PCM in this module is 16-bit signed little-endian, interleaved when
// there is more than one channel.
package audio

import "time"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is one chunk of PCM flowing through the pipeline.
type Frame struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture offset relative to stream start, if known.
	Timestamp time.Duration
}

// Format returns the frame's format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Device is a full-duplex audio endpoint such as a browser connected over
// WebSocket or a local sound card.
//
// Input frames are produced by the device whether or not anyone is listening;
// implementations drop frames rather than block when the consumer is slow.
// Writes to Output must not block indefinitely; implementations drop frames
// when their buffer is full.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Input delivers microphone frames. The channel is closed when the device
	// goes away.
	Input() <-chan Frame

	// Output accepts frames to play.
	Output() chan<- Frame

	// Format is the device's native playback format.
	Format() Format
}

// Drain reads from ch until it is closed, discarding all values.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
