// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider opens a streaming session that accepts raw PCM and emits two
// transcript streams: partials, which may still be revised, and finals, which
// are stable for their utterance segment.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag. Empty lets the provider decide.
	Language string

	// Keywords boosts recognition of uncommon words such as the wake phrase.
	Keywords []KeywordBoost

	// Endpointing is the silence the provider waits before finalising a
	// segment. Zero leaves the provider default.
	Endpointing time.Duration
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when done. After Close returns, Partials and Finals
// are closed. Close is idempotent.
type SessionHandle interface {
	// SendAudio delivers a chunk of PCM matching the StreamConfig format.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts.
	Partials() <-chan Transcript

	// Finals emits committed transcripts.
	Finals() <-chan Transcript

	// Close ends the session and releases its resources.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new session. It fails if the backend cannot be
	// reached or rejects the configuration.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
