// Package mock provides test doubles for stt.Provider and stt.SessionHandle.
//
// Provider opens a fresh Session on every StartStream call. Tests push
// transcripts into a session with Emit and inspect the audio it received.
//
//	p := &mock.Provider{}
//	h, _ := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
//	p.LastSession().Emit(stt.Transcript{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	calls    []StartStreamCall
	sessions []*Session
}

// StartStream records the call and returns a new Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Calls returns a copy of the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// LastSession returns the most recently opened session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// SetStartErr changes StartStreamErr under the lock.
func (p *Provider) SetStartErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    [][]byte
	closed   bool
	closes   int
}

// NewSession returns an open Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// Emit delivers t on Partials or Finals according to t.IsFinal. It is a
// no-op after Close.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t.IsFinal {
		s.finals <- t
	} else {
		s.partials <- t
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Audio returns the chunks received so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close closes both transcript channels once and counts every call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.SessionHandle = (*Session)(nil)
