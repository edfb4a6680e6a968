package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// recognizers. Only stream setup fails over; an open session stays with the
// provider that accepted it.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another recognizer.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a session on the first healthy recognizer.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Breakers reports every recognizer's breaker state.
func (f *STTFallback) Breakers() []BreakerStatus { return f.group.Breakers() }
