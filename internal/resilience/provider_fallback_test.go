package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: &llm.StatusError{Code: 503, Err: errors.New("overloaded")}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"}}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	fb.AddFallback("ollama", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Errorf("content = %q, want %q", resp.Content, "hello from secondary")
	}
	if n := len(primary.CompleteCalls()); n != 1 {
		t.Errorf("primary called %d times, want 1", n)
	}
}

func TestLLMFallback_AllFailKeepsStatus(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("dial tcp: connection refused")}
	secondary := &llmmock.Provider{CompleteErr: &llm.StatusError{Code: 429, Err: errors.New("rate limited")}}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var se *llm.StatusError
	if !errors.As(err, &se) || se.Code != 429 {
		t.Errorf("err = %v, want wrapped status 429", err)
	}
}

func TestLLMFallback_CapabilitiesAndBreakers(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{Caps: llm.Capabilities{ContextWindow: 128000}}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", &llmmock.Provider{})

	if got := fb.Capabilities().ContextWindow; got != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", got)
	}
	b := fb.Breakers()
	if len(b) != 2 || b[0].Name != "openai" || b[1].Name != "ollama" {
		t.Errorf("breakers = %+v", b)
	}
}

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errors.New("websocket: bad handshake")}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("deepgram-eu", secondary)

	sess, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != stt.SessionHandle(secondary.LastSession()) {
		t.Error("session did not come from the fallback")
	}
	if len(fb.Breakers()) != 2 {
		t.Errorf("breakers = %d, want 2", len(fb.Breakers()))
	}
}

func TestTTSFallback(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errors.New("401 unauthorized"), Rate: 22050}
	secondary := &ttsmock.Provider{Chunks: [][]byte{{1, 2}, {3, 4}}, Rate: 22050}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	if err := fb.AddFallback("elevenlabs-backup", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}
	if err := fb.AddFallback("other-rate", &ttsmock.Provider{Rate: 16000}); err == nil {
		t.Error("expected sample rate mismatch error")
	}
	if got := fb.SampleRate(); got != 22050 {
		t.Errorf("SampleRate = %d, want 22050", got)
	}

	text := make(chan string, 1)
	text <- "hello"
	close(text)
	audio, err := fb.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var n int
	for chunk := range audio {
		n += len(chunk)
	}
	if n != 4 {
		t.Errorf("received %d bytes, want 4", n)
	}
}
