package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New("test-key", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Sure thing."}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	})

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "turn on the lights"}},
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Sure thing." {
		t.Errorf("content: got %q, want %q", resp.Content, "Sure thing.")
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens: got %d, want 15", resp.Usage.TotalTokens)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages sent: got %d, want 2", len(msgs))
	}
}

func TestComplete_StatusError(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	var statusErr *llm.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("want *llm.StatusError, got %T (%v)", err, err)
	}
	if statusErr.Code != http.StatusServiceUnavailable {
		t.Errorf("code: got %d, want %d", statusErr.Code, http.StatusServiceUnavailable)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[]}`)
	})

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("want ErrEmptyResponse, got %v", err)
	}
}

func TestBuildParams_UnknownRole(t *testing.T) {
	t.Parallel()
	p, _ := New("k", "gpt-4o")
	_, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model      string
		wantWindow int
		wantOutput int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o3-mini", 200_000, 100_000},
		{"some-local-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			got := modelCapabilities(tt.model)
			if got.ContextWindow != tt.wantWindow || got.MaxOutputTokens != tt.wantOutput {
				t.Errorf("got %+v, want window=%d output=%d", got, tt.wantWindow, tt.wantOutput)
			}
		})
	}
}
