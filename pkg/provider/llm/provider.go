// Package llm defines the Provider interface for language-model backends.
//
// A backend receives one assembled prompt per user command and returns one
// complete reply. Replies are not streamed: the conversation engine treats a
// completion as an opaque string that arrives at a discrete time.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role values for [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message sent to the backend.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the message text.
	Content string
}

// CompletionRequest holds the inputs for a single completion call.
type CompletionRequest struct {
	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation sent to the model. The conversation
	// engine sends exactly one user message carrying the assembled context.
	Messages []Message

	// Temperature controls randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int
}

// Usage reports token consumption for one call, if the provider returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of a successful completion.
type CompletionResponse struct {
	// Content is the reply text.
	Content string

	// FinishReason is the provider-reported stop reason, if any.
	FinishReason string

	// Usage is zero when the provider does not report token counts.
	Usage Usage
}

// Capabilities describes limits of the configured model.
type Capabilities struct {
	ContextWindow   int
	MaxOutputTokens int
}

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// Complete sends req and blocks until the full reply is available or ctx
	// is done.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities reports the limits of the configured model.
	Capabilities() Capabilities
}

// ErrEmptyResponse is returned when the backend answered successfully but the
// body contained no usable reply.
var ErrEmptyResponse = errors.New("llm: empty response")

// StatusError reports a non-success HTTP status returned by the backend.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("llm: backend returned status %d", e.Code)
	}
	return fmt.Sprintf("llm: backend returned status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
