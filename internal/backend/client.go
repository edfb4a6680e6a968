// Package backend sends assembled prompts to a language model and sorts every
// failure into one of three kinds: the backend could not be reached, it
// answered with a non-success status, or its answer could not be used.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

var (
	// ErrUnreachable covers transport failures, timeouts and open circuit
	// breakers.
	ErrUnreachable = errors.New("backend: unreachable")

	// ErrBadStatus matches every [*StatusError].
	ErrBadStatus = errors.New("backend: bad status")

	// ErrDecodeFailure covers malformed or empty replies.
	ErrDecodeFailure = errors.New("backend: decode failure")
)

// StatusError is a non-success status from the backend.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: bad status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBadStatus) hold for any status.
func (e *StatusError) Is(target error) bool { return target == ErrBadStatus }

// Option configures a [Client].
type Option func(*Client)

// WithProviderName labels metrics and spans. Default "llm".
func WithProviderName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTimeout bounds each completion. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithSystemPrompt sets the system instruction sent with every prompt.
func WithSystemPrompt(p string) Option {
	return func(c *Client) { c.systemPrompt = p }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps the reply length. Zero uses the provider default.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithMetrics records call latency and outcome.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client completes prompts through an [llm.Provider].
type Client struct {
	provider     llm.Provider
	name         string
	timeout      time.Duration
	systemPrompt string
	temperature  float64
	maxTokens    int
	metrics      *observe.Metrics
	log          *slog.Logger
}

// New wraps provider.
func New(provider llm.Provider, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		name:        "llm",
		timeout:     60 * time.Second,
		temperature: 0.7,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Complete sends prompt as a single user message and returns the trimmed
// reply. Errors match [ErrUnreachable], [ErrBadStatus] or [ErrDecodeFailure];
// cancellation of ctx is returned as is.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "backend.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.provider", c.name),
		attribute.Int("backend.prompt_chars", len(prompt)),
	)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})

	var reply string
	if err == nil {
		if resp != nil {
			reply = strings.TrimSpace(resp.Content)
		}
		if reply == "" {
			err = fmt.Errorf("%w: empty reply", ErrDecodeFailure)
		}
	} else {
		err = classify(err)
	}

	status := statusLabel(err)
	if c.metrics != nil {
		c.metrics.RecordBackend(ctx, c.name, status, time.Since(start))
		c.metrics.RecordProviderRequest(ctx, c.name, "llm", status)
		if err != nil && status != "canceled" {
			c.metrics.RecordProviderError(ctx, c.name, "llm")
		}
	}
	if err != nil {
		observe.Fail(span, err, status)
		if status != "canceled" {
			observe.WithTrace(ctx, c.log).Warn("backend completion failed", "provider", c.name, "status", status, "err", err)
		}
		return "", err
	}
	return reply, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var se *llm.StatusError
	if errors.As(err, &se) {
		return &StatusError{Code: se.Code, Err: err}
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.Is(err, llm.ErrEmptyResponse) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}

	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrBadStatus):
		return "bad_status"
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	default:
		return "unreachable"
	}
}
