// Package bridge exposes voice sessions over WebSocket and a user's threads
// over a small JSON API.
//
// Routes registered by [Handler.Register]:
//
//	GET  /v1/voice?user={user}                        WebSocket voice session
//	GET  /v1/users/{user}/threads                     list threads
//	POST /v1/users/{user}/threads                     start a new thread
//	POST /v1/users/{user}/threads/{id}/activate       switch to a thread
//	GET  /v1/users/{user}/threads/active/turns        active thread and its turns
//	POST /v1/users/{user}/messages                    typed command
//
// A voice connection carries raw PCM (16-bit little-endian, in the format
// announced by the "ready" message) as binary frames in both directions.
// Text frames are JSON: controls from the client, status from the server.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/thread"
)

// Voice is one live voice session.
type Voice interface {
	// Run drives the session until ctx is cancelled.
	Run(ctx context.Context) error

	StartListening(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context) error

	// NewThread starts a fresh thread and resets capture and playback.
	NewThread(ctx context.Context) error

	// Say submits typed text. The reply is spoken like a voice reply.
	Say(ctx context.Context, text string) error

	Snapshot() turntaking.Snapshot
}

// Opener creates voice sessions bound to a device. observer receives status
// updates and must not block.
type Opener interface {
	OpenVoice(ctx context.Context, userID string, dev audio.Device, observer func(turntaking.Update)) (Voice, error)
}

// Threads is the per-user thread API.
type Threads interface {
	Threads(ctx context.Context, userID string) ([]thread.Thread, error)
	History(ctx context.Context, userID string) (thread.Thread, []thread.Turn, error)
	NewThread(ctx context.Context, userID string) (thread.Thread, error)
	SwitchThread(ctx context.Context, userID, threadID string) (thread.Thread, error)
	Submit(ctx context.Context, userID, text string) (thread.Turn, error)
}

var errBadControl = errors.New("bridge: bad control message")

const (
	defaultInputBuffer  = 64
	defaultStatusBuffer = 32
)

// Option configures a [Handler].
type Option func(*Handler)

// WithDeviceFormat sets the PCM format of voice connections. Default 48kHz
// mono.
func WithDeviceFormat(f audio.Format) Option {
	return func(h *Handler) { h.format = f }
}

// WithInputBuffer sets how many microphone frames are buffered before new
// ones are dropped. Default 64.
func WithInputBuffer(n int) Option {
	return func(h *Handler) { h.inputBuffer = n }
}

// WithAcceptOptions sets the WebSocket handshake options, e.g. allowed
// origins.
func WithAcceptOptions(o *websocket.AcceptOptions) Option {
	return func(h *Handler) { h.accept = o }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler serves the voice and thread endpoints.
type Handler struct {
	opener      Opener
	threads     Threads
	format      audio.Format
	inputBuffer int
	accept      *websocket.AcceptOptions
	log         *slog.Logger
}

// New returns a handler. opener may be nil when voice is not configured, in
// which case /v1/voice answers 503.
func New(opener Opener, threads Threads, opts ...Option) *Handler {
	h := &Handler{
		opener:      opener,
		threads:     threads,
		format:      audio.Format{SampleRate: 48000, Channels: 1},
		inputBuffer: defaultInputBuffer,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("component", "bridge")
	return h
}

// Register adds the bridge routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/voice", h.serveVoice)
	mux.HandleFunc("GET /v1/users/{user}/threads", h.listThreads)
	mux.HandleFunc("POST /v1/users/{user}/threads", h.newThread)
	mux.HandleFunc("POST /v1/users/{user}/threads/{id}/activate", h.activateThread)
	mux.HandleFunc("GET /v1/users/{user}/threads/active/turns", h.activeTurns)
	mux.HandleFunc("POST /v1/users/{user}/messages", h.submit)
}

// ── Error mapping ────────────────────────────────────────────────────────────

// classify maps an error to the code sent to clients and an HTTP status.
func classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, errBadControl):
		return "bad_request", http.StatusBadRequest
	case errors.Is(err, conversation.ErrEmptyCommand):
		return "empty_command", http.StatusBadRequest
	case errors.Is(err, conversation.ErrSubmitInFlight), errors.Is(err, turntaking.ErrSubmitPending):
		return "busy", http.StatusConflict
	case errors.Is(err, conversation.ErrThreadSwitched):
		return "thread_switched", http.StatusConflict
	case errors.Is(err, turntaking.ErrNothingToSend):
		return "nothing_to_send", http.StatusBadRequest
	case errors.Is(err, turntaking.ErrInvalidTransition):
		return "invalid_transition", http.StatusConflict
	case errors.Is(err, turntaking.ErrDeviceUnavailable):
		return "device_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, thread.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, backend.ErrUnreachable):
		return "backend_unreachable", http.StatusBadGateway
	case errors.Is(err, backend.ErrBadStatus):
		return "backend_status", http.StatusBadGateway
	case errors.Is(err, backend.ErrDecodeFailure):
		return "backend_decode", http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled", http.StatusServiceUnavailable
	default:
		return "internal", http.StatusInternalServerError
	}
}
