// Package app wires the Parley subsystems into a running server.
//
// The App owns the full lifecycle: New opens the thread store and builds the
// backend client and HTTP routes, Run serves until the context is cancelled,
// and Shutdown drains voice sessions and releases everything in order.
//
// For testing, inject doubles via functional options (WithStore, WithMetrics,
// ...). When an option is not provided, New creates real implementations from
// the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/contextwin"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/interrupt"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/thread"
	"github.com/MrWong99/parley/pkg/thread/memstore"
	"github.com/MrWong99/parley/pkg/thread/postgres"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Breakers reports the circuit breakers of every provider wrapped in a
	// fallback group. Nil when no fallbacks are configured.
	Breakers func() []resilience.BreakerStatus
}

// Store is a thread store the app can health-check.
type Store interface {
	thread.Store
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes and serves the voice and thread APIs.
type App struct {
	cfg       *config.Config
	providers *Providers
	store     Store
	backend   *backend.Client
	metrics   *observe.Metrics
	scrape    http.Handler
	log       *slog.Logger

	settings atomic.Pointer[settings]

	mu    sync.Mutex
	users map[string]*user

	// voices counts running voice sessions so Shutdown can wait for them.
	voices sync.WaitGroup

	handler http.Handler
	server  *http.Server

	// baseCtx parents every request; cancelling it ends hijacked voice
	// connections that http.Server.Shutdown does not track.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// drainTimeout bounds how long Serve waits for in-flight requests once its
// context is cancelled. Voice connections are not included.
const drainTimeout = 10 * time.Second

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a thread store instead of creating one from config.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records to t's instruments and serves its scrape endpoint at
// telemetry.metrics_path. Without it there is no scrape endpoint.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.scrape = t.Handler()
	}
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// settings are the hot-reloadable knobs. Voice sessions copy them when they
// open; thread submits read the builder on every call.
type settings struct {
	interrupt    interrupt.Policy
	builder      *contextwin.Builder
	wakePhrases  []string
	wakeFuzzy    float64
	requireWake  bool
	autoSubmit   bool
	captureDelay time.Duration
	resumeDelay  time.Duration
	bargeIn      time.Duration
}

func newSettings(cfg *config.Config) *settings {
	requireWake := true
	if cfg.Conversation.RequireWake != nil {
		requireWake = *cfg.Conversation.RequireWake
	}
	return &settings{
		interrupt:    cfg.Interruption.Policy(),
		builder:      contextwin.New(cfg.ContextWindow.Budget, contextwin.WithPolicy(cfg.ContextWindow.Policy())),
		wakePhrases:  cfg.Conversation.WakePhrases,
		wakeFuzzy:    cfg.Conversation.WakeFuzzyThreshold,
		requireWake:  requireWake,
		autoSubmit:   cfg.Conversation.AutoSubmit,
		captureDelay: cfg.TurnTaking.CaptureDelay,
		resumeDelay:  cfg.TurnTaking.ResumeDelay,
		bargeIn:      cfg.TurnTaking.BargeInEndpointing,
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). An LLM is required;
// voice sessions additionally need STT and TTS.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		users:     make(map[string]*user),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	a.settings.Store(newSettings(cfg))

	// ── 1. Thread store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Backend ───────────────────────────────────────────────────────
	conv := cfg.Conversation
	a.backend = backend.New(providers.LLM,
		backend.WithProviderName(cfg.Providers.LLM.Name),
		backend.WithTimeout(conv.BackendTimeout),
		backend.WithSystemPrompt(conv.SystemPrompt),
		backend.WithTemperature(conv.Temperature),
		backend.WithMaxTokens(conv.MaxTokens),
		backend.WithMetrics(a.metrics),
		backend.WithLogger(a.log),
	)

	// ── 3. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()
	return a, nil
}

// initStore opens PostgreSQL when a DSN is configured and falls back to the
// in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.log.Info("storage.postgres_dsn not set, threads are kept in memory")
		a.store = memstore.New()
		return nil
	}
	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{health.PingCheck("store", a.store)}
	if a.providers.Breakers != nil {
		checks = append(checks, health.BreakerCheck("providers", a.providers.Breakers))
	}
	health.New(checks...).Register(mux)
	quiet := []string{"GET /healthz", "GET /readyz"}
	if path := a.cfg.Telemetry.MetricsPath; path != "" && a.scrape != nil {
		mux.Handle("GET "+path, a.scrape)
		quiet = append(quiet, "GET "+path)
	}

	var opener bridge.Opener
	if a.providers.STT != nil && a.providers.TTS != nil {
		opener = a
	} else {
		a.log.Info("stt or tts not configured, voice sessions disabled")
	}
	bridge.New(opener, a,
		bridge.WithDeviceFormat(audio.Format{SampleRate: a.cfg.Voice.SampleRate, Channels: a.cfg.Voice.Channels}),
		bridge.WithLogger(a.log),
	).Register(mux)

	return observe.Middleware(a.metrics,
		observe.WithQuietRoutes(quiet...),
		observe.WithRequestLogger(a.log),
	)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is cancelled
// or the server fails. Call Shutdown afterwards to release resources.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}
	srv := a.server
	a.mu.Unlock()

	a.log.Info("listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn("http drain incomplete", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable part of a config change. Running
// voice sessions keep their turn-taking policy; sessions opened afterwards
// use the new one. The context window applies to the next submit of every
// user.
func (a *App) ApplyConfig(cfg *config.Config, diff config.ConfigDiff) {
	next := newSettings(cfg)
	a.settings.Store(next)
	a.mu.Lock()
	if diff.ContextWindowChanged {
		for _, u := range a.users {
			u.orch.SetBuilder(next.builder)
		}
	}
	a.mu.Unlock()
	a.log.Info("config applied",
		"interruption", diff.InterruptionChanged,
		"context_window", diff.ContextWindowChanged,
		"wake", diff.WakeChanged,
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends all voice sessions and tears down subsystems in order. It
// respects the context deadline: if ctx expires before everything finished,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		// Voice connections are hijacked; end them explicitly. Holding mu
		// orders the cancel before any later OpenVoice check.
		a.mu.Lock()
		a.cancelBase()
		a.mu.Unlock()
		drained := make(chan struct{})
		go func() {
			a.voices.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded waiting for voice sessions")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// voiceProfile converts the voice config to a tts.VoiceProfile.
func voiceProfile(cfg *config.Config) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          cfg.Voice.VoiceID,
		Provider:    cfg.Providers.TTS.Name,
		SpeedFactor: cfg.Voice.SpeedFactor,
	}
}

// sttConfig converts the voice config to the recognizer stream format. The
// wake phrases are boosted so they survive recognition.
func sttConfig(cfg *config.Config, wake []string) stt.StreamConfig {
	sc := stt.StreamConfig{
		SampleRate: cfg.Voice.STTSampleRate,
		Channels:   1,
		Language:   cfg.Voice.Language,
	}
	for _, p := range wake {
		sc.Keywords = append(sc.Keywords, stt.KeywordBoost{Keyword: p, Boost: 1.5})
	}
	return sc
}
