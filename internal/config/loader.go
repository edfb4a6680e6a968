package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/contextwin"
	"github.com/MrWong99/parley/internal/interrupt"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// DefaultWakePhrases are used when conversation.wake_phrases is empty.
var DefaultWakePhrases = []string{"hey parley", "hey parly", "hi parley", "hey barley", "a parley", "okay parley"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes the
// YAML strictly, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		// "$$" escapes a literal dollar.
		if key == "$" {
			return "$"
		}
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	v := &cfg.Voice
	if v.SampleRate == 0 {
		v.SampleRate = 48000
	}
	if v.Channels == 0 {
		v.Channels = 1
	}
	if v.STTSampleRate == 0 {
		v.STTSampleRate = 16000
	}

	c := &cfg.Conversation
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = 60 * time.Second
	}
	if len(c.WakePhrases) == 0 {
		c.WakePhrases = DefaultWakePhrases
	}
	if c.RequireWake == nil {
		require := true
		c.RequireWake = &require
	}

	tt := &cfg.TurnTaking
	if tt.CaptureDelay == 0 {
		tt.CaptureDelay = 300 * time.Millisecond
	}
	if tt.ResumeDelay == 0 {
		tt.ResumeDelay = 500 * time.Millisecond
	}

	ip := interrupt.DefaultPolicy()
	in := &cfg.Interruption
	if in.Grace == 0 {
		in.Grace = ip.Grace
	}
	if in.Debounce == 0 {
		in.Debounce = ip.Debounce
	}
	if in.Fillers == nil {
		in.Fillers = ip.Fillers
	}
	if in.MinWords == 0 {
		in.MinWords = ip.MinWords
	}
	if in.MinFinalChars == 0 {
		in.MinFinalChars = ip.MinFinalChars
	}
	if in.MinPartialChars == 0 {
		in.MinPartialChars = ip.MinPartialChars
	}

	cp := contextwin.DefaultPolicy()
	cw := &cfg.ContextWindow
	if cw.Budget == 0 {
		cw.Budget = contextwin.DefaultBudget
	}
	if cw.RecentTurns == 0 {
		cw.RecentTurns = cp.RecentTurns
	}
	if cw.MiddleTurns == 0 {
		cw.MiddleTurns = cp.MiddleTurns
	}
	if cw.MiddleStride == 0 {
		cw.MiddleStride = cp.MiddleStride
	}
	if cw.OlderStride == 0 {
		cw.OlderStride = cp.OlderStride
	}
	if cw.SparseStride == 0 {
		cw.SparseStride = cp.SparseStride
	}
	if cw.TurnOverhead == 0 {
		cw.TurnOverhead = cp.TurnOverhead
	}

	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	errs = append(errs, validateProvider("llm", "providers.llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("stt", "providers.stt", cfg.Providers.STT)...)
	errs = append(errs, validateProvider("tts", "providers.tts", cfg.Providers.TTS)...)
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; voice sessions are disabled, typed commands still work")
	}
	if cfg.Providers.STT.Name != "" && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required when providers.stt is configured"))
	}

	v := cfg.Voice
	if v.SpeedFactor != 0 && (v.SpeedFactor < 0.5 || v.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", v.SpeedFactor))
	}
	if v.SampleRate < 0 || v.STTSampleRate < 0 {
		errs = append(errs, errors.New("voice sample rates must be positive"))
	}
	if v.Channels < 0 || v.Channels > 2 {
		errs = append(errs, fmt.Errorf("voice.channels %d is invalid; valid values: 1, 2", v.Channels))
	}

	c := cfg.Conversation
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens must be >= 0, got %d", c.MaxTokens))
	}
	if c.BackendTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.backend_timeout must be >= 0, got %s", c.BackendTimeout))
	}
	if c.WakeFuzzyThreshold < 0 || c.WakeFuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("conversation.wake_fuzzy_threshold %.2f is out of range [0, 1]", c.WakeFuzzyThreshold))
	}

	tt := cfg.TurnTaking
	if tt.CaptureDelay < 0 || tt.ResumeDelay < 0 || tt.BargeInEndpointing < 0 {
		errs = append(errs, errors.New("turn_taking delays must be >= 0"))
	}

	if err := cfg.Interruption.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("interruption: %w", err))
	}
	if cfg.ContextWindow.Budget < 0 {
		errs = append(errs, fmt.Errorf("context_window.budget must be >= 0, got %d", cfg.ContextWindow.Budget))
	}
	if err := cfg.ContextWindow.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("context_window: %w", err))
	}

	return errors.Join(errs...)
}

func validateProvider(kind, path string, e ProviderEntry) []error {
	var errs []error
	warnUnknownProvider(kind, e.Name)
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("%s.fallbacks[%d]", path, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s: nested fallbacks are not supported", prefix))
		}
		warnUnknownProvider(kind, fb.Name)
	}
	return errs
}

// warnUnknownProvider logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func warnUnknownProvider(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
