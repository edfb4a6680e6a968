package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload is one accepted change of the watched file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file for edits. An edit is accepted when the file
// parses and validates and its [Diff] against the current config is non-empty.
// A rejected edit is logged and the current config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger. Default [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and returns a watcher positioned on it.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "config", "path", path)

	data, mod, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	w.current, w.modTime, w.sum = cfg, mod, sha256.Sum256(data)
	return w, nil
}

// Current returns the config currently in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, handing every accepted change to apply. apply
// runs on the polling goroutine; the next poll waits for it.
func (w *Watcher) Run(ctx context.Context, apply func(Reload)) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		r, ok, err := w.Check()
		if err != nil {
			w.log.Warn("config reload rejected", "err", err)
			continue
		}
		if ok {
			w.log.Info("config reloaded",
				"log_level", r.Diff.LogLevelChanged,
				"interruption", r.Diff.InterruptionChanged,
				"context_window", r.Diff.ContextWindowChanged,
				"wake", r.Diff.WakeChanged,
				"restart_required", r.Diff.RestartRequired,
			)
			apply(r)
		}
	}
}

// Check polls the file once. ok is false when nothing relevant changed. An
// error means the file changed but cannot be used; the current config is
// kept.
func (w *Watcher) Check() (r Reload, ok bool, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return Reload{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if info.ModTime().Equal(w.modTime) {
		return Reload{}, false, nil
	}
	data, mod, err := w.read()
	if err != nil {
		return Reload{}, false, err
	}
	sum := sha256.Sum256(data)
	if sum == w.sum {
		w.modTime = mod
		return Reload{}, false, nil
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return Reload{}, false, err
	}

	w.modTime, w.sum = mod, sum
	diff := Diff(w.current, cfg)
	if !diff.Changed() {
		return Reload{}, false, nil
	}
	r = Reload{Old: w.current, New: cfg, Diff: diff}
	w.current = cfg
	return r, true, nil
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, time.Time{}, err
	}
	return buf.Bytes(), info.ModTime(), nil
}
