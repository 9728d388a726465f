// Package connwatch tracks whether a model provider is reachable.
//
// A Watcher probes one provider in two phases:
//  1. Startup: retries with exponential backoff until the first success
//     or until the retry budget runs out
//  2. Background: periodic polling that reports up/down transitions
//
// Reachability is informational. It feeds the status display and the
// activity feed; routing never consults it, so a turn still tries the
// local provider even while the watcher reports it down.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aigent/internal/events"
)

// ProbeFunc checks whether a provider is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first startup retry delay (default 1s)
	MaxDelay     time.Duration // ceiling for startup delays (default 30s)
	MaxRetries   int           // startup attempts before polling (default 5)
	PollInterval time.Duration // background check interval (default 30s)
	ProbeTimeout time.Duration // per-probe limit (default 5s)
}

// DefaultBackoff returns the schedule used for the local provider.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxRetries:   5,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures a Watcher.
type Config struct {
	// Provider names the watched provider in logs and events ("ollama").
	Provider string
	Probe    ProbeFunc
	Backoff  Backoff
	// Bus receives KindProviderUp and KindProviderDown events. Optional.
	Bus    *events.Bus
	Logger *slog.Logger
}

// Status is a point-in-time view of a provider's reachability.
type Status struct {
	Provider  string    `json:"provider"`
	Checked   bool      `json:"checked"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// String renders the status for a one-line display.
func (s Status) String() string {
	switch {
	case !s.Checked:
		return s.Provider + " checking"
	case s.Ready:
		return s.Provider + " up"
	default:
		return s.Provider + " down"
	}
}

// Watcher polls one provider until stopped.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Start launches a Watcher in a background goroutine. It runs until ctx
// is cancelled or Stop is called. Start panics on an empty Provider or a
// nil Probe.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Provider == "" {
		panic("connwatch: Config.Provider must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Provider: cfg.Provider},
	}
	go w.run(ctx)
	return w
}

// Status returns the latest probe result.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		if w.check(ctx) {
			w.cfg.Logger.Debug("provider reachable", "provider", w.cfg.Provider, "attempts", attempt)
			break
		}
		if attempt == b.MaxRetries {
			w.cfg.Logger.Info("provider unreachable, polling in background",
				"provider", w.cfg.Provider, "attempts", attempt)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result, and announces transitions.
// The first probe always announces so subscribers learn the initial
// state.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	prev := w.status
	w.status.Checked = true
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	if prev.Checked && prev.Ready == (err == nil) {
		return err == nil
	}

	if err == nil {
		w.cfg.Logger.Info("provider up", "provider", w.cfg.Provider)
		w.cfg.Bus.Emit(events.SourceConnwatch, events.KindProviderUp, map[string]any{
			"provider": w.cfg.Provider,
		})
		return true
	}
	w.cfg.Logger.Warn("provider down", "provider", w.cfg.Provider, "error", err)
	w.cfg.Bus.Emit(events.SourceConnwatch, events.KindProviderDown, map[string]any{
		"provider": w.cfg.Provider,
		"error":    err.Error(),
	})
	return false
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
