package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/aigent/internal/events"
)

func testBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestDefaultBackoff(t *testing.T) {
	got := Backoff{}.withDefaults()
	if got != DefaultBackoff() {
		t.Errorf("zero Backoff defaults = %+v, want %+v", got, DefaultBackoff())
	}

	custom := Backoff{MaxRetries: 2}.withDefaults()
	if custom.MaxRetries != 2 || custom.PollInterval != DefaultBackoff().PollInterval {
		t.Errorf("partial defaults = %+v", custom)
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Status{Provider: "ollama"}, "ollama checking"},
		{Status{Provider: "ollama", Checked: true, Ready: true}, "ollama up"},
		{Status{Provider: "ollama", Checked: true}, "ollama down"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	w := Start(t.Context(), Config{
		Provider: "ollama",
		Probe:    func(context.Context) error { return nil },
		Backoff:  testBackoff(),
		Bus:      bus,
		Logger:   discardLogger(),
	})
	defer w.Stop()

	e := nextEvent(t, ch)
	if e.Source != events.SourceConnwatch || e.Kind != events.KindProviderUp {
		t.Errorf("event = %s/%s, want connwatch/provider_up", e.Source, e.Kind)
	}
	if e.Data["provider"] != "ollama" {
		t.Errorf("provider = %v", e.Data["provider"])
	}

	st := w.Status()
	if !st.Checked || !st.Ready || st.LastError != "" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	w := Start(t.Context(), Config{
		Provider: "ollama",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
		Logger:  discardLogger(),
	})
	defer w.Stop()

	waitFor(t, "ready", func() bool { return w.Status().Ready })
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want at least 4", n)
	}
}

func TestWatcher_DownThenRecovered(t *testing.T) {
	var healthy atomic.Bool
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	w := Start(t.Context(), Config{
		Provider: "ollama",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		},
		Backoff: testBackoff(),
		Bus:     bus,
		Logger:  discardLogger(),
	})
	defer w.Stop()

	e := nextEvent(t, ch)
	if e.Kind != events.KindProviderDown {
		t.Fatalf("first event = %s, want provider_down", e.Kind)
	}
	if e.Data["error"] != "connection refused" {
		t.Errorf("error = %v", e.Data["error"])
	}
	if st := w.Status(); st.Ready || st.LastError != "connection refused" {
		t.Errorf("Status() = %+v", st)
	}

	healthy.Store(true)
	e = nextEvent(t, ch)
	if e.Kind != events.KindProviderUp {
		t.Errorf("second event = %s, want provider_up", e.Kind)
	}
	waitFor(t, "ready", func() bool { return w.Status().Ready })
}

func TestWatcher_NoRepeatedEvents(t *testing.T) {
	var probes atomic.Int32
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	w := Start(t.Context(), Config{
		Provider: "ollama",
		Probe:    func(context.Context) error { probes.Add(1); return nil },
		Backoff:  testBackoff(),
		Bus:      bus,
		Logger:   discardLogger(),
	})
	waitFor(t, "several polls", func() bool { return probes.Load() >= 4 })
	w.Stop()

	if n := len(ch); n != 1 {
		t.Errorf("got %d events for a steady provider, want 1", n)
	}
}

func TestWatcher_StopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := Start(ctx, Config{
		Provider: "ollama",
		Probe:    func(context.Context) error { return errors.New("down") },
		Backoff:  testBackoff(),
		Logger:   discardLogger(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestStart_Panics(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty provider", Config{Probe: func(context.Context) error { return nil }}},
		{"nil probe", Config{Provider: "ollama"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Start did not panic")
				}
			}()
			Start(t.Context(), tt.cfg)
		})
	}
}
