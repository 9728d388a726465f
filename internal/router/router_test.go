package router

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/aigent/internal/events"
	"github.com/nugget/aigent/internal/llm"
)

// fakeClient records calls and replays canned text.
type fakeClient struct {
	reply     string
	fragments []string

	mu     sync.Mutex
	calls  int
	models []string
}

func (f *fakeClient) Generate(_ context.Context, model, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.models = append(f.models, model)
	return f.reply
}

func (f *fakeClient) GenerateStream(_ context.Context, model, _ string, sink chan<- string) string {
	f.mu.Lock()
	f.calls++
	f.models = append(f.models, model)
	f.mu.Unlock()

	var b strings.Builder
	for _, frag := range f.fragments {
		b.WriteString(frag)
		select {
		case sink <- frag:
		default:
		}
	}
	return b.String()
}

func (f *fakeClient) ListModels(context.Context) []string { return nil }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testModels = Models{Local: "llama3.1:8b", Hosted: "openai/gpt-4o-mini"}

func newTestRouter(local, hosted llm.Client, bus *events.Bus) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(logger, Config{MaxAuditLog: 10}, local, hosted, bus)
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name       string
		primary    llm.Provider
		prompt     string
		wantServed llm.Provider
		wantText   string
		wantModel  string
	}{
		{"local healthy", llm.ProviderLocal, "hello", llm.ProviderLocal, "local reply", "llama3.1:8b"},
		{"forced fallback", llm.ProviderLocal, "please /fallback now", llm.ProviderHosted, "hosted reply", "openai/gpt-4o-mini"},
		{"token uppercase", llm.ProviderLocal, "/FALLBACK", llm.ProviderHosted, "hosted reply", "openai/gpt-4o-mini"},
		{"token mixed case suffix", llm.ProviderLocal, "answer this /FallBack", llm.ProviderHosted, "hosted reply", "openai/gpt-4o-mini"},
		{"hosted primary", llm.ProviderHosted, "hello", llm.ProviderHosted, "hosted reply", "openai/gpt-4o-mini"},
		{"hosted primary with token", llm.ProviderHosted, "/fallback", llm.ProviderHosted, "hosted reply", "openai/gpt-4o-mini"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &fakeClient{reply: "local reply"}
			hosted := &fakeClient{reply: "hosted reply"}
			r := newTestRouter(local, hosted, nil)

			served, text, err := r.Dispatch(t.Context(), tt.primary, testModels, tt.prompt)
			if err != nil {
				t.Fatalf("Dispatch() error: %v", err)
			}
			if served != tt.wantServed {
				t.Errorf("served = %v, want %v", served, tt.wantServed)
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}

			wantLocalCalls := 0
			if tt.wantServed == llm.ProviderLocal {
				wantLocalCalls = 1
			}
			if local.callCount() != wantLocalCalls || hosted.callCount() != 1-wantLocalCalls {
				t.Errorf("calls local=%d hosted=%d", local.callCount(), hosted.callCount())
			}

			log := r.GetAuditLog(1)
			if len(log) != 1 || log[0].Model != tt.wantModel {
				t.Errorf("audit log = %+v, want model %q", log, tt.wantModel)
			}
		})
	}
}

func TestDispatch_LocalDiagnosticNotRetried(t *testing.T) {
	diag := "Ollama unavailable at http://localhost:11434. Start Ollama and ensure model 'llama3.1:8b' is installed. Error: connection refused"
	local := &fakeClient{reply: diag}
	hosted := &fakeClient{reply: "hosted reply"}
	r := newTestRouter(local, hosted, nil)

	served, text, err := r.Dispatch(t.Context(), llm.ProviderLocal, testModels, "hello")
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if served != llm.ProviderLocal || text != diag {
		t.Errorf("got (%v, %q), want local diagnostic returned as-is", served, text)
	}
	if hosted.callCount() != 0 {
		t.Error("hosted client called for a local transport failure")
	}
}

func TestDispatch_HostedMissingKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hosted := llm.NewOpenRouterClient("http://127.0.0.1:1", logger)
	r := newTestRouter(&fakeClient{}, hosted, nil)

	served, text, err := r.Dispatch(t.Context(), llm.ProviderHosted, testModels, "hello")
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if served != llm.ProviderHosted {
		t.Errorf("served = %v, want hosted", served)
	}
	if text != llm.MissingKeyMessage {
		t.Errorf("text = %q, want missing-key diagnostic", text)
	}
}

func TestDispatch_UnknownProvider(t *testing.T) {
	r := newTestRouter(&fakeClient{}, &fakeClient{}, nil)
	if _, _, err := r.Dispatch(t.Context(), llm.Provider(7), testModels, "hello"); err == nil {
		t.Fatal("Dispatch with unknown provider should error")
	}
	if got := r.GetStats().TotalRequests; got != 0 {
		t.Errorf("TotalRequests = %d, want 0", got)
	}
}

func TestDispatchStream(t *testing.T) {
	local := &fakeClient{fragments: []string{"one ", "two ", "three"}}
	r := newTestRouter(local, &fakeClient{}, nil)

	// A sink with no room: every fragment is dropped.
	sink := make(chan string)
	served, text, err := r.DispatchStream(t.Context(), llm.ProviderLocal, testModels, "hello", sink)
	if err != nil {
		t.Fatalf("DispatchStream() error: %v", err)
	}
	if served != llm.ProviderLocal || text != "one two three" {
		t.Errorf("got (%v, %q)", served, text)
	}
	if log := r.GetAuditLog(0); len(log) != 1 || !log[0].Stream {
		t.Errorf("audit log = %+v, want one stream decision", log)
	}
}

func TestDispatch_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	r := newTestRouter(&fakeClient{reply: "ok"}, &fakeClient{reply: "hosted"}, bus)
	if _, _, err := r.Dispatch(t.Context(), llm.ProviderLocal, testModels, "/fallback"); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	var kinds []string
	for range 2 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			if e.Data["served_by"] != "openrouter" {
				t.Errorf("%s served_by = %v", e.Kind, e.Data["served_by"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for router events")
		}
	}
	if kinds[0] != events.KindLLMCall || kinds[1] != events.KindLLMResponse {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestAuditLogAndStats(t *testing.T) {
	r := newTestRouter(&fakeClient{reply: "l"}, &fakeClient{reply: "h"}, nil)

	for i := range 12 {
		prompt := "hello"
		if i%3 == 0 {
			prompt = "/fallback"
		}
		if _, _, err := r.Dispatch(t.Context(), llm.ProviderLocal, testModels, prompt); err != nil {
			t.Fatalf("Dispatch() error: %v", err)
		}
	}

	if got := len(r.GetAuditLog(0)); got != 10 {
		t.Errorf("audit log length = %d, want capped at 10", got)
	}
	if got := len(r.GetAuditLog(3)); got != 3 {
		t.Errorf("GetAuditLog(3) length = %d", got)
	}

	stats := r.GetStats()
	if stats.TotalRequests != 12 {
		t.Errorf("TotalRequests = %d, want 12", stats.TotalRequests)
	}
	if stats.ForcedFallback != 4 {
		t.Errorf("ForcedFallback = %d, want 4", stats.ForcedFallback)
	}
	if stats.ProviderCounts["ollama"] != 8 || stats.ProviderCounts["openrouter"] != 4 {
		t.Errorf("ProviderCounts = %v", stats.ProviderCounts)
	}

	// The returned copy is detached from router state.
	stats.ProviderCounts["ollama"] = 0
	if r.GetStats().ProviderCounts["ollama"] != 8 {
		t.Error("GetStats returned shared map")
	}
}

func TestResolve(t *testing.T) {
	r := newTestRouter(&fakeClient{}, &fakeClient{}, nil)
	p, model, err := r.Resolve(llm.ProviderLocal, testModels, "try /Fallback")
	if err != nil || p != llm.ProviderHosted || model != "openai/gpt-4o-mini" {
		t.Errorf("Resolve() = (%v, %q, %v)", p, model, err)
	}
}

type memLedger struct {
	mu        sync.Mutex
	decisions []Decision
	err       error
}

func (l *memLedger) RecordDecision(_ context.Context, d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, d)
	return l.err
}

func TestDispatch_Ledger(t *testing.T) {
	ledger := &memLedger{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, Config{Ledger: ledger},
		&fakeClient{reply: "local reply"}, &fakeClient{reply: "hosted reply"}, nil)

	if _, _, err := r.Dispatch(t.Context(), llm.ProviderLocal, testModels, "hi /fallback"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(ledger.decisions) != 1 {
		t.Fatalf("ledger got %d decisions", len(ledger.decisions))
	}
	d := ledger.decisions[0]
	if d.ServedBy != "openrouter" || !d.Forced || d.PromptChars != len("hi /fallback") || d.Chars != len("hosted reply") {
		t.Errorf("decision = %+v", d)
	}

	// A failing ledger never fails the dispatch.
	ledger.err = context.DeadlineExceeded
	if _, text, err := r.Dispatch(t.Context(), llm.ProviderLocal, testModels, "hi"); err != nil || text != "local reply" {
		t.Errorf("Dispatch with failing ledger = %q, %v", text, err)
	}
}
