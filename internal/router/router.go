// Package router dispatches generation requests to a provider.
//
// Routing has exactly one fallback edge: a prompt carrying the
// "/fallback" token is sent to the hosted provider even when the local
// provider is primary and healthy. The hosted provider is terminal.
// Provider failures arrive as text from the clients, so a dispatch only
// fails on an invariant violation such as an unknown provider value.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aigent/internal/events"
	"github.com/nugget/aigent/internal/llm"
)

// ForceFallbackToken anywhere in a prompt, in any case, routes it to
// the hosted provider.
const ForceFallbackToken = "/fallback"

// Models names the model to request from each provider.
type Models struct {
	Local  string
	Hosted string
}

// For returns the model name for p.
func (m Models) For(p llm.Provider) string {
	if p == llm.ProviderHosted {
		return m.Hosted
	}
	return m.Local
}

// Decision records how one request was routed.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	Primary  string `json:"primary"`
	ServedBy string `json:"served_by"`
	Model    string `json:"model"`
	Forced   bool   `json:"forced"`
	Stream   bool   `json:"stream"`

	PromptChars int `json:"prompt_chars"`

	// Filled in when the provider call returns.
	LatencyMs int64 `json:"latency_ms"`
	Chars     int   `json:"chars"`
}

// Ledger persists routing decisions beyond the in-memory audit log.
type Ledger interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// Config tunes the router.
type Config struct {
	MaxAuditLog int // How many decisions to keep in memory

	// Ledger, when set, receives every completed decision. Write
	// failures are logged and never fail the dispatch.
	Ledger Ledger
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests  int64            `json:"total_requests"`
	ForcedFallback int64            `json:"forced_fallback"`
	ProviderCounts map[string]int64 `json:"provider_counts"`
	AvgLatencyMs   map[string]int64 `json:"avg_latency_ms"`
}

// Router selects a provider client for each request.
type Router struct {
	logger *slog.Logger
	config Config
	local  llm.Client
	hosted llm.Client
	bus    *events.Bus

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router over the two provider clients. bus may
// be nil.
func NewRouter(logger *slog.Logger, config Config, local, hosted llm.Client, bus *events.Bus) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		config:   config,
		local:    local,
		hosted:   hosted,
		bus:      bus,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			ProviderCounts: make(map[string]int64),
			AvgLatencyMs:   make(map[string]int64),
		},
	}
}

// ForcesFallback reports whether prompt carries the fallback token.
func ForcesFallback(prompt string) bool {
	return strings.Contains(strings.ToLower(prompt), ForceFallbackToken)
}

// Dispatch generates a complete reply and reports which provider
// served it.
func (r *Router) Dispatch(ctx context.Context, primary llm.Provider, models Models, prompt string) (llm.Provider, string, error) {
	return r.dispatch(ctx, primary, models, prompt, false, nil)
}

// DispatchStream is Dispatch with fragments forwarded to sink as they
// arrive. The returned text does not depend on what sink accepted.
func (r *Router) DispatchStream(ctx context.Context, primary llm.Provider, models Models, prompt string, sink chan<- string) (llm.Provider, string, error) {
	return r.dispatch(ctx, primary, models, prompt, true, sink)
}

// Resolve returns the provider and model a prompt would be served by,
// without calling it.
func (r *Router) Resolve(primary llm.Provider, models Models, prompt string) (llm.Provider, string, error) {
	servedBy, _, err := r.selectProvider(primary, prompt)
	if err != nil {
		return primary, "", err
	}
	return servedBy, models.For(servedBy), nil
}

func (r *Router) dispatch(ctx context.Context, primary llm.Provider, models Models, prompt string, stream bool, sink chan<- string) (llm.Provider, string, error) {
	servedBy, forced, err := r.selectProvider(primary, prompt)
	if err != nil {
		return primary, "", err
	}

	var client llm.Client
	switch servedBy {
	case llm.ProviderLocal:
		client = r.local
	case llm.ProviderHosted:
		client = r.hosted
	}
	if client == nil {
		return servedBy, "", fmt.Errorf("no client configured for provider %s", servedBy)
	}

	d := Decision{
		RequestID: generateRequestID(),
		Timestamp: time.Now(),
		Primary:   primary.String(),
		ServedBy:  servedBy.String(),
		Model:     models.For(servedBy),
		Forced:    forced,
		Stream:    stream,

		PromptChars: len(prompt),
	}

	r.logger.Info("dispatching to provider",
		"request_id", d.RequestID,
		"primary", d.Primary,
		"served_by", d.ServedBy,
		"model", d.Model,
		"forced", forced,
		"stream", stream,
	)
	r.bus.Emit(events.SourceRouter, events.KindLLMCall, map[string]any{
		"request_id": d.RequestID,
		"primary":    d.Primary,
		"served_by":  d.ServedBy,
		"model":      d.Model,
		"forced":     forced,
		"stream":     stream,
	})

	start := time.Now()
	var text string
	if stream {
		text = client.GenerateStream(ctx, d.Model, prompt, sink)
	} else {
		text = client.Generate(ctx, d.Model, prompt)
	}
	d.LatencyMs = time.Since(start).Milliseconds()
	d.Chars = len(text)

	r.recordDecision(d)
	if r.config.Ledger != nil {
		// The reply exists even if the caller has gone away.
		if err := r.config.Ledger.RecordDecision(context.WithoutCancel(ctx), d); err != nil {
			r.logger.Warn("dispatch not recorded", "request_id", d.RequestID, "error", err)
		}
	}

	r.logger.Debug("provider returned",
		"request_id", d.RequestID,
		"served_by", d.ServedBy,
		"chars", d.Chars,
		"elapsed_ms", d.LatencyMs,
	)
	r.bus.Emit(events.SourceRouter, events.KindLLMResponse, map[string]any{
		"request_id": d.RequestID,
		"served_by":  d.ServedBy,
		"model":      d.Model,
		"chars":      d.Chars,
		"elapsed_ms": d.LatencyMs,
	})

	return servedBy, text, nil
}

// selectProvider applies the routing rule. Every Provider value is
// handled explicitly; anything else is a programming error.
func (r *Router) selectProvider(primary llm.Provider, prompt string) (llm.Provider, bool, error) {
	switch primary {
	case llm.ProviderLocal:
		if ForcesFallback(prompt) {
			return llm.ProviderHosted, true, nil
		}
		return llm.ProviderLocal, false, nil
	case llm.ProviderHosted:
		return llm.ProviderHosted, false, nil
	default:
		return primary, false, fmt.Errorf("router: unknown provider %s", primary)
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	if d.Forced {
		r.stats.ForcedFallback++
	}
	n := r.stats.ProviderCounts[d.ServedBy] + 1
	r.stats.ProviderCounts[d.ServedBy] = n
	// Running mean per provider.
	prev := r.stats.AvgLatencyMs[d.ServedBy]
	r.stats.AvgLatencyMs[d.ServedBy] = prev + (d.LatencyMs-prev)/n
}

// GetAuditLog returns up to limit recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalRequests:  r.stats.TotalRequests,
		ForcedFallback: r.stats.ForcedFallback,
		ProviderCounts: make(map[string]int64, len(r.stats.ProviderCounts)),
		AvgLatencyMs:   make(map[string]int64, len(r.stats.AvgLatencyMs)),
	}
	for k, v := range r.stats.ProviderCounts {
		s.ProviderCounts[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		s.AvgLatencyMs[k] = v
	}
	return s
}

func generateRequestID() string {
	return time.Now().Format("20060102-150405.000")
}
