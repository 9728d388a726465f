// Package llm provides the model backend clients.
//
// Every client method returns text, never an error: an unreachable
// backend, a bad status, or a missing credential becomes a readable
// diagnostic returned in place of the model's reply. A broken backend
// degrades the conversation instead of ending the session.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Provider identifies which backend serves a request.
type Provider int

const (
	// ProviderLocal is the local inference server (Ollama).
	ProviderLocal Provider = iota
	// ProviderHosted is the hosted API (OpenRouter).
	ProviderHosted
)

// String returns the provider's configuration name.
func (p Provider) String() string {
	switch p {
	case ProviderLocal:
		return "ollama"
	case ProviderHosted:
		return "openrouter"
	default:
		return fmt.Sprintf("provider(%d)", int(p))
	}
}

// ParseProvider maps a configuration name to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ollama", "local":
		return ProviderLocal, nil
	case "openrouter", "hosted":
		return ProviderHosted, nil
	default:
		return ProviderLocal, fmt.Errorf("unknown provider %q (expected ollama or openrouter)", s)
	}
}

// Client is implemented by each model backend.
type Client interface {
	// Generate returns the complete reply for prompt.
	Generate(ctx context.Context, model, prompt string) string

	// GenerateStream returns the complete reply for prompt and also
	// forwards each fragment to sink as it arrives. The returned text is
	// the ordered concatenation of every fragment parsed, whether or not
	// the sink accepted it.
	GenerateStream(ctx context.Context, model, prompt string, sink chan<- string) string

	// ListModels returns the models the backend offers. Failures are
	// reported as explanatory entries.
	ListModels(ctx context.Context) []string
}

// sendFragment offers fragment to sink without blocking. A nil sink, a
// full sink, or a sink closed by its consumer all drop the fragment.
func sendFragment(sink chan<- string, fragment string) (sent bool) {
	if sink == nil {
		return false
	}
	// Sending on a closed channel panics; a consumer that closed its
	// end has simply stopped listening.
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case sink <- fragment:
		return true
	default:
		return false
	}
}
