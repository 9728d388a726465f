// Package agent implements the turn assembler: it records the user's
// message, gathers context, builds the prompt, dispatches it through the
// router, and records which provider served the turn.
package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aigent/internal/config"
	"github.com/nugget/aigent/internal/events"
	"github.com/nugget/aigent/internal/llm"
	"github.com/nugget/aigent/internal/memory"
	"github.com/nugget/aigent/internal/prompts"
	"github.com/nugget/aigent/internal/router"
	"github.com/nugget/aigent/internal/session"
)

const (
	// RecentWindow is how many recent turns go into the prompt.
	RecentWindow = 6
	// ContextLimit is how many ranked memory items go into the prompt.
	ContextLimit = 8

	// SourceUserInput tags the episodic record of each user message.
	SourceUserInput = "user-input"
	// SourceAssistantTurn prefixes the semantic record of each reply.
	// Entries with this prefix are never fed back as context.
	SourceAssistantTurn = "assistant-turn"
)

// Memory is the store the assembler records into and ranks context from.
type Memory interface {
	Record(ctx context.Context, tier memory.Tier, content, source string) (memory.Entry, error)
	ContextForPromptRanked(ctx context.Context, query string, k int) ([]memory.ContextItem, error)
	Stats(ctx context.Context) (memory.Stats, error)
}

// Dispatcher routes a prompt to a provider. Implemented by
// *router.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, primary llm.Provider, models router.Models, prompt string) (llm.Provider, string, error)
	DispatchStream(ctx context.Context, primary llm.Provider, models router.Models, prompt string, sink chan<- string) (llm.Provider, string, error)
}

// Settings is the per-turn identity and model selection.
type Settings struct {
	Name          string
	ThinkingLevel string
	Provider      llm.Provider
	Models        router.Models
}

// ActiveModel returns the model for the primary provider.
func (s Settings) ActiveModel() string {
	return s.Models.For(s.Provider)
}

// SettingsFromConfig extracts turn settings from cfg.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	p, err := llm.ParseProvider(cfg.LLM.Provider)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Name:          cfg.Agent.Name,
		ThinkingLevel: cfg.Agent.ThinkingLevel,
		Provider:      p,
		Models: router.Models{
			Local:  cfg.LLM.OllamaModel,
			Hosted: cfg.LLM.OpenRouterModel,
		},
	}, nil
}

// Outcome is the result of one turn.
type Outcome struct {
	ServedBy llm.Provider
	Model    string
	Text     string

	// RequestID correlates the turn with its log lines and bus events.
	RequestID string
}

// Runtime assembles and dispatches turns.
type Runtime struct {
	logger *slog.Logger
	router Dispatcher
	bus    *events.Bus
	env    *Environment

	mu       sync.RWMutex
	settings Settings
}

// NewRuntime creates a turn assembler. bus may be nil.
func NewRuntime(logger *slog.Logger, settings Settings, r Dispatcher, bus *events.Bus) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		logger:   logger,
		router:   r,
		bus:      bus,
		env:      NewEnvironment(),
		settings: settings,
	}
}

// Settings returns the current turn settings.
func (r *Runtime) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// SetSettings replaces the turn settings. Turns already in flight keep
// the settings they started with.
func (r *Runtime) SetSettings(s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
}

// Respond runs one turn and returns the complete reply.
func (r *Runtime) Respond(ctx context.Context, mem Memory, message string, recent []session.Turn) (Outcome, error) {
	return r.respond(ctx, mem, message, recent, false, nil)
}

// RespondStream runs one turn, forwarding reply fragments to sink as
// they arrive. sink may be nil, full, or closed without affecting the
// returned text.
func (r *Runtime) RespondStream(ctx context.Context, mem Memory, message string, recent []session.Turn, sink chan<- string) (Outcome, error) {
	return r.respond(ctx, mem, message, recent, true, sink)
}

func (r *Runtime) respond(ctx context.Context, mem Memory, message string, recent []session.Turn, stream bool, sink chan<- string) (Outcome, error) {
	settings := r.Settings()
	requestID := generateRequestID()
	start := time.Now()

	log := r.logger.With("request_id", requestID)
	r.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"request_id":  requestID,
		"message_len": len(message),
	})

	// The user's message is durable before any model sees it.
	if _, err := mem.Record(ctx, memory.TierEpisodic, message, SourceUserInput); err != nil {
		r.fail(requestID, err)
		return Outcome{}, fmt.Errorf("record user message: %w", err)
	}
	r.bus.Emit(events.SourceAgent, events.KindMemoryRecorded, map[string]any{
		"request_id": requestID,
		"tier":       string(memory.TierEpisodic),
		"source":     SourceUserInput,
	})

	items, err := mem.ContextForPromptRanked(ctx, message, ContextLimit)
	if err != nil {
		log.Warn("memory context unavailable", "error", err)
		items = nil
	}

	window := recent
	if len(window) > RecentWindow {
		window = window[len(window)-RecentWindow:]
	}

	prompt := prompts.TurnPrompt(
		settings.Name,
		strings.ToLower(settings.ThinkingLevel),
		r.EnvironmentSnapshot(ctx, mem, len(recent)),
		FormatConversation(window),
		FormatContext(items),
		message,
	)

	log.Debug("turn prompt assembled",
		"context_items", len(items),
		"recent_turns", len(window),
		"prompt_len", len(prompt),
	)
	log.Log(ctx, config.LevelTrace, "turn prompt", "prompt", prompt)

	var (
		servedBy llm.Provider
		text     string
	)
	if stream {
		servedBy, text, err = r.router.DispatchStream(ctx, settings.Provider, settings.Models, prompt, sink)
	} else {
		servedBy, text, err = r.router.Dispatch(ctx, settings.Provider, settings.Models, prompt)
	}
	if err != nil {
		r.fail(requestID, err)
		return Outcome{}, fmt.Errorf("dispatch: %w", err)
	}

	model := settings.Models.For(servedBy)
	summary := fmt.Sprintf("assistant replied via %s for model %s", servedBy, model)
	source := fmt.Sprintf("%s:model=%s", SourceAssistantTurn, model)
	if _, err := mem.Record(ctx, memory.TierSemantic, summary, source); err != nil {
		r.fail(requestID, err)
		return Outcome{}, fmt.Errorf("record assistant turn: %w", err)
	}
	r.bus.Emit(events.SourceAgent, events.KindMemoryRecorded, map[string]any{
		"request_id": requestID,
		"tier":       string(memory.TierSemantic),
		"source":     source,
	})

	elapsed := time.Since(start)
	log.Info("turn complete",
		"served_by", servedBy.String(),
		"model", model,
		"chars", len(text),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	r.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"request_id": requestID,
		"served_by":  servedBy.String(),
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return Outcome{ServedBy: servedBy, Model: model, Text: text, RequestID: requestID}, nil
}

func (r *Runtime) fail(requestID string, err error) {
	r.logger.Error("turn failed", "request_id", requestID, "error", err)
	r.bus.Emit(events.SourceAgent, events.KindTurnFailed, map[string]any{
		"request_id": requestID,
		"error":      err.Error(),
	})
}

// TestModelConnection sends a health-check prompt to the active
// provider and reports who answered.
func (r *Runtime) TestModelConnection(ctx context.Context) (string, error) {
	settings := r.Settings()
	prompt := prompts.HealthCheckPrompt(settings.Name, settings.ThinkingLevel)

	servedBy, reply, err := r.router.Dispatch(ctx, settings.Provider, settings.Models, prompt)
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return fmt.Sprintf("provider=%s model=%s reply=%s",
		servedBy, settings.Models.For(servedBy), strings.TrimSpace(reply)), nil
}

// generateRequestID returns a short random identifier for log
// correlation, e.g. "r_1a2b3c4d".
func generateRequestID() string {
	id := uuid.New()
	return "r_" + hex.EncodeToString(id[:4])
}
