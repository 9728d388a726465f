// Package tui implements the interactive chat session: a bubbletea
// program for terminals and a plain line loop for pipes. Both share a
// Session, which owns the slash commands and the recent-turns ring.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/nugget/aigent/internal/agent"
	"github.com/nugget/aigent/internal/config"
	"github.com/nugget/aigent/internal/connwatch"
	"github.com/nugget/aigent/internal/llm"
	"github.com/nugget/aigent/internal/memory"
	"github.com/nugget/aigent/internal/router"
	"github.com/nugget/aigent/internal/session"
	"github.com/nugget/aigent/internal/usage"
)

// DefaultConfigPath is where settings changes are saved when the
// session was started without a config file.
const DefaultConfigPath = "aigent.yaml"

// Memory sources for entries written by slash commands.
const (
	SourceUserRemember = "user-remember"
	SourceUserPin      = "user-pin"
)

// ErrClosed is returned by Generate once Close has been called.
var ErrClosed = errors.New("session closed")

// Store is the memory surface a session needs.
type Store interface {
	agent.Memory
	Recent(ctx context.Context, limit int) ([]memory.Entry, error)
}

// UsageLedger reports persisted dispatch totals.
type UsageLedger interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryByProvider(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
}

// Reachability reports whether the local provider answers.
type Reachability interface {
	Status() connwatch.Status
}

// SessionOptions wires a Session. Usage and Health are optional.
type SessionOptions struct {
	Logger     *slog.Logger
	Config     *config.Config
	ConfigPath string
	Runtime    *agent.Runtime
	Store      Store
	Router     *router.Router
	Local      llm.Client
	Hosted     llm.Client
	Usage      UsageLedger
	Health     Reachability
}

// Session is the non-visual half of an interactive chat.
type Session struct {
	logger  *slog.Logger
	runtime *agent.Runtime
	store   Store
	router  *router.Router
	local   llm.Client
	hosted  llm.Client
	usage   UsageLedger
	health  Reachability
	ring    *session.Ring

	// mu serializes slash commands, which mutate cfg.
	mu      sync.Mutex
	cfg     *config.Config
	cfgPath string

	// inflight counts generations and commands that may still touch the
	// stores. closed is guarded by closeMu so Add never races Wait.
	closeMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewSession creates a session. The ring retains cfg.TUI.HistoryTurns
// turns, never fewer than the prompt window.
func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}
	return &Session{
		logger:  logger,
		runtime: opts.Runtime,
		store:   opts.Store,
		router:  opts.Router,
		local:   opts.Local,
		hosted:  opts.Hosted,
		usage:   opts.Usage,
		health:  opts.Health,
		ring:    session.NewRing(max(cfg.TUI.HistoryTurns, agent.RecentWindow)),
		cfg:     cfg,
		cfgPath: path,
	}
}

// Settings returns the runtime's current turn settings.
func (s *Session) Settings() agent.Settings {
	return s.runtime.Settings()
}

// Reachability returns the local provider's latest probe result. ok is
// false when no watcher is running.
func (s *Session) Reachability() (st connwatch.Status, ok bool) {
	if s.health == nil {
		return connwatch.Status{}, false
	}
	return s.health.Status(), true
}

// Ring returns the recent-turns ring.
func (s *Session) Ring() *session.Ring {
	return s.ring
}

// Generate runs one turn against the retained history, streaming
// fragments to sink. A panic in the turn is reported as an error.
func (s *Session) Generate(ctx context.Context, message string, sink chan<- string) (agent.Outcome, error) {
	if !s.begin() {
		return agent.Outcome{}, ErrClosed
	}
	defer s.inflight.Done()

	var (
		out agent.Outcome
		err error
		pc  panics.Catcher
	)
	pc.Try(func() {
		out, err = s.runtime.RespondStream(ctx, s.store, message, s.ring.Turns(), sink)
	})
	if r := pc.Recovered(); r != nil {
		s.logger.Error("generation panicked", "panic", r.Value, "stack", string(r.Stack))
		return agent.Outcome{}, fmt.Errorf("generation panicked: %v", r.Value)
	}
	return out, err
}

// Close refuses new generations and commands, then waits for the ones
// already running. Cancel their context first or Close waits for the
// provider to finish. The stores may be closed once Close returns.
func (s *Session) Close() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.inflight.Wait()
}

func (s *Session) begin() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Complete appends a finished turn to the ring, evicting the oldest
// when full.
func (s *Session) Complete(user string, out agent.Outcome) {
	s.ring.Push(session.Turn{User: user, Assistant: out.Text})
}

// Reply is the output of a slash command.
type Reply struct {
	Lines []string
	// Exit ends the session.
	Exit bool
	// Clear empties the visible transcript.
	Clear bool
}

func lines(l ...string) Reply { return Reply{Lines: l} }

var commandNames = map[string]struct{}{
	"/exit": {}, "/quit": {}, "/help": {}, "/status": {}, "/context": {},
	"/clear": {}, "/model": {}, "/think": {}, "/memory": {}, "/remember": {},
	"/pin": {}, "/snippet": {}, "/usage": {},
}

// IsCommand reports whether line names a slash command. Other lines,
// including ones that start with /fallback, go to the model.
func IsCommand(line string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	_, ok := commandNames[name]
	return ok
}

// Command runs line as a slash command. ok is false when line is not a
// recognized command and should be sent to the model instead.
func (s *Session) Command(ctx context.Context, line string) (reply Reply, ok bool) {
	line = strings.TrimSpace(line)
	if !IsCommand(line) {
		return Reply{}, false
	}
	if !s.begin() {
		return lines("aigent> " + ErrClosed.Error()), true
	}
	defer s.inflight.Done()

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case "/exit", "/quit":
		return Reply{Lines: []string{"session closed"}, Exit: true}, true
	case "/help":
		return lines(helpLines...), true
	case "/status":
		return s.status(ctx), true
	case "/context":
		snap := s.runtime.EnvironmentSnapshot(ctx, s.store, s.ring.Len())
		return lines(append([]string{"environment context:"}, strings.Split(snap, "\n")...)...), true
	case "/clear":
		s.ring.Clear()
		return Reply{Lines: []string{"conversation cleared"}, Clear: true}, true
	case "/model":
		return s.model(ctx, arg)
	case "/think":
		return s.think(arg), true
	case "/memory":
		return s.recentMemory(ctx), true
	case "/remember":
		if arg == "" {
			return lines("nothing to remember"), true
		}
		return s.remember(ctx, memory.TierSemantic, arg, SourceUserRemember, "remembered"), true
	case "/pin":
		if arg == "" {
			return lines("nothing to pin"), true
		}
		return s.remember(ctx, memory.TierCore, arg, SourceUserPin, "pinned to core memory"), true
	case "/snippet":
		return s.snippet(), true
	case "/usage":
		return s.usageReport(ctx, time.Now()), true
	}
	return Reply{}, false
}

var helpLines = []string{
	"/model show",
	"/model list [ollama|openrouter]",
	"/model provider <ollama|openrouter>",
	"/model set <model>",
	"/model key <openrouter-api-key>",
	"/model test",
	"/think <low|balanced|deep>",
	"/status",
	"/usage",
	"/context",
	"/memory",
	"/remember <fact>",
	"/pin <fact>",
	"/snippet",
	"/clear",
	"/exit",
}

// commandCatalog feeds input suggestions. Entries ending in a space
// take an argument.
var commandCatalog = []string{
	"/model show",
	"/model list",
	"/model provider ",
	"/model set ",
	"/model key ",
	"/model test",
	"/think ",
	"/status",
	"/usage",
	"/context",
	"/memory",
	"/remember ",
	"/pin ",
	"/snippet",
	"/clear",
	"/exit",
}

// Suggestions returns up to four catalog commands that extend input.
func Suggestions(input string) []string {
	if !strings.HasPrefix(input, "/") {
		return nil
	}
	var out []string
	for _, c := range commandCatalog {
		if strings.HasPrefix(c, input) && c != input {
			out = append(out, c)
			if len(out) == 4 {
				break
			}
		}
	}
	return out
}

func (s *Session) status(ctx context.Context) Reply {
	settings := s.runtime.Settings()
	stored := "unknown"
	if st, err := s.store.Stats(ctx); err == nil {
		stored = fmt.Sprint(st.Total)
	}
	out := []string{
		"bot: " + settings.Name,
		"provider: " + settings.Provider.String(),
		"model: " + settings.ActiveModel(),
		"thinking: " + settings.ThinkingLevel,
		"stored memories: " + stored,
		fmt.Sprintf("recent conversation turns: %d", s.ring.Len()),
	}
	if st, ok := s.Reachability(); ok {
		line := "reachability: " + st.String()
		if st.LastError != "" {
			line += " (" + oneLine(st.LastError, 60) + ")"
		}
		out = append(out, line)
	}
	if s.router != nil {
		st := s.router.GetStats()
		local, hosted := llm.ProviderLocal.String(), llm.ProviderHosted.String()
		out = append(out, fmt.Sprintf("dispatches: %d (forced fallback %d)", st.TotalRequests, st.ForcedFallback),
			fmt.Sprintf("- %s: %d, avg %dms", local, st.ProviderCounts[local], st.AvgLatencyMs[local]),
			fmt.Sprintf("- %s: %d, avg %dms", hosted, st.ProviderCounts[hosted], st.AvgLatencyMs[hosted]),
		)
	}
	return lines(out...)
}

func (s *Session) model(ctx context.Context, arg string) (Reply, bool) {
	sub, rest, _ := strings.Cut(arg, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "show":
		settings := s.runtime.Settings()
		return lines("provider: "+settings.Provider.String(), "model: "+settings.ActiveModel()), true
	case "list":
		return s.listModels(ctx, rest), true
	case "provider":
		p, err := llm.ParseProvider(rest)
		if err != nil {
			return lines("invalid provider, expected ollama or openrouter"), true
		}
		s.cfg.LLM.Provider = p.String()
		return s.apply("provider updated"), true
	case "set":
		if rest == "" {
			return lines("model cannot be empty"), true
		}
		s.cfg.SetActiveModel(rest)
		return s.apply("model updated"), true
	case "key":
		if rest == "" {
			return lines("api key cannot be empty"), true
		}
		// Process environment only; the key is never written to disk.
		if err := os.Setenv("OPENROUTER_API_KEY", rest); err != nil {
			return lines("openrouter key not set: " + err.Error()), true
		}
		return lines("openrouter key set for this session"), true
	case "test":
		result, err := s.runtime.TestModelConnection(ctx)
		if err != nil {
			return lines("aigent> model test failed: " + err.Error()), true
		}
		return lines("aigent> model test ok: " + result), true
	}
	return lines("usage: /model show|list|provider|set|key|test"), true
}

func (s *Session) listModels(ctx context.Context, which string) Reply {
	showLocal, showHosted := true, true
	switch strings.ToLower(which) {
	case "ollama", "local":
		showHosted = false
	case "openrouter", "hosted":
		showLocal = false
	}

	var out []string
	add := func(label string, c llm.Client) {
		if c == nil {
			return
		}
		models := c.ListModels(ctx)
		out = append(out, fmt.Sprintf("%s models (%d)", label, len(models)))
		for _, m := range models {
			out = append(out, "- "+m)
		}
	}
	if showLocal {
		add(llm.ProviderLocal.String(), s.local)
	}
	if showHosted {
		add(llm.ProviderHosted.String(), s.hosted)
	}
	return lines(out...)
}

func (s *Session) think(arg string) Reply {
	level := config.ParseThinkingLevel(arg)
	if level == "" {
		return lines("invalid thinking level, expected low, balanced, or deep")
	}
	s.cfg.Agent.ThinkingLevel = level
	return s.apply("thinking level updated")
}

// apply pushes cfg into the runtime and persists it. A failed save
// keeps the change for this session.
func (s *Session) apply(msg string) Reply {
	settings, err := agent.SettingsFromConfig(s.cfg)
	if err != nil {
		return lines("settings rejected: " + err.Error())
	}
	s.runtime.SetSettings(settings)

	if err := s.cfg.Save(s.cfgPath); err != nil {
		s.logger.Warn("config not saved", "path", s.cfgPath, "error", err)
		return lines(msg, "config not saved: "+err.Error())
	}
	s.logger.Info("config saved", "path", s.cfgPath)
	return lines(msg)
}

func (s *Session) recentMemory(ctx context.Context) Reply {
	entries, err := s.store.Recent(ctx, 10)
	if err != nil {
		return lines("memory unavailable: " + err.Error())
	}
	if len(entries) == 0 {
		return lines("no memories yet")
	}
	out := []string{fmt.Sprintf("recent memories (%d)", len(entries))}
	for _, e := range entries {
		out = append(out, fmt.Sprintf("- [%s] %s %s :: %s",
			e.Tier, e.CreatedAt.Local().Format(time.DateTime), e.Source, oneLine(e.Content, 100)))
	}
	return lines(out...)
}

func (s *Session) remember(ctx context.Context, tier memory.Tier, content, source, ok string) Reply {
	if _, err := s.store.Record(ctx, tier, content, source); err != nil {
		if errors.Is(err, memory.ErrQuarantined) {
			return lines("refused: " + err.Error())
		}
		return lines("memory write failed: " + err.Error())
	}
	return lines(ok)
}

func (s *Session) snippet() Reply {
	last := s.ring.Last(1)
	if len(last) == 0 {
		return lines("no reply yet")
	}
	code, lang, found := ExtractCodeBlock(last[0].Assistant)
	if !found {
		return lines("no code block in the last reply")
	}
	dir := filepath.Join(s.cfg.DataDir, "snippets")
	path, err := SaveSnippet(dir, code, lang, time.Now())
	if err != nil {
		return lines("snippet not saved: " + err.Error())
	}
	return lines("snippet saved to " + path)
}

// usageReport summarizes the persisted ledger for the last day and for
// all time.
func (s *Session) usageReport(ctx context.Context, now time.Time) Reply {
	if s.usage == nil {
		return lines("usage ledger unavailable")
	}
	windows := []struct {
		label string
		start time.Time
	}{
		{"last 24h", now.Add(-24 * time.Hour)},
		{"all time", time.Unix(0, 0)},
	}
	end := now.Add(time.Minute)

	var out []string
	for _, win := range windows {
		total, err := s.usage.Summary(ctx, win.start, end)
		if err != nil {
			return lines("usage unavailable: " + err.Error())
		}
		out = append(out, fmt.Sprintf("usage %s: %d dispatches, %d forced, avg %.0fms",
			win.label, total.Dispatches, total.Forced, total.AvgLatencyMs))
		byProvider, err := s.usage.SummaryByProvider(ctx, win.start, end)
		if err != nil {
			return lines("usage unavailable: " + err.Error())
		}
		for _, p := range slices.Sorted(maps.Keys(byProvider)) {
			sum := byProvider[p]
			out = append(out, fmt.Sprintf("- %s: %d, avg %.0fms, %d reply chars",
				p, sum.Dispatches, sum.AvgLatencyMs, sum.ReplyChars))
		}
	}
	return lines(out...)
}

// oneLine collapses whitespace and truncates to limit runes.
func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
