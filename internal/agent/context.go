package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nugget/aigent/internal/memory"
	"github.com/nugget/aigent/internal/session"
)

// Prompt truncation limits, in runes.
const (
	maxUserChars      = 280
	maxAssistantChars = 360
	maxRationaleChars = 160
	maxContentChars   = 280
)

// FormatConversation renders turns oldest first, numbered from 1.
func FormatConversation(turns []session.Turn) string {
	blocks := make([]string, 0, len(turns))
	for i, t := range turns {
		blocks = append(blocks, fmt.Sprintf("Turn %d\nUser: %s\nAssistant: %s",
			i+1,
			truncate(t.User, maxUserChars),
			truncate(t.Assistant, maxAssistantChars),
		))
	}
	return strings.Join(blocks, "\n\n")
}

// FormatContext renders ranked memory items one per line.
func FormatContext(items []memory.ContextItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("- [%s] score=%.2f source=%s created=%s hash=%s why=%s :: %s",
			it.Tier,
			it.Score,
			it.Source,
			it.CreatedAt.UTC().Format(time.RFC3339),
			it.ProvenanceHash,
			truncate(it.Rationale, maxRationaleChars),
			truncate(it.Content, maxContentChars),
		))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// Environment gathers the real-world facts placed in every prompt.
type Environment struct {
	now    func() time.Time
	getwd  func() (string, error)
	gitDir string
}

// NewEnvironment returns an Environment reading the process state.
func NewEnvironment() *Environment {
	return &Environment{now: time.Now, getwd: os.Getwd, gitDir: ".git"}
}

// EnvironmentSnapshot renders the environment block. turnCount is how
// many turns the session has seen so far.
func (r *Runtime) EnvironmentSnapshot(ctx context.Context, mem Memory, turnCount int) string {
	settings := r.Settings()
	env := r.env

	cwd, err := env.getwd()
	if err != nil {
		cwd = "unknown"
	}
	_, statErr := os.Stat(env.gitDir)

	stats, err := mem.Stats(ctx)
	if err != nil {
		r.logger.Warn("memory stats unavailable", "error", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "- utc_time: %s\n", env.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- os: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "- arch: %s\n", runtime.GOARCH)
	fmt.Fprintf(&b, "- cwd: %s\n", cwd)
	fmt.Fprintf(&b, "- git_repo_present: %t\n", statErr == nil)
	fmt.Fprintf(&b, "- provider: %s\n", settings.Provider)
	fmt.Fprintf(&b, "- model: %s\n", settings.ActiveModel())
	fmt.Fprintf(&b, "- thinking_level: %s\n", settings.ThinkingLevel)
	fmt.Fprintf(&b, "- memory_total: %d\n", stats.Total)
	fmt.Fprintf(&b, "- memory_core: %d\n", stats.Core)
	fmt.Fprintf(&b, "- memory_semantic: %d\n", stats.Semantic)
	fmt.Fprintf(&b, "- memory_episodic: %d\n", stats.Episodic)
	fmt.Fprintf(&b, "- memory_procedural: %d\n", stats.Procedural)
	fmt.Fprintf(&b, "- recent_conversation_turns: %d", turnCount)
	return b.String()
}
