package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("agent:\n  name: Test\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/aigent.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "aigent.yaml"), []byte("log_level: debug\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "aigent.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "aigent.yaml")
	}
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aigent.yaml")
	os.WriteFile(path, []byte("agent:\n  name: Juniper\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.Name != "Juniper" {
		t.Errorf("name = %q, want Juniper", cfg.Agent.Name)
	}
	if cfg.Agent.ThinkingLevel != ThinkingBalanced {
		t.Errorf("thinking_level = %q, want %q", cfg.Agent.ThinkingLevel, ThinkingBalanced)
	}
	if cfg.LLM.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("ollama_base_url = %q", cfg.LLM.OllamaBaseURL)
	}
	if cfg.TUI.HistoryTurns != 8 {
		t.Errorf("history_turns = %d, want 8", cfg.TUI.HistoryTurns)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aigent.yaml")
	os.WriteFile(path, []byte("llm:\n  ollama_base_url: ${AIGENT_TEST_OLLAMA}\n"), 0600)
	t.Setenv("AIGENT_TEST_OLLAMA", "http://gpu-box:11434")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.OllamaBaseURL != "http://gpu-box:11434" {
		t.Errorf("ollama_base_url = %q", cfg.LLM.OllamaBaseURL)
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aigent.yaml")
	os.WriteFile(path, []byte("llm:\n  provider: bedrock\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject unknown provider")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aigent.yaml")
	cfg := Default()
	cfg.LLM.Provider = "openrouter"
	cfg.SetActiveModel("anthropic/claude-3.5-sonnet")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.ActiveModel() != "anthropic/claude-3.5-sonnet" {
		t.Errorf("ActiveModel() = %q", got.ActiveModel())
	}
	if got.LLM.OllamaModel != "llama3.1:8b" {
		t.Errorf("ollama model changed to %q", got.LLM.OllamaModel)
	}
}

func TestParseThinkingLevel(t *testing.T) {
	tests := map[string]string{
		"low":      ThinkingLow,
		" Deep ":   ThinkingDeep,
		"medium":   ThinkingBalanced,
		"balanced": ThinkingBalanced,
		"extreme":  "",
	}
	for in, want := range tests {
		if got := ParseThinkingLevel(in); got != want {
			t.Errorf("ParseThinkingLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}
}
