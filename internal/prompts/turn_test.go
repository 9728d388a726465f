package prompts

import (
	"strings"
	"testing"
)

func TestTurnPrompt(t *testing.T) {
	result := TurnPrompt("Aigent", "deep", "- os: linux", "Turn 1\nUser: hi\nAssistant: hello", "- [core] fact", "what now?")

	for _, want := range []string{
		"You are Aigent. Thinking depth: deep.",
		"ENVIRONMENT CONTEXT:\n- os: linux",
		"RECENT CONVERSATION:\nTurn 1\nUser: hi",
		"MEMORY CONTEXT:\n- [core] fact",
		"LATEST USER MESSAGE:\nwhat now?",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.HasSuffix(result, "ASSISTANT RESPONSE:") {
		t.Error("prompt should end with the response cue")
	}
}

func TestTurnPrompt_EmptyConversation(t *testing.T) {
	result := TurnPrompt("Aigent", "low", "env", "", "", "hello")
	if !strings.Contains(result, "RECENT CONVERSATION:\n(none yet)") {
		t.Error("empty conversation should render as (none yet)")
	}
}

func TestHealthCheckPrompt(t *testing.T) {
	result := HealthCheckPrompt("Aigent", "balanced")
	if !strings.HasPrefix(result, "[healthcheck][bot-name:Aigent][thinking:balanced]") {
		t.Errorf("HealthCheckPrompt() = %q", result)
	}
}
