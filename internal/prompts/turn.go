package prompts

import "fmt"

// NoConversationYet fills the conversation block before the first turn.
const NoConversationYet = "(none yet)"

// TurnPrompt returns the prompt for one conversational turn. The
// environment, conversation, and memory blocks are pre-rendered by the
// caller; message is the user's latest message verbatim.
func TurnPrompt(name, thinkingLevel, environment, conversation, memory, message string) string {
	if conversation == "" {
		conversation = NoConversationYet
	}
	return fmt.Sprintf(`You are %s. Thinking depth: %s.
Use ENVIRONMENT CONTEXT for real-world grounding, RECENT CONVERSATION for immediate continuity, and MEMORY CONTEXT for durable background facts.
Never repeat previous answers unless asked.
Respond directly and specifically to the LATEST user message.

ENVIRONMENT CONTEXT:
%s

RECENT CONVERSATION:
%s

MEMORY CONTEXT:
%s

LATEST USER MESSAGE:
%s

ASSISTANT RESPONSE:`, name, thinkingLevel, environment, conversation, memory, message)
}
