package prompts

import "fmt"

// HealthCheckPrompt asks the active model for a one-line confirmation.
// Used by /model test.
func HealthCheckPrompt(name, thinkingLevel string) string {
	return fmt.Sprintf("[healthcheck][bot-name:%s][thinking:%s] Reply with a short single-line confirmation.",
		name, thinkingLevel)
}
