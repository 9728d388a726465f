package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nugget/aigent/internal/httpkit"
)

// DefaultOpenRouterURL is the OpenRouter API root.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// MissingKeyMessage is returned when no API key is configured or the
// hosted backend produced no text.
const MissingKeyMessage = "OpenRouter key missing or response empty. Set OPENROUTER_API_KEY or switch to /model provider ollama."

// openRouterFallbackModels is offered when the live model list cannot
// be fetched.
var openRouterFallbackModels = []string{
	"anthropic/claude-3.5-sonnet",
	"anthropic/claude-3.7-sonnet",
	"deepseek/deepseek-chat",
	"google/gemini-2.0-flash-001",
	"meta-llama/llama-3.1-70b-instruct",
	"meta-llama/llama-3.1-8b-instruct",
	"mistralai/mistral-small-3.1-24b-instruct",
	"openai/gpt-4.1-mini",
	"openai/gpt-4o-mini",
	"qwen/qwen-2.5-72b-instruct",
}

// OpenRouterClient talks to the OpenRouter chat completions API.
type OpenRouterClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// apiKey returns the bearer token. Read per call so a key exported
	// mid-session takes effect without a restart.
	apiKey func() string
}

// NewOpenRouterClient creates an OpenRouter client. An empty baseURL
// selects DefaultOpenRouterURL.
func NewOpenRouterClient(baseURL string, logger *slog.Logger) *OpenRouterClient {
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		// OpenRouter attributes traffic by these headers.
		httpkit.WithHeader("HTTP-Referer", "https://aigent.local"),
		httpkit.WithHeader("X-Title", "Aigent"),
	)
	return &OpenRouterClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
		apiKey: func() string {
			return strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
		},
	}
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream,omitempty"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openRouterChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate sends a non-streaming chat completion.
func (c *OpenRouterClient) Generate(ctx context.Context, model, prompt string) string {
	resp, diag := c.post(ctx, model, prompt, false)
	if resp == nil {
		return diag
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var out openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Warn("openrouter response decode failed", "model", model, "error", err)
		return MissingKeyMessage
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return MissingKeyMessage
	}
	return out.Choices[0].Message.Content
}

// GenerateStream sends a streaming chat completion and reads the
// server-sent events. Each "data:" line carries a JSON chunk whose
// choices[0].delta.content is the next fragment; "data: [DONE]" ends
// the stream. Comments, blank lines, and unparseable chunks are skipped.
func (c *OpenRouterClient) GenerateStream(ctx context.Context, model, prompt string, sink chan<- string) string {
	resp, diag := c.post(ctx, model, prompt, true)
	if resp == nil {
		return diag
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var full strings.Builder
	dropped := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk openRouterChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream line", "provider", "openrouter", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		fragment := chunk.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		if !sendFragment(sink, fragment) {
			dropped++
		}
	}

	if err := scanner.Err(); err != nil {
		if full.Len() == 0 {
			return fmt.Sprintf("OpenRouter stream failed: %v", err)
		}
		c.logger.Warn("openrouter stream ended early",
			"model", model,
			"chars", full.Len(),
			"error", err,
		)
	}
	if dropped > 0 {
		c.logger.Debug("stream fragments not delivered", "provider", "openrouter", "dropped", dropped)
	}
	if full.Len() == 0 {
		return MissingKeyMessage
	}
	return full.String()
}

// post issues the chat completion request. On failure it returns a nil
// response and the diagnostic to hand back to the caller.
func (c *OpenRouterClient) post(ctx context.Context, model, prompt string, stream bool) (*http.Response, string) {
	key := c.apiKey()
	if key == "" {
		return nil, MissingKeyMessage
	}

	payload, err := json.Marshal(openRouterRequest{
		Model:    model,
		Messages: []openRouterMessage{{Role: "user", Content: prompt}},
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Sprintf("OpenRouter request failed: marshal request: %v", err)
	}

	c.logger.Log(ctx, LevelTrace, "openrouter request", "model", model, "stream", stream, "prompt", prompt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Sprintf("OpenRouter request failed: create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Sprintf("OpenRouter request failed: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return nil, fmt.Sprintf("OpenRouter error (%s): %s", resp.Status, strings.TrimSpace(body))
	}
	return resp, ""
}

type openRouterModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the hosted model IDs, falling back to a static
// list on any failure.
func (c *OpenRouterClient) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	fallback := slices.Clone(openRouterFallbackModels)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fallback
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("openrouter model list unavailable", "error", err)
		return fallback
	}
	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return fallback
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var list openRouterModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fallback
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	slices.Sort(models)
	models = slices.Compact(models)
	if len(models) == 0 {
		return fallback
	}
	return models
}
