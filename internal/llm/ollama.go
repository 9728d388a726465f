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

// DefaultOllamaURL is used when neither config nor OLLAMA_BASE_URL
// names a server.
const DefaultOllamaURL = "http://localhost:11434"

// errorBodyLimit bounds how much of a failed response is echoed back
// into a diagnostic.
const errorBodyLimit = 2048

// OllamaClient talks to a local Ollama server's /api/generate endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
// OLLAMA_BASE_URL, when set, takes precedence over baseURL.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if env := strings.TrimSpace(os.Getenv("OLLAMA_BASE_URL")); env != "" {
		baseURL = env
	}
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Generation is bounded by ctx, not a client timeout: local models
	// can stream for minutes.
	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
	}
}

// BaseURL returns the resolved server URL.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response *string `json:"response"`
	Done     bool    `json:"done"`
	Error    string  `json:"error,omitempty"`
}

// Generate sends a non-streaming generation request.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) string {
	resp, diag := c.post(ctx, model, prompt, false)
	if resp == nil {
		return diag
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return c.unavailable(model, err)
	}

	c.logger.Log(ctx, LevelTrace, "ollama response", "body", body.String())

	var out ollamaGenerateResponse
	if err := json.Unmarshal(body.Bytes(), &out); err != nil || out.Response == nil {
		return fmt.Sprintf("Ollama response missing text: %s", strings.TrimSpace(body.String()))
	}
	return *out.Response
}

// GenerateStream sends a streaming request and reads the
// newline-delimited JSON reply. Each line carries a "response" fragment;
// the line with "done": true ends the stream. Lines that fail to parse
// are skipped.
func (c *OllamaClient) GenerateStream(ctx context.Context, model, prompt string, sink chan<- string) string {
	resp, diag := c.post(ctx, model, prompt, true)
	if resp == nil {
		return diag
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var full strings.Builder
	var backendErr string
	dropped := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaGenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Debug("skipping malformed stream line", "provider", "ollama", "error", err)
			continue
		}
		if chunk.Error != "" {
			backendErr = chunk.Error
			c.logger.Warn("ollama stream error", "model", model, "error", chunk.Error)
			continue
		}
		if chunk.Response != nil && *chunk.Response != "" {
			full.WriteString(*chunk.Response)
			if !sendFragment(sink, *chunk.Response) {
				dropped++
			}
		}
		if chunk.Done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if full.Len() == 0 {
			return c.unavailable(model, err)
		}
		c.logger.Warn("ollama stream ended early",
			"model", model,
			"chars", full.Len(),
			"error", err,
		)
	}
	if full.Len() == 0 && backendErr != "" {
		return fmt.Sprintf("Ollama error (stream): %s", backendErr)
	}
	if dropped > 0 {
		c.logger.Debug("stream fragments not delivered", "provider", "ollama", "dropped", dropped)
	}

	return full.String()
}

// post issues the generate request. On failure it returns a nil
// response and the diagnostic to hand back to the caller.
func (c *OllamaClient) post(ctx context.Context, model, prompt string, stream bool) (*http.Response, string) {
	payload, err := json.Marshal(ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: stream})
	if err != nil {
		return nil, c.unavailable(model, fmt.Errorf("marshal request: %w", err))
	}

	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "stream", stream, "prompt", prompt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, c.unavailable(model, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.unavailable(model, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return nil, fmt.Sprintf("Ollama error (%s): %s", resp.Status, strings.TrimSpace(body))
	}
	return resp, ""
}

func (c *OllamaClient) unavailable(model string, err error) string {
	return fmt.Sprintf("Ollama unavailable at %s. Start Ollama and ensure model '%s' is installed. Error: %v",
		c.baseURL, model, err)
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the installed model names, sorted and
// deduplicated. Failures produce a single explanatory entry.
func (c *OllamaClient) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return []string{fmt.Sprintf("failed to read ollama models: %v", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return []string{
			fmt.Sprintf("ollama not reachable at %s", c.baseURL),
			"start ollama and run: ollama pull <model>",
		}
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return []string{fmt.Sprintf("failed to read ollama models: %s %s", resp.Status, strings.TrimSpace(body))}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return []string{fmt.Sprintf("failed to read ollama models: %v", err)}
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	slices.Sort(models)
	models = slices.Compact(models)

	if len(models) == 0 {
		return []string{"no models installed (run: ollama pull <model>)"}
	}
	return models
}

// Ping reports whether the server answers its model listing endpoint.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable at %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama at %s: %s", c.baseURL, resp.Status)
	}
	return nil
}
