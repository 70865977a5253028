package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// ChatMessage is one turn in a provider chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tune a single provider call. Zero values defer to the
// client's configured defaults.
type ChatOptions struct {
	Provider    string
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// Usage holds token accounting from a provider response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is a completed (or fully streamed) chat call.
type ChatResult struct {
	Content  string
	Provider string
	Model    string
	Usage    Usage
}

// MediaResult is a completed media generation call.
type MediaResult struct {
	URL           string
	RevisedPrompt string
	Provider      string
	Model         string
}

// GenerationProvider is the model-call contract the handlers consume.
type GenerationProvider interface {
	Chat(ctx context.Context, messages []ChatMessage, userID int64, opts ChatOptions) (*ChatResult, error)
	ChatStream(ctx context.Context, messages []ChatMessage, onChunk StreamCallback, userID int64, opts ChatOptions) (*ChatResult, error)
	GenerateImage(ctx context.Context, prompt string, userID int64, opts ChatOptions) (*MediaResult, error)
	GenerateVideo(ctx context.Context, prompt string, userID int64, opts ChatOptions) (*MediaResult, error)
}

// Client talks to an OpenAI-compatible endpoint. One client serves chat,
// streaming, and media generation.
type Client struct {
	baseURL    string
	provider   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client from config.
func NewClient(cfg APIConfig, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.Provider != "" {
		provider = cfg.Provider
	}

	return &Client{
		baseURL:  baseURL,
		provider: provider,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		httpClient: &http.Client{
			// Per-call deadlines come from context; a global timeout would
			// race with long streaming responses.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "provider", "provider", provider),
	}
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "mistral.ai"):
		return "mistral"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// resolveAPIKey returns the key to send. Priority: configured key, OS
// keyring, provider-specific env var, generic API_KEY.
func (c *Client) resolveAPIKey() string {
	if c.apiKey != "" {
		return c.apiKey
	}
	if key := KeyringAPIKey(c.provider); key != "" {
		return key
	}
	if key := os.Getenv(providerKeyName(c.provider)); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
}

// Provider returns the detected or configured provider name.
func (c *Client) Provider() string { return c.provider }

// ---------- Wire types (OpenAI-compatible) ----------

type wireChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type wireChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

type wireImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
}

type wireImageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---------- Error classification ----------

// ErrorKind classifies API failures for retry and presentation decisions.
type ErrorKind int

const (
	ErrorRetryable ErrorKind = iota // transient 5xx
	ErrorRateLimit
	ErrorOverloaded
	ErrorTimeout
	ErrorAuth
	ErrorBilling
	ErrorContext
	ErrorBadRequest
	ErrorFatal
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return ErrorContext
	}
	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") {
		return ErrorBilling
	}
	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "rate_limit") {
		return ErrorRateLimit
	}
	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return ErrorOverloaded
	}
	if strings.Contains(bodyLower, "timeout") || strings.Contains(bodyLower, "deadline") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

// ---------- Calls ----------

// Chat performs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, userID int64, opts ChatOptions) (*ChatResult, error) {
	model := c.pickModel(opts)
	reqBody := wireChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	respBody, err := c.post(ctx, c.baseURL+"/chat/completions", reqBody, model, userID)
	if err != nil {
		return nil, err
	}

	var parsed wireChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing chat response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	if parsed.Error != nil {
		return nil, c.providerError(model, parsed.Error.Message, nil, nil)
	}
	if len(parsed.Choices) == 0 {
		return nil, c.providerError(model, "empty response: no choices", nil, nil)
	}

	return &ChatResult{
		Content:  strings.TrimSpace(parsed.Choices[0].Message.Content),
		Provider: c.provider,
		Model:    firstNonEmpty(parsed.Model, model),
		Usage:    parsed.Usage,
	}, nil
}

// ChatStream performs a streaming chat completion, invoking onChunk
// synchronously per SSE delta in emission order. A chunk callback failure
// is impossible to observe from a func value, but a cancelled context
// aborts immediately with the original error intact.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, onChunk StreamCallback, userID int64, opts ChatOptions) (*ChatResult, error) {
	model := c.pickModel(opts)
	reqBody := wireChatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.providerError(model, err.Error(), nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, c.apiFailure(model, resp.StatusCode, string(body))
	}

	result := &ChatResult{Provider: c.provider, Model: model}
	var content strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onChunk != nil {
					onChunk(choice.Delta.Content)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	result.Content = strings.TrimSpace(content.String())
	c.logger.Info("chat stream done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"content_len", len(result.Content),
	)
	return result, nil
}

// GenerateImage requests an image and returns its remote URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string, userID int64, opts ChatOptions) (*MediaResult, error) {
	return c.generateMedia(ctx, c.baseURL+"/images/generations", prompt, userID, opts)
}

// GenerateVideo requests a video and returns its remote URL.
func (c *Client) GenerateVideo(ctx context.Context, prompt string, userID int64, opts ChatOptions) (*MediaResult, error) {
	return c.generateMedia(ctx, c.baseURL+"/videos/generations", prompt, userID, opts)
}

func (c *Client) generateMedia(ctx context.Context, endpoint, prompt string, userID int64, opts ChatOptions) (*MediaResult, error) {
	model := c.pickModel(opts)
	respBody, err := c.post(ctx, endpoint, wireImageRequest{Model: model, Prompt: prompt, N: 1}, model, userID)
	if err != nil {
		return nil, err
	}

	var parsed wireImageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing media response: %w", err)
	}
	if parsed.Error != nil {
		return nil, c.providerError(model, parsed.Error.Message, nil, nil)
	}
	if len(parsed.Data) == 0 {
		return nil, c.providerError(model, "empty media response", nil, nil)
	}

	return &MediaResult{
		URL:           parsed.Data[0].URL,
		RevisedPrompt: parsed.Data[0].RevisedPrompt,
		Provider:      c.provider,
		Model:         model,
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any, model string, userID int64) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())

	c.logger.Debug("provider request", "endpoint", endpoint, "model", model, "user", userID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.providerError(model, err.Error(), nil, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("provider API error",
			"model", model,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return nil, c.apiFailure(model, resp.StatusCode, string(respBody))
	}

	c.logger.Debug("provider request done",
		"endpoint", endpoint,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return respBody, nil
}

// apiFailure builds a ProviderError from an HTTP failure, attaching the
// classified kind so callers can present rate-limit vs billing distinctly.
func (c *Client) apiFailure(model string, status int, body string) error {
	kind := classifyAPIError(status, body)
	details := map[string]any{
		"status": status,
		"kind":   kind.String(),
	}
	return c.providerError(model, fmt.Sprintf("API returned %d: %s", status, truncate(body, 200)), details, nil)
}

func (c *Client) providerError(model, message string, details map[string]any, cause error) error {
	return &ProviderError{
		Provider: providerDisplayName(c.provider),
		Model:    model,
		Message:  message,
		Details:  details,
		Err:      cause,
	}
}

func (c *Client) pickModel(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.model
}

// providerDisplayName returns a human-readable provider name for errors.
func providerDisplayName(provider string) string {
	switch provider {
	case "openai":
		return "OpenAI"
	case "anthropic":
		return "Anthropic"
	case "openrouter":
		return "OpenRouter"
	case "groq":
		return "Groq"
	case "mistral":
		return "Mistral"
	case "ollama":
		return "Ollama"
	default:
		if provider == "" {
			return "LLM"
		}
		return provider
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
