package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"panelsim/internal/prompt"
	"panelsim/internal/types"
)

// OpenAIClient implements LLMClient against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	maxAttempts int
	maxTokens   int
	temperature float64
	backoff     Backoff
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxAttempts     int
	MaxOutputTokens int
	Temperature     float64
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 1000
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		maxTokens:   cfg.MaxOutputTokens,
		temperature: cfg.Temperature,
		backoff:     defaultBackoff(),
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends the segment sequence as chat messages, retrying
// transient failures with exponential backoff. Segment roles map
// one-to-one onto chat roles, so conversation history arrives at the
// provider as alternating user and assistant turns.
func (c *OpenAIClient) Complete(ctx context.Context, segments []prompt.Segment) (*Completion, error) {
	if c.apiKey == "" {
		return nil, &types.UpstreamError{Provider: "openai", Reason: "API key not configured", Attempts: 0}
	}

	messages := make([]openAIMessage, 0, len(segments))
	for _, s := range segments {
		messages = append(messages, openAIMessage{Role: string(s.Role), Content: s.Content})
	}

	reqBody := openAIRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastStatus int
	var lastReason string

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.backoff.delayForAttempt(attempt-1)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if !retryableErr(err) {
				return nil, err
			}
			lastStatus, lastReason = 0, err.Error()
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastStatus, lastReason = resp.StatusCode, "failed to read response body"
			continue
		}

		if resp.StatusCode != http.StatusOK {
			if !retryableStatus(resp.StatusCode) {
				// Auth/validation rejections never succeed on retry.
				return nil, &types.UpstreamError{
					Provider: "openai",
					Status:   resp.StatusCode,
					Reason:   providerReason(body),
					Attempts: attempt,
				}
			}
			lastStatus, lastReason = resp.StatusCode, providerReason(body)
			continue
		}

		var out openAIResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if out.Error != nil {
			return nil, &types.UpstreamError{Provider: "openai", Status: resp.StatusCode, Reason: out.Error.Message, Attempts: attempt}
		}
		if len(out.Choices) == 0 {
			return nil, &types.UpstreamError{Provider: "openai", Status: resp.StatusCode, Reason: "no completion returned", Attempts: attempt}
		}

		return &Completion{
			Text:         strings.TrimSpace(out.Choices[0].Message.Content),
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			Model:        c.model,
		}, nil
	}

	return nil, &types.UpstreamError{
		Provider: "openai",
		Status:   lastStatus,
		Reason:   lastReason,
		Attempts: c.maxAttempts,
	}
}

// providerReason extracts a short error message from a provider body without
// leaking the whole payload to callers.
func providerReason(body []byte) string {
	var wrapped struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
