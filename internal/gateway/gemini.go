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

// GeminiClient implements LLMClient against the Gemini generateContent API.
type GeminiClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	maxAttempts int
	maxTokens   int
	temperature float64
	backoff     Backoff
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxAttempts     int
	MaxOutputTokens int
	Temperature     float64
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
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
	return &GeminiClient{
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

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string { return c.model }

// Complete sends the segment sequence to generateContent, retrying
// transient failures with exponential backoff. System segments become
// the systemInstruction; user and assistant history map to "user" and
// "model" contents.
func (c *GeminiClient) Complete(ctx context.Context, segments []prompt.Segment) (*Completion, error) {
	if c.apiKey == "" {
		return nil, &types.UpstreamError{Provider: "gemini", Reason: "API key not configured", Attempts: 0}
	}

	var system []string
	var contents []geminiContent
	for _, s := range segments {
		switch s.Role {
		case prompt.RoleSystem:
			system = append(system, s.Content)
		case prompt.RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: s.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: s.Content}}})
		}
	}
	if len(contents) == 0 {
		// generateContent rejects an empty contents list; a
		// system-only prompt goes up as the sole user turn.
		contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}}
		system = nil
	}

	reqBody := geminiRequest{
		Contents: contents,
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxTokens,
		},
	}
	if len(system) > 0 {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var lastStatus int
	var lastReason string

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.backoff.delayForAttempt(attempt-1)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

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
				return nil, &types.UpstreamError{
					Provider: "gemini",
					Status:   resp.StatusCode,
					Reason:   providerReason(body),
					Attempts: attempt,
				}
			}
			lastStatus, lastReason = resp.StatusCode, providerReason(body)
			continue
		}

		var out geminiResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if out.Error != nil {
			return nil, &types.UpstreamError{Provider: "gemini", Status: out.Error.Code, Reason: out.Error.Message, Attempts: attempt}
		}
		if len(out.Candidates) == 0 {
			return nil, &types.UpstreamError{Provider: "gemini", Status: resp.StatusCode, Reason: "no candidates returned", Attempts: attempt}
		}

		var text strings.Builder
		for _, part := range out.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}

		return &Completion{
			Text:         strings.TrimSpace(text.String()),
			InputTokens:  out.UsageMetadata.PromptTokenCount,
			OutputTokens: out.UsageMetadata.CandidatesTokenCount,
			Model:        c.model,
		}, nil
	}

	return nil, &types.UpstreamError{
		Provider: "gemini",
		Status:   lastStatus,
		Reason:   lastReason,
		Attempts: c.maxAttempts,
	}
}
