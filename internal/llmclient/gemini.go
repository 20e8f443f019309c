package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/config"
)

// GeminiClient talks to the Gemini generateContent endpoint over plain HTTP.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	log        *zap.Logger

	newBackoff func() backoff.BackOff
}

var _ schemas.LLMClient = (*GeminiClient)(nil)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient builds a client from the AI configuration.
func NewGeminiClient(cfg config.AIConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(
			"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &GeminiClient{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		log: logger.Named("llm.gemini"),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Generate sends the prompt pair and returns the first candidate's text.
// Transient failures (429, 5xx, network errors) are retried with exponential
// backoff until the budget runs out.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var out string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.log.Warn("network error, retrying", zap.Error(err))
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp.StatusCode, respBody)
		}

		var payload geminiResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("no candidates in response"))
		}

		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("request blocked (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("empty content parts (reason: %s)", candidate.FinishReason)
		}

		c.log.Debug("generation complete",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount))

		out = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return "", err
	}
	return out, nil
}

// Close releases pooled connections.
func (c *GeminiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *GeminiClient) buildRequest(req schemas.GenerationRequest) geminiRequest {
	genCfg := geminiGenerationConfig{Temperature: req.Temperature}
	if req.ForceJSONFormat {
		genCfg.ResponseMimeType = "application/json"
	}

	out := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
		GenerationConfig: genCfg,
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiSystemInstruction{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	return out
}

func (c *GeminiClient) statusError(statusCode int, body []byte) error {
	err := fmt.Errorf("gemini API status %d: %s", statusCode, string(body))
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		c.log.Warn("transient API error, retrying", zap.Int("status", statusCode))
		return err
	default:
		c.log.Error("permanent API error", zap.Int("status", statusCode), zap.String("body", string(body)))
		return backoff.Permanent(err)
	}
}
