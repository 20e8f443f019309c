package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/config"
)

func newTestClient(t *testing.T, endpoint string) *GeminiClient {
	t.Helper()
	c, err := NewGeminiClient(config.AIConfig{
		APIKey:   "test-key",
		Model:    "gemini-2.0-flash",
		Endpoint: endpoint,
	}, zap.NewNop())
	require.NoError(t, err)
	// Immediate retries keep the transient-failure tests fast.
	c.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}
	return c
}

func candidateBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
		},
	})
	return string(b)
}

func TestGenerateSuccess(t *testing.T) {
	var gotReq geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(candidateBody(`{"meeting_risk": 8}`)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt:    "classify jobs",
		UserPrompt:      "TITLE: foo",
		ForceJSONFormat: true,
	})

	require.NoError(t, err)
	assert.Equal(t, `{"meeting_risk": 8}`, out)
	require.NotNil(t, gotReq.SystemInstruction)
	assert.Equal(t, "classify jobs", gotReq.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", gotReq.GenerationConfig.ResponseMimeType)
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(candidateBody("ok")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid model"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestGenerateSafetyBlockIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		b, _ := json.Marshal(map[string]any{
			"candidates": []map[string]any{{"finishReason": "SAFETY"}},
		})
		w.Write(b)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(config.AIConfig{Model: "gemini-2.0-flash"}, zap.NewNop())
	assert.Error(t, err)
}

func TestDefaultEndpointFromModel(t *testing.T) {
	c, err := NewGeminiClient(config.AIConfig{APIKey: "k", Model: "gemini-2.0-flash"}, zap.NewNop())
	require.NoError(t, err)
	assert.Contains(t, c.endpoint, "models/gemini-2.0-flash:generateContent")
}
