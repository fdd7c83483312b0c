// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestMockProviderDeterministic(t *testing.T) {
	m := NewMockProvider(768)

	a, err := m.Embed(context.Background(), "func main() {}")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "func main() {}")
	require.NoError(t, err)
	c, err := m.Embed(context.Background(), "type Foo struct{}")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must yield the same vector")
	assert.NotEqual(t, a, c, "different text must yield a different vector")
	assert.Len(t, a, 768)
	assert.InDelta(t, 1.0, vectorNorm(a), 1e-5, "vectors are unit length")
}

func TestNormalizeEmbedding(t *testing.T) {
	v := normalizeEmbedding([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := normalizeEmbedding([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero, "zero vector stays zero")
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider(Config{Provider: "mock", Dimensions: 16}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MockProvider{}, p)

	p, err = NewProvider(Config{Provider: "ollama"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OllamaProvider{}, p)

	_, err = NewProvider(Config{Provider: "openai"}, nil)
	require.Error(t, err, "openai without API key is rejected")

	_, err = NewProvider(Config{Provider: "bogus"}, nil)
	require.Error(t, err)
}

func TestOllamaProviderPrefixesNomicDocuments(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float64{1, 0, 0}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", nil)
	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "search_document: hello", gotPrompt)
	assert.Equal(t, []float32{1, 0, 0}, vec)

	_, err = p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "search_query: hello", gotPrompt)
}

func TestOllamaProviderNoPrefixForOtherModels(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float64{0, 1}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", nil)
	_, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", gotPrompt)
}

func TestOllamaProviderSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ollamaErrorResponse{Error: "model not found"})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "missing-model", nil)
	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenAIProviderSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.6,0.8]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL, "text-embedding-3-small", nil)
	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-5)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("context deadline exceeded (Client.Timeout)"), true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"throttled", errors.New("ollama API error (status 429): slow down"), true},
		{"server error", errors.New("openai API error (status 503): overloaded"), true},
		{"bad request", errors.New("openai API error (status 400): bad input"), false},
		{"empty embedding", errors.New("ollama returned empty embedding"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestComputeBackoffWithJitterBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 50; i++ {
			d := computeBackoffWithJitter(cfg, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, cfg.MaxBackoff)
		}
	}
}

type countingProvider struct {
	calls int
	fails int
	err   error
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.calls <= c.fails {
		return nil, c.err
	}
	return []float32{1}, nil
}

func TestEmbedWithRetryTransientThenSuccess(t *testing.T) {
	p := &countingProvider{fails: 2, err: errors.New("connection refused")}
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}

	vec, err := embedWithRetry(context.Background(), p, "x", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, 3, p.calls)
}

func TestEmbedWithRetryStopsOnPermanentError(t *testing.T) {
	p := &countingProvider{fails: 10, err: errors.New("status 400: bad input")}
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}

	_, err := embedWithRetry(context.Background(), p, "x", cfg, nil)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls, "permanent errors are not retried")
}
