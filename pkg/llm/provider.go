// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm abstracts text-generation backends: Ollama, OpenAI-compatible
// APIs, Anthropic, and a scriptable mock for tests.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Provider generates text completions.
type Provider interface {
	// Generate produces a completion for a single prompt.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Chat handles multi-turn conversations.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// GenerateRequest asks for a single-prompt completion.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// GenerateResponse is the completion plus usage accounting.
type GenerateResponse struct {
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	PromptTokens int           `json:"prompt_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// ChatRequest asks for a chat completion over a message history.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// ChatResponse is the assistant turn plus usage accounting.
type ChatResponse struct {
	Message      Message       `json:"message"`
	Model        string        `json:"model"`
	PromptTokens int           `json:"prompt_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// ProviderConfig selects and parameterizes a backend.
type ProviderConfig struct {
	Type         string        `json:"type"` // ollama, openai, anthropic, mock
	BaseURL      string        `json:"base_url,omitempty"`
	APIKey       string        `json:"api_key,omitempty"`
	DefaultModel string        `json:"default_model,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// NewProvider builds the backend named in cfg. Missing fields fall back to
// environment variables (OLLAMA_HOST, OPENAI_API_KEY, ANTHROPIC_API_KEY,
// plus the matching *_MODEL and *_BASE_URL variables).
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch strings.ToLower(cfg.Type) {
	case "ollama", "local", "":
		return newOllamaProvider(cfg), nil
	case "openai", "openai-compatible":
		return newOpenAIProvider(cfg), nil
	case "anthropic", "claude":
		return newAnthropicProvider(cfg), nil
	case "mock", "test":
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider type %q (supported: ollama, openai, anthropic, mock)", cfg.Type)
	}
}

// DefaultProvider builds a provider from whatever the environment offers,
// preferring local Ollama, then OpenAI, then Anthropic, then the mock.
func DefaultProvider() (Provider, error) {
	switch {
	case os.Getenv("OLLAMA_HOST") != "" || os.Getenv("OLLAMA_BASE_URL") != "" || os.Getenv("OLLAMA_MODEL") != "":
		return NewProvider(ProviderConfig{Type: "ollama"})
	case os.Getenv("OPENAI_API_KEY") != "":
		return NewProvider(ProviderConfig{Type: "openai"})
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return NewProvider(ProviderConfig{Type: "anthropic"})
	default:
		return NewProvider(ProviderConfig{Type: "mock"})
	}
}

// envOr returns the first non-empty value among vals, else fallback.
func envOr(fallback string, vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return fallback
}

// postJSON sends a JSON payload and decodes the JSON response into out.
// Non-2xx responses surface the body in the error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// MockProvider returns scriptable responses for tests. Without scripts it
// echoes a canned reply.
type MockProvider struct {
	GenerateFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	ChatFunc     func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Responses, when set, are returned in order by Generate, then the
	// last one repeats. Useful for scripting multi-iteration agent runs.
	Responses []string
	calls     int
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if p.GenerateFunc != nil {
		return p.GenerateFunc(ctx, req)
	}
	text := fmt.Sprintf("[mock] response to: %.60s", req.Prompt)
	if len(p.Responses) > 0 {
		i := p.calls
		if i >= len(p.Responses) {
			i = len(p.Responses) - 1
		}
		p.calls++
		text = p.Responses[i]
	}
	return &GenerateResponse{Text: text, Model: "mock-model"}, nil
}

func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.ChatFunc != nil {
		return p.ChatFunc(ctx, req)
	}
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	gen, err := p.Generate(ctx, GenerateRequest{Prompt: last, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Message: Message{Role: "assistant", Content: gen.Text},
		Model:   gen.Model,
	}, nil
}
