// Package llm talks to OpenAI-compatible chat-completions endpoints (Groq in
// production) for the triage, judgment and escalation stages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ocx/sentinel-auditor/internal/circuitbreaker"
	"github.com/ocx/sentinel-auditor/internal/config"
	"github.com/ocx/sentinel-auditor/internal/core"
)

// Prompt is one system+user exchange.
type Prompt struct {
	System string
	User   string
}

// Completion is the raw model text plus bookkeeping for the trace.
type Completion struct {
	Content string        `json:"content"`
	Model   string        `json:"model"`
	Latency time.Duration `json:"latency_ns"`
	Tokens  int           `json:"total_tokens,omitempty"`
}

// Reasoner is the capability a reasoning stage needs.
type Reasoner interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
	Model() string
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatClient calls one model on one endpoint.
type ChatClient struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration

	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	pacer   *rate.Limiter
}

// NewChatClient builds a client from model config. breaker may be nil.
func NewChatClient(cfg config.ModelConfig, breaker *circuitbreaker.CircuitBreaker) *ChatClient {
	c := &ChatClient{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout(),
		http:        &http.Client{},
		breaker:     breaker,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *ChatClient) Model() string { return c.model }

// Complete sends the prompt in JSON mode. A call that exceeds the client
// timeout returns an error wrapping core.ErrUpstreamTimeout.
func (c *ChatClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, classify(ctx, fmt.Errorf("llm: pacing %s: %w", c.model, err))
		}
	}

	if c.breaker == nil {
		return c.do(ctx, p)
	}
	return circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (*Completion, error) {
		return c.do(ctx, p)
	})
}

func (c *ChatClient) do(ctx context.Context, p Prompt) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("llm: %s request: %w", c.model, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm: %s returned %d: %s", c.model, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classify(ctx, fmt.Errorf("llm: decode %s response: %w", c.model, err))
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("llm: %s returned no choices", c.model)
	}

	model := out.Model
	if model == "" {
		model = c.model
	}
	return &Completion{
		Content: out.Choices[0].Message.Content,
		Model:   model,
		Latency: time.Since(start),
		Tokens:  out.Usage.TotalTokens,
	}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(core.ErrUpstreamTimeout, err)
	}
	return err
}
