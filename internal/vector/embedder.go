// Package vector turns search terms into embeddings and looks up the nearest
// policy passages in the Supabase pgvector table.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/circuitbreaker"
	"github.com/ocx/sentinel-auditor/internal/core"
)

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint (or a
// sentence-transformers server exposing the same shape).
type HTTPEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

func NewHTTPEmbedder(endpoint, apiKey, model string, breaker *circuitbreaker.CircuitBreaker) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{},
		breaker:  breaker,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.breaker == nil {
		return e.embed(ctx, text)
	}
	return circuitbreaker.Do(ctx, e.breaker, func(ctx context.Context) ([]float32, error) {
		return e.embed(ctx, text)
	})
}

func (e *HTTPEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Join(core.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("embed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embedding")
	}
	return out.Data[0].Embedding, nil
}
