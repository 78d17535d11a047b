package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel-auditor/internal/circuitbreaker"
	"github.com/ocx/sentinel-auditor/internal/config"
	"github.com/ocx/sentinel-auditor/internal/core"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gsk_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"llama-3.1-8b-instant","choices":[{"message":{"content":"{\"decision\":\"BLOCK\"}"}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := NewChatClient(config.ModelConfig{
		Endpoint:  srv.URL,
		Model:     "llama-3.1-8b-instant",
		APIKey:    "gsk_test",
		TimeoutMs: 1000,
	}, nil)

	out, err := c.Complete(context.Background(), Prompt{System: "sys", User: "usr"})
	require.NoError(t, err)

	assert.Equal(t, `{"decision":"BLOCK"}`, out.Content)
	assert.Equal(t, 42, out.Tokens)
	assert.Equal(t, "llama-3.1-8b-instant", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "usr", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewChatClient(config.ModelConfig{Endpoint: srv.URL, Model: "m", TimeoutMs: 50}, nil)
	_, err := c.Complete(context.Background(), Prompt{})
	assert.ErrorIs(t, err, core.ErrUpstreamTimeout)
}

func TestCompleteNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatClient(config.ModelConfig{Endpoint: srv.URL, Model: "m", TimeoutMs: 1000}, nil)
	_, err := c.Complete(context.Background(), Prompt{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.NotErrorIs(t, err, core.ErrUpstreamTimeout)
}

func TestCompleteOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:        "fast-model",
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	c := NewChatClient(config.ModelConfig{Endpoint: srv.URL, Model: "m", TimeoutMs: 1000}, cb)

	for i := 0; i < 2; i++ {
		_, err := c.Complete(context.Background(), Prompt{})
		require.Error(t, err)
	}
	_, err := c.Complete(context.Background(), Prompt{})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtractObject(t *testing.T) {
	cases := map[string]string{
		"plain":   `{"decision":"BLOCK","confidence":95}`,
		"fenced":  "```json\n{\"decision\":\"BLOCK\",\"confidence\":95}\n```",
		"prose":   `Here is my verdict: {"decision":"BLOCK","confidence":95} hope that helps`,
		"bracket": `note {"decision":"BLOCK","confidence":95,"reasoning":"brace } in text"} trailing }`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			obj, err := ExtractObject(in)
			require.NoError(t, err)
			assert.Equal(t, "BLOCK", obj["decision"])
			assert.EqualValues(t, 95, obj["confidence"])
		})
	}

	_, err := ExtractObject("decision: BLOCK")
	assert.ErrorIs(t, err, core.ErrParseFailure)
	_, err = ExtractObject(`{"decision": "BLOCK"`)
	assert.ErrorIs(t, err, core.ErrParseFailure)
}
