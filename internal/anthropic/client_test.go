package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/intake/internal/llm"
)

func TestComplete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "you are a test", req.System)
		assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "hello"}}, req.Messages)
		assert.Equal(t, 100, req.MaxTokens)

		json.NewEncoder(w).Encode(response{
			Content: []contentBlock{
				{Type: "text", Text: "wor"},
				{Type: "tool_use"},
				{Type: "text", Text: "ld"},
			},
			StopReason: "end_turn",
		})
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetTestTransport(server.URL)

	result, err := c.Complete(context.Background(), "you are a test", []llm.Message{{Role: llm.RoleUser, Content: "hello"}}, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", result)
}

func TestComplete_APIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "invalid_request_error",
				"message": "max_tokens is too large",
			},
		})
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetTestTransport(server.URL)

	_, err := c.Complete(context.Background(), "", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_request_error")
	assert.EqualValues(t, 1, calls.Load())
}

func TestComplete_RetriesOverload(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			return
		}
		json.NewEncoder(w).Encode(response{Content: []contentBlock{{Type: "text", Text: "ok"}}})
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetTestTransport(server.URL)

	result, err := c.Complete(context.Background(), "", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 100)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.EqualValues(t, 2, calls.Load())
}

func TestComplete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response{StopReason: "end_turn"})
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetTestTransport(server.URL)

	_, err := c.Complete(context.Background(), "", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 100)
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}
