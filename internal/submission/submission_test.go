package submission

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord(t *testing.T) schema.Record {
	t.Helper()
	r := schema.Default().NewRecord()
	var err error
	r, err = r.Set(schema.Path{"claimant", "name"}, "Jane Doe")
	require.NoError(t, err)
	r, err = r.Set(schema.Path{"incident", "witnesses"}, []string{"Bob"})
	require.NoError(t, err)
	return r
}

func TestIdempotencyKey_StableAndSessionScoped(t *testing.T) {
	r := sampleRecord(t)
	k1, err := IdempotencyKey("s1", r)
	require.NoError(t, err)
	k2, err := IdempotencyKey("s1", r)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	other, err := IdempotencyKey("s2", r)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)

	changed, err := r.Set(schema.Path{"claimant", "phone"}, "555-0100")
	require.NoError(t, err)
	k3, err := IdempotencyKey("s1", changed)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestHTTPGateway_Submit(t *testing.T) {
	r := sampleRecord(t)
	wantKey, err := IdempotencyKey("s1", r)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		assert.Equal(t, wantKey, req.Header.Get("Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "s1", body["session_id"])
		claimant := body["record"].(map[string]any)["claimant"].(map[string]any)
		assert.Equal(t, "Jane Doe", claimant["name"])

		json.NewEncoder(w).Encode(map[string]any{
			"record_id":    "CLM-42",
			"status":       "received",
			"confirmation": "Claim CLM-42 received.",
			"next_steps":   []string{"Wait for a call."},
		})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "secret", discardLogger())
	res, err := g.Submit(context.Background(), "s1", r)
	require.NoError(t, err)
	assert.Equal(t, "CLM-42", res.RecordID)
	assert.Equal(t, []string{"Wait for a call."}, res.NextSteps)
	assert.False(t, res.SubmittedAt.IsZero())
}

func TestHTTPGateway_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "", discardLogger())
	_, err := g.Submit(context.Background(), "s1", sampleRecord(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLocalGateway(t *testing.T) {
	g := NewLocalGateway(discardLogger())
	res, err := g.Submit(context.Background(), "s1", sampleRecord(t))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.RecordID, "CLM-"))
	assert.Equal(t, "received", res.Status)
	assert.NotEmpty(t, res.NextSteps)
	assert.Equal(t, 1, g.Count())
}
