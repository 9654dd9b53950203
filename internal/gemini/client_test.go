package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/intake/internal/llm"
)

func TestToContents_MapsRoles(t *testing.T) {
	got := toContents([]llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi, what happened?"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "model", got[1].Role)
	assert.Equal(t, "hi, what happened?", got[1].Parts[0].Text)
}

func TestGenerateConfig(t *testing.T) {
	cfg := generateConfig("be brief", 256)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
	assert.EqualValues(t, 256, cfg.MaxOutputTokens)

	cfg = generateConfig("", 0)
	assert.Nil(t, cfg.SystemInstruction)
	assert.Zero(t, cfg.MaxOutputTokens)
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), "", "")
	assert.Error(t, err)
}
