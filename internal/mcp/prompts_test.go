package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func promptRequest(name string, args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: name, Arguments: args},
	}
}

// promptText extracts the text of the single user message in a prompt result.
func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, result.Messages[0].Role)
	content, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok, "expected TextContent message")
	return content.Text
}

func TestImproveReviewPromptDefaultWindow(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleImproveReviewPrompt(context.Background(), promptRequest("improve-review", nil))
	require.NoError(t, err)
	assert.Equal(t, "Review the last 24 hours of self-improvement activity", result.Description)

	text := promptText(t, result)
	assert.Contains(t, text, "improve_status")
	assert.Contains(t, text, "since_hours=24")
	assert.Contains(t, text, "hash_verified")
	assert.Contains(t, text, "improve_diagnostics")
}

func TestImproveReviewPromptCustomWindow(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleImproveReviewPrompt(context.Background(), promptRequest("improve-review", map[string]string{
		"window_hours": "8",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Review the last 8 hours of self-improvement activity", result.Description)
	assert.Contains(t, promptText(t, result), "since_hours=8")
}

func TestChooseModePrompt(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleChooseModePrompt(context.Background(), promptRequest("choose-reasoning-mode", map[string]string{
		"problem": "Order these schema migrations safely",
	}))
	require.NoError(t, err)

	text := promptText(t, result)
	assert.Contains(t, text, "PROBLEM: Order these schema migrations safely")
	assert.Contains(t, text, "reasoning://modes")

	// Every catalog mode appears in the selection guide.
	for _, name := range modeNames() {
		assert.Contains(t, text, name)
	}
}

func TestChooseModePromptRequiresProblem(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.server.handleChooseModePrompt(context.Background(), promptRequest("choose-reasoning-mode", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "problem argument is required")
}
