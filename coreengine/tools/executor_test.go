package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
	return map[string]any{"user_id": userID, "params": params}, nil
}

// =============================================================================
// TOOL EXECUTOR TESTS
// =============================================================================

func TestNewToolExecutor(t *testing.T) {
	executor := NewToolExecutor()

	assert.NotNil(t, executor)
	assert.Empty(t, executor.List())
}

func TestRegisterTool(t *testing.T) {
	// Test registering a tool defaults its risk level.
	executor := NewToolExecutor()

	err := executor.Register(&ToolDefinition{Name: "add_goal", Description: "Add a goal", Handler: echoHandler})

	require.NoError(t, err)
	assert.True(t, executor.Has("add_goal"))
	assert.Equal(t, RiskReadOnly, executor.GetDefinition("add_goal").RiskLevel)
}

func TestRegisterToolValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     *ToolDefinition
		wantErr string
	}{
		{"missing name", &ToolDefinition{Handler: echoHandler}, "name is required"},
		{"missing handler", &ToolDefinition{Name: "add_goal"}, "handler is required for 'add_goal'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewToolExecutor().Register(tt.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisterToolTwice(t *testing.T) {
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{Name: "add_goal", Handler: echoHandler}))

	err := executor.Register(&ToolDefinition{Name: "add_goal", Handler: echoHandler})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestExecuteTool(t *testing.T) {
	executor := NewToolExecutor()
	require.NoError(t, executor.Register(&ToolDefinition{Name: "add_goal", Handler: echoHandler}))

	out, err := executor.Execute(context.Background(), "add_goal", "u1", map[string]any{"name": "Car"})

	require.NoError(t, err)
	assert.Equal(t, "u1", out["user_id"])
	assert.Equal(t, map[string]any{"name": "Car"}, out["params"])
}

func TestExecuteUnknownTool(t *testing.T) {
	_, err := NewToolExecutor().Execute(context.Background(), "nope", "u1", nil)

	require.ErrorIs(t, err, ErrToolNotFound)
	assert.Contains(t, err.Error(), "nope")
}

func TestExecuteToolError(t *testing.T) {
	executor := NewToolExecutor()
	boom := errors.New("boom")
	require.NoError(t, executor.Register(&ToolDefinition{Name: "bad", Handler: func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, boom
	}}))

	_, err := executor.Execute(context.Background(), "bad", "u1", nil)

	assert.ErrorIs(t, err, boom)
}

func TestExecuteCancelled(t *testing.T) {
	executor := NewToolExecutor()
	called := false
	require.NoError(t, executor.Register(&ToolDefinition{Name: "add_goal", Handler: func(context.Context, string, map[string]any) (map[string]any, error) {
		called = true
		return nil, nil
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Execute(ctx, "add_goal", "u1", nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestListAndDefinitionsSorted(t *testing.T) {
	executor := NewToolExecutor()
	for _, name := range []string{"update_goal", "add_budget", "add_goal"} {
		require.NoError(t, executor.Register(&ToolDefinition{Name: name, RiskLevel: RiskWrite, Handler: echoHandler}))
	}

	assert.Equal(t, []string{"add_budget", "add_goal", "update_goal"}, executor.List())
	defs := executor.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "add_budget", defs[0].Name)
	assert.Equal(t, RiskWrite, defs[2].RiskLevel)
}
