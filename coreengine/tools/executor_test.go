package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel-io/agentkernel/commbus"
)

func noopHandler(ctx context.Context, params map[string]any) (map[string]any, error) {
	return nil, nil
}

func staticHandler(result map[string]any) ToolHandler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return result, nil
	}
}

func TestNewToolExecutor(t *testing.T) {
	executor := NewToolExecutor()
	assert.NotNil(t, executor)
	assert.Empty(t, executor.List())
}

func TestRegisterTool(t *testing.T) {
	executor := NewToolExecutor()

	err := executor.Register(&ToolDefinition{
		Name:        "test_tool",
		Description: "A test tool",
		Category:    "testing",
		RiskLevel:   commbus.RiskLevelReadOnly,
		Handler:     staticHandler(map[string]any{"result": "success"}),
	})

	require.NoError(t, err)
	assert.True(t, executor.Has("test_tool"))
	assert.Contains(t, executor.List(), "test_tool")
}

func TestRegisterToolRejectsIncompleteDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		def     ToolDefinition
		wantErr string
	}{
		{"empty name", ToolDefinition{Handler: noopHandler}, "name is required"},
		{"nil handler", ToolDefinition{Name: "broken_tool"}, "handler is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewToolExecutor().Register(&tc.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestExecuteTool(t *testing.T) {
	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{
		Name: "echo_tool",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"echo": params["input"], "status": "success"}, nil
		},
	})

	result, err := executor.Execute(context.Background(), "echo_tool", map[string]any{"input": "hello"})

	require.NoError(t, err)
	assert.Equal(t, "hello", result["echo"])
	assert.Equal(t, "success", result["status"])
}

func TestExecuteToolNotFound(t *testing.T) {
	result, err := NewToolExecutor().Execute(context.Background(), "nonexistent_tool", nil)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "tool not found")
	assert.Contains(t, err.Error(), "nonexistent_tool")
}

func TestExecuteToolError(t *testing.T) {
	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{
		Name: "error_tool",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, errors.New("tool execution failed")
		},
	})

	result, err := executor.Execute(context.Background(), "error_tool", nil)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "tool execution failed")
}

func TestHasTool(t *testing.T) {
	executor := NewToolExecutor()
	assert.False(t, executor.Has("test_tool"))

	executor.Register(&ToolDefinition{Name: "test_tool", Handler: noopHandler})

	assert.True(t, executor.Has("test_tool"))
	assert.False(t, executor.Has("other_tool"))
}

func TestListTools(t *testing.T) {
	executor := NewToolExecutor()
	assert.Empty(t, executor.List())

	for _, name := range []string{"tool_a", "tool_b", "tool_c"} {
		executor.Register(&ToolDefinition{Name: name, Handler: noopHandler})
	}

	assert.ElementsMatch(t, []string{"tool_a", "tool_b", "tool_c"}, executor.List())
}

func TestListIsSorted(t *testing.T) {
	executor := NewToolExecutor()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		executor.Register(&ToolDefinition{Name: name, Handler: noopHandler})
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, executor.List())
}

func TestGetDefinition(t *testing.T) {
	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{
		Name:        "my_tool",
		Description: "My tool description",
		Category:    "testing",
		RiskLevel:   commbus.RiskLevelWrite,
		Handler:     noopHandler,
	})

	retrieved := executor.GetDefinition("my_tool")
	require.NotNil(t, retrieved)
	assert.Equal(t, "my_tool", retrieved.Name)
	assert.Equal(t, "My tool description", retrieved.Description)
	assert.Equal(t, "testing", retrieved.Category)
	assert.Equal(t, commbus.RiskLevelWrite, retrieved.RiskLevel)

	assert.Nil(t, executor.GetDefinition("nonexistent"))
}

func TestExecuteWithContext(t *testing.T) {
	type ctxKey string
	key := ctxKey("test_key")

	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{
		Name: "context_tool",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"context_value": ctx.Value(key)}, nil
		},
	})

	ctx := context.WithValue(context.Background(), key, "test_value")
	result, err := executor.Execute(ctx, "context_tool", nil)

	require.NoError(t, err)
	assert.Equal(t, "test_value", result["context_value"])
}

func TestToolOverwrite(t *testing.T) {
	executor := NewToolExecutor()

	executor.Register(&ToolDefinition{Name: "tool", Handler: staticHandler(map[string]any{"version": 1})})
	result, _ := executor.Execute(context.Background(), "tool", nil)
	assert.Equal(t, 1, result["version"])

	// Re-registering the same name replaces the old definition.
	executor.Register(&ToolDefinition{Name: "tool", Handler: staticHandler(map[string]any{"version": 2})})
	result, _ = executor.Execute(context.Background(), "tool", nil)
	assert.Equal(t, 2, result["version"])
}

func TestRegisterDefaultsRiskLevel(t *testing.T) {
	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{Name: "plain_tool", Handler: noopHandler})

	def := executor.GetDefinition("plain_tool")
	require.NotNil(t, def)
	assert.Equal(t, commbus.RiskLevelReadOnly, def.RiskLevel)
}

func TestExecuteDestructiveToolRequiresConfirmation(t *testing.T) {
	executor := NewToolExecutor()

	executed := false
	executor.Register(&ToolDefinition{
		Name:      "delete_everything",
		RiskLevel: commbus.RiskLevelDestructive,
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			executed = true
			return map[string]any{"deleted": true}, nil
		},
	})

	result, err := executor.Execute(context.Background(), "delete_everything", map[string]any{})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.False(t, executed, "handler must not run without confirmation")

	var confirmErr *ConfirmationRequiredError
	require.ErrorAs(t, err, &confirmErr)
	assert.Equal(t, "delete_everything", confirmErr.ToolName)
	assert.Equal(t, commbus.RiskLevelDestructive, confirmErr.RiskLevel)
}

func TestExecuteDestructiveToolWithConfirmation(t *testing.T) {
	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{
		Name:      "delete_everything",
		RiskLevel: commbus.RiskLevelDestructive,
		Handler:   staticHandler(map[string]any{"deleted": true}),
	})

	result, err := executor.Execute(context.Background(), "delete_everything", map[string]any{
		ConfirmedParam: true,
	})

	require.NoError(t, err)
	assert.Equal(t, true, result["deleted"])
}

func TestExecuteWriteToolNoConfirmationNeeded(t *testing.T) {
	executor := NewToolExecutor()
	executor.Register(&ToolDefinition{
		Name:      "save_note",
		RiskLevel: commbus.RiskLevelWrite,
		Handler:   staticHandler(map[string]any{"saved": true}),
	})

	result, err := executor.Execute(context.Background(), "save_note", map[string]any{})

	require.NoError(t, err)
	assert.Equal(t, true, result["saved"])
}

func TestNewBuiltinExecutor(t *testing.T) {
	executor := NewBuiltinExecutor()
	assert.True(t, executor.Has("echo"))
	assert.True(t, executor.Has("current_time"))
}

func TestBuiltinEcho(t *testing.T) {
	result, err := NewBuiltinExecutor().Execute(context.Background(), "echo", map[string]any{"key": "value"})

	require.NoError(t, err)
	echoed, ok := result["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "value", echoed["key"])
}

func TestBuiltinCurrentTime(t *testing.T) {
	result, err := NewBuiltinExecutor().Execute(context.Background(), "current_time", nil)

	require.NoError(t, err)
	assert.NotEmpty(t, result["time"])
}

func TestToolExecutorImplementsToolRegistry(t *testing.T) {
	var registry ToolRegistry = NewToolExecutor()
	assert.NotNil(t, registry)
}
