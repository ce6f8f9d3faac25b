// Package tools provides the tool registry and executor used by
// pipeline agents. Tools are registered with a risk level; destructive
// tools are refused unless the call carries an explicit confirmation.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/commbus"
)

// ConfirmedParam is the parameter key a caller sets after a
// confirmation interrupt has been approved.
const ConfirmedParam = "_confirmed"

// ToolHandler is a function that executes a tool.
type ToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string
	Description string
	Category    string
	RiskLevel   commbus.RiskLevel
	Handler     ToolHandler
}

// ConfirmationRequiredError is returned when a destructive tool is
// invoked without prior confirmation. Callers should raise a
// confirmation interrupt and retry with ConfirmedParam set.
type ConfirmationRequiredError struct {
	ToolName  string
	RiskLevel commbus.RiskLevel
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("tool %s requires confirmation (risk level %s)", e.ToolName, e.RiskLevel)
}

// ToolExecutor executes tools by name.
type ToolExecutor struct {
	tools map[string]*ToolDefinition
	mu    sync.RWMutex
}

// NewToolExecutor creates an empty ToolExecutor.
func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{
		tools: make(map[string]*ToolDefinition),
	}
}

// NewBuiltinExecutor creates a ToolExecutor preloaded with the
// built-in tools (echo, current_time).
func NewBuiltinExecutor() *ToolExecutor {
	e := NewToolExecutor()
	for _, def := range builtinTools() {
		// Built-in definitions are static and always valid.
		_ = e.Register(def)
	}
	return e
}

// Register registers a tool. A missing risk level defaults to
// read_only.
func (e *ToolExecutor) Register(def *ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = commbus.RiskLevelReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tools[def.Name] = def
	return nil
}

// Execute executes a tool by name. Destructive tools return a
// ConfirmationRequiredError unless params carries ConfirmedParam=true.
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, exists := e.tools[toolName]
	e.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("tool not found: %s", toolName)
	}

	if def.RiskLevel.RequiresConfirmation() && !isConfirmed(params) {
		return nil, &ConfirmationRequiredError{ToolName: toolName, RiskLevel: def.RiskLevel}
	}

	return def.Handler(ctx, params)
}

func isConfirmed(params map[string]any) bool {
	confirmed, ok := params[ConfirmedParam].(bool)
	return ok && confirmed
}

// Has checks if a tool is registered.
func (e *ToolExecutor) Has(toolName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.tools[toolName]
	return exists
}

// List returns all registered tool names, sorted.
func (e *ToolExecutor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDefinition gets a tool definition by name.
func (e *ToolExecutor) GetDefinition(toolName string) *ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[toolName]
}

// ToolRegistry is an interface for tool registration and lookup.
type ToolRegistry interface {
	Register(def *ToolDefinition) error
	Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
	Has(toolName string) bool
	List() []string
}

// Ensure ToolExecutor implements ToolRegistry
var _ ToolRegistry = (*ToolExecutor)(nil)

// =============================================================================
// BUILT-IN TOOLS
// =============================================================================

func builtinTools() []*ToolDefinition {
	return []*ToolDefinition{
		{
			Name:        "echo",
			Description: "Returns its parameters unchanged",
			Category:    "utility",
			RiskLevel:   commbus.RiskLevelReadOnly,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				return map[string]any{"echo": params}, nil
			},
		},
		{
			Name:        "current_time",
			Description: "Returns the current UTC time in RFC3339 format",
			Category:    "utility",
			RiskLevel:   commbus.RiskLevelReadOnly,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				return map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}, nil
			},
		},
	}
}
