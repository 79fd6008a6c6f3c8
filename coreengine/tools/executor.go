// Package tools is the registry of user-confirmed data commands (add a
// transaction, update a budget and so on) and runs them by name.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned for an unregistered tool name.
var ErrToolNotFound = errors.New("tool not found")

// RiskLevel says what a tool does to stored data.
type RiskLevel string

const (
	RiskReadOnly RiskLevel = "read_only"
	RiskWrite    RiskLevel = "write"
)

// ToolHandler runs a tool for userID with already-extracted params.
type ToolHandler func(ctx context.Context, userID string, params map[string]any) (map[string]any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	RiskLevel   RiskLevel `json:"risk_level"`
	// Params lists the parameter names the handler reads, required first.
	Params  []string    `json:"params"`
	Handler ToolHandler `json:"-"`
}

// ToolExecutor executes tools by name. It is safe for concurrent use.
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

// Register adds a tool. Names are unique.
func (e *ToolExecutor) Register(def *ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = RiskReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("tool '%s' is already registered", def.Name)
	}
	e.tools[def.Name] = def
	return nil
}

// Execute runs the named tool.
func (e *ToolExecutor) Execute(ctx context.Context, toolName, userID string, params map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, exists := e.tools[toolName]
	e.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return def.Handler(ctx, userID, params)
}

// Has checks if a tool is registered.
func (e *ToolExecutor) Has(toolName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.tools[toolName]
	return exists
}

// List returns the registered tool names, sorted.
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

// Definitions returns copies of all definitions, sorted by name.
func (e *ToolExecutor) Definitions() []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(e.tools))
	for _, def := range e.tools {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetDefinition gets a tool definition by name, or nil.
func (e *ToolExecutor) GetDefinition(toolName string) *ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[toolName]
}
