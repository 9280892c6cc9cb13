package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/telemetry"
	"github.com/loopline/agentd/internal/types"
)

// maxParallelDispatch bounds concurrent tool executions in one round.
const maxParallelDispatch = 4

// ExternalResolver supplies tools the registry does not own, such as tools
// exposed by connected MCP servers. Resolution order is registry first.
type ExternalResolver interface {
	ResolveTool(name string) (Tool, bool)
	ExternalDefinitions() []types.ToolDefinition
}

// Registry holds the built-in tools and translates definitions into each
// provider's declaration shape.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	external  ExternalResolver
	telemetry *telemetry.Emitter
}

// NewRegistry creates an empty registry. external and tel may be nil.
func NewRegistry(external ExternalResolver, tel *telemetry.Emitter) *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		external:  external,
		telemetry: tel,
	}
}

// Register adds a tool. Later registrations replace earlier ones.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// RegisterBuiltins installs the workspace tool set.
func (r *Registry) RegisterBuiltins(ws *Workspace) {
	r.Register(NewReadFileTool(ws))
	r.Register(NewWriteFileTool(ws))
	r.Register(NewListDirectoryTool(ws))
	r.Register(NewShellTool(ws))
}

// Get resolves a tool by name, falling back to the external resolver.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	external := r.external
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	if external != nil {
		return external.ResolveTool(name)
	}
	return nil, false
}

// Definitions returns every known tool definition, built-ins sorted by name
// followed by external tools in resolver order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, types.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	external := r.external
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	if external != nil {
		defs = append(defs, external.ExternalDefinitions()...)
	}
	return defs
}

// DeclareForProvider translates the tool set into the provider's wire shape.
//
//	openai:    {"type":"function","name",...,"parameters"}
//	anthropic: {"name","description","input_schema"}
//	gemini:    function declarations with parametersJsonSchema
func (r *Registry) DeclareForProvider(provider string) ([]map[string]any, error) {
	defs := r.Definitions()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		switch provider {
		case "openai":
			out = append(out, map[string]any{
				"type":        "function",
				"name":        def.Name,
				"description": def.Description,
				"parameters":  schema,
			})
		case "anthropic":
			out = append(out, map[string]any{
				"name":         def.Name,
				"description":  def.Description,
				"input_schema": schema,
			})
		case "gemini":
			out = append(out, map[string]any{
				"name":                 def.Name,
				"description":          def.Description,
				"parametersJsonSchema": schema,
			})
		default:
			return nil, fmt.Errorf("unknown provider for tool declarations: %s", provider)
		}
	}
	return out, nil
}

// Dispatch runs one tool call.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) (string, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}

	start := time.Now()
	out, err := tool.Execute(ctx, json.RawMessage(call.Arguments))
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	r.telemetry.Emit(telemetry.EventToolDispatched,
		map[string]float64{"duration_ms": float64(elapsed.Milliseconds())},
		map[string]string{"tool": call.Name, "status": status})
	L_debug("tools: dispatched", "tool", call.Name, "status", status, "elapsed", elapsed)

	return out, err
}

// Result is one tool call outcome within a round.
type Result struct {
	Call   types.ToolCall
	Output string
	Err    error
}

// DispatchAll runs a round of tool calls with bounded parallelism. Results
// come back in call order regardless of completion order.
func (r *Registry) DispatchAll(ctx context.Context, calls []types.ToolCall) []Result {
	results := make([]Result, len(calls))
	sem := make(chan struct{}, maxParallelDispatch)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call types.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out, err := r.Dispatch(ctx, call)
			results[i] = Result{Call: call, Output: out, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results
}
