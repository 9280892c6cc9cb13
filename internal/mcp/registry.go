package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/telemetry"
	agenttools "github.com/loopline/agentd/internal/tools"
	"github.com/loopline/agentd/internal/types"
)

// ServerState is the connection lifecycle state of one server.
type ServerState string

const (
	StateDisconnected ServerState = "disconnected"
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateError        ServerState = "error"
)

// Event announces a server state change to subscribers.
type Event struct {
	Server string
	State  ServerState
	Err    error
}

// serverClient abstracts the per-server connection for testing.
type serverClient interface {
	Connect(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]types.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Ping(ctx context.Context) error
}

type connection struct {
	server       *store.MCPServer
	client       serverClient
	state        ServerState
	pingFailures int
	firstFailure time.Time
	attempt      int
}

// route maps an aggregated tool name back to its server and original name.
type route struct {
	serverName string
	toolName   string
}

// Registry owns the MCP client pool: connection lifecycle, the aggregated
// tool namespace and name conflict resolution.
//
// Registry implements tools.ExternalResolver so MCP tools dispatch through
// the same registry as built-ins.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*connection
	routes      map[string]route
	defs        []types.ToolDefinition
	tools       map[string][]types.ToolDefinition // last known list per server
	cache       *ToolsCache
	telemetry   *telemetry.Emitter
	subscribers []chan Event
	newClient   func(*store.MCPServer) serverClient
}

// NewRegistry creates a registry. tel may be nil.
func NewRegistry(cache *ToolsCache, tel *telemetry.Emitter) *Registry {
	if cache == nil {
		cache = NewToolsCache()
	}
	return &Registry{
		conns:     map[string]*connection{},
		routes:    map[string]route{},
		tools:     map[string][]types.ToolDefinition{},
		cache:     cache,
		telemetry: tel,
		newClient: func(srv *store.MCPServer) serverClient { return NewClient(srv) },
	}
}

// Configure replaces the server set. Existing connections for removed
// servers are closed; servers whose config changed reconnect on next use.
func (r *Registry) Configure(servers []*store.MCPServer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{}
	for _, srv := range servers {
		seen[srv.Name] = true
		if conn, ok := r.conns[srv.Name]; ok {
			conn.server = srv
			continue
		}
		r.conns[srv.Name] = &connection{
			server: srv,
			client: r.newClient(srv),
			state:  StateDisconnected,
		}
	}
	for name, conn := range r.conns {
		if !seen[name] {
			conn.client.Close()
			r.cache.Invalidate(conn.server.ID)
			delete(r.conns, name)
			delete(r.tools, name)
		}
	}
	r.rebuildLocked()
}

// ConnectAll connects every enabled server. Individual failures are
// reported as events, never fatal for the batch.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if !conn.server.IsEnabled {
			continue
		}
		r.connect(ctx, conn)
	}
}

func (r *Registry) connect(ctx context.Context, conn *connection) {
	r.setState(conn, StateConnecting, nil)
	if err := conn.client.Connect(ctx); err != nil {
		L_warn("mcp: connect failed", "server", conn.server.Name, "error", err)
		r.setState(conn, StateError, err)
		return
	}
	r.mu.Lock()
	conn.pingFailures = 0
	conn.attempt = 0
	r.mu.Unlock()
	r.setState(conn, StateConnected, nil)
}

func (r *Registry) setState(conn *connection, state ServerState, err error) {
	r.mu.Lock()
	if conn.state == state {
		r.mu.Unlock()
		return
	}
	prev := conn.state
	conn.state = state
	// a server entering or leaving connected changes the routable set, so
	// the aggregated namespace must follow before anyone resolves against it
	if prev == StateConnected || state == StateConnected {
		r.rebuildLocked()
	}
	subs := append([]chan Event(nil), r.subscribers...)
	r.mu.Unlock()

	r.telemetry.Emit(telemetry.EventMCPServerStatus, nil, map[string]string{
		"server": conn.server.Name,
		"state":  string(state),
	})
	ev := Event{Server: conn.server.Name, State: state, Err: err}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // slow subscribers never block state transitions
		}
	}
}

// Subscribe returns a buffered event channel and a cancel func.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.subscribers {
			if sub == ch {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// States returns the current state per server.
func (r *Registry) States() map[string]ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerState, len(r.conns))
	for name, conn := range r.conns {
		out[name] = conn.state
	}
	return out
}

// serverTools pairs one server with its tool list for aggregation.
type serverTools struct {
	name     string
	priority int
	tools    []types.ToolDefinition
}

// RefreshTools rebuilds the aggregated tool namespace from connected
// servers, using the cache where fresh and refetching where not.
func (r *Registry) RefreshTools(ctx context.Context) error {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.state == StateConnected {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	var entries []serverTools
	for _, conn := range conns {
		tools, state := r.cache.Get(conn.server.ID)
		if state == CacheMiss {
			fetched, err := conn.client.ListTools(ctx)
			if err != nil {
				L_warn("mcp: list tools failed", "server", conn.server.Name, "error", err)
				continue
			}
			r.cache.Put(conn.server.ID, fetched, conn.server.ToolCacheTTL(DefaultToolCacheTTL))
			tools = fetched
		} else if state == CacheStale {
			go r.refreshServerTools(context.WithoutCancel(ctx), conn)
		}
		entries = append(entries, serverTools{
			name:     conn.server.Name,
			priority: serverPriority(conn.server),
			tools:    tools,
		})
	}

	r.mu.Lock()
	for _, e := range entries {
		r.tools[e.name] = e.tools
	}
	r.rebuildLocked()
	tools := len(r.defs)
	r.mu.Unlock()
	L_debug("mcp: tool namespace rebuilt", "tools", tools, "servers", len(entries))
	return nil
}

// rebuildLocked recomputes the aggregated namespace from the last known
// tool lists of connected servers. Caller holds r.mu.
func (r *Registry) rebuildLocked() {
	var entries []serverTools
	for name, conn := range r.conns {
		if conn.state != StateConnected {
			continue
		}
		tools, ok := r.tools[name]
		if !ok {
			continue
		}
		entries = append(entries, serverTools{
			name:     name,
			priority: serverPriority(conn.server),
			tools:    tools,
		})
	}
	r.defs, r.routes = mergeTools(entries)
}

func (r *Registry) refreshServerTools(ctx context.Context, conn *connection) {
	fetched, err := conn.client.ListTools(ctx)
	if err != nil {
		L_debug("mcp: background tool refresh failed", "server", conn.server.Name, "error", err)
		return
	}
	r.cache.Put(conn.server.ID, fetched, conn.server.ToolCacheTTL(DefaultToolCacheTTL))
}

func serverPriority(srv *store.MCPServer) int {
	if v, ok := srv.Metadata["priority"]; ok {
		if p, ok := v.(float64); ok {
			return int(p)
		}
	}
	return 0
}

// mergeTools aggregates per-server tool lists into one namespace. A tool
// name claimed by a single server is exposed bare. When several servers
// expose the same name, every instance is exposed as <server>__<tool> and
// the bare name still routes to the highest priority claimant (ties broken
// by server name, ascending).
func mergeTools(entries []serverTools) ([]types.ToolDefinition, map[string]route) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].name < entries[j].name
	})

	providers := map[string]int{}
	for _, entry := range entries {
		for _, tool := range entry.tools {
			providers[tool.Name]++
		}
	}

	defs := []types.ToolDefinition{}
	routes := map[string]route{}

	for _, entry := range entries {
		for _, tool := range entry.tools {
			if providers[tool.Name] == 1 {
				routes[tool.Name] = route{serverName: entry.name, toolName: tool.Name}
				defs = append(defs, tool)
				continue
			}
			if _, claimed := routes[tool.Name]; !claimed {
				routes[tool.Name] = route{serverName: entry.name, toolName: tool.Name}
			}
			prefixed := entry.name + "__" + tool.Name
			routes[prefixed] = route{serverName: entry.name, toolName: tool.Name}
			def := tool
			def.Name = prefixed
			defs = append(defs, def)
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, routes
}

// ExternalDefinitions returns the aggregated MCP tool definitions.
func (r *Registry) ExternalDefinitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.ToolDefinition(nil), r.defs...)
}

// ResolveTool resolves an aggregated tool name to a dispatchable tool.
func (r *Registry) ResolveTool(name string) (agenttools.Tool, bool) {
	r.mu.RLock()
	rt, ok := r.routes[name]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	conn, ok := r.conns[rt.serverName]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &remoteTool{name: name, route: rt, conn: conn}, true
}

// remoteTool adapts one routed MCP tool to the tools.Tool interface.
type remoteTool struct {
	name  string
	route route
	conn  *connection
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Description() string {
	return fmt.Sprintf("tool %s on mcp server %s", t.route.toolName, t.route.serverName)
}

func (t *remoteTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *remoteTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	return t.conn.client.CallTool(ctx, t.route.toolName, args)
}
