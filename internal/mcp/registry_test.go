package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

func TestMergeToolsNoConflict(t *testing.T) {
	defs, routes := mergeTools([]serverTools{
		{name: "alpha", tools: []types.ToolDefinition{{Name: "search"}}},
		{name: "beta", tools: []types.ToolDefinition{{Name: "fetch"}}},
	})
	if len(defs) != 2 {
		t.Fatalf("defs = %+v", defs)
	}
	if routes["search"].serverName != "alpha" || routes["fetch"].serverName != "beta" {
		t.Errorf("routes = %+v", routes)
	}
}

// A contested name is exposed prefixed for every claimant; the bare name
// still routes to the highest priority server.
func TestMergeToolsPriorityConflict(t *testing.T) {
	defs, routes := mergeTools([]serverTools{
		{name: "low", priority: 1, tools: []types.ToolDefinition{{Name: "search", Description: "low search"}}},
		{name: "high", priority: 5, tools: []types.ToolDefinition{{Name: "search", Description: "high search"}}},
	})

	if len(defs) != 2 {
		t.Fatalf("defs = %+v", defs)
	}
	names := []string{defs[0].Name, defs[1].Name}
	if names[0] != "high__search" || names[1] != "low__search" {
		t.Errorf("def names = %v", names)
	}
	if routes["search"].serverName != "high" {
		t.Errorf("bare name went to %s", routes["search"].serverName)
	}
	if routes["high__search"].serverName != "high" || routes["high__search"].toolName != "search" {
		t.Errorf("winner alias route = %+v", routes["high__search"])
	}
	if routes["low__search"].serverName != "low" || routes["low__search"].toolName != "search" {
		t.Errorf("prefixed route = %+v", routes["low__search"])
	}
}

func TestMergeToolsTieBrokenByName(t *testing.T) {
	_, routes := mergeTools([]serverTools{
		{name: "zeta", priority: 2, tools: []types.ToolDefinition{{Name: "query"}}},
		{name: "acme", priority: 2, tools: []types.ToolDefinition{{Name: "query"}}},
	})
	if routes["query"].serverName != "acme" {
		t.Errorf("tie winner = %s", routes["query"].serverName)
	}
	if _, ok := routes["acme__query"]; !ok {
		t.Errorf("routes = %+v", routes)
	}
	if _, ok := routes["zeta__query"]; !ok {
		t.Errorf("routes = %+v", routes)
	}
}

// fakeServerClient implements serverClient in-memory.
type fakeServerClient struct {
	tools       []types.ToolDefinition
	connectErr  error
	pingErr     error
	listCalls   int
	closed      bool
	callResults map[string]string
}

func (f *fakeServerClient) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeServerClient) Close() error                      { f.closed = true; return nil }
func (f *fakeServerClient) Ping(ctx context.Context) error    { return f.pingErr }

func (f *fakeServerClient) ListTools(ctx context.Context) ([]types.ToolDefinition, error) {
	f.listCalls++
	return f.tools, nil
}

func (f *fakeServerClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if out, ok := f.callResults[name]; ok {
		return out, nil
	}
	return "", fmt.Errorf("no such tool: %s", name)
}

func testRegistry(clients map[string]*fakeServerClient) *Registry {
	r := NewRegistry(NewToolsCache(), nil)
	r.newClient = func(srv *store.MCPServer) serverClient {
		if c, ok := clients[srv.Name]; ok {
			return c
		}
		return &fakeServerClient{}
	}
	return r
}

func TestRegistryConnectAndDispatch(t *testing.T) {
	fake := &fakeServerClient{
		tools:       []types.ToolDefinition{{Name: "lookup"}},
		callResults: map[string]string{"lookup": "found it"},
	}
	r := testRegistry(map[string]*fakeServerClient{"kb": fake})
	r.Configure([]*store.MCPServer{{ID: "id-kb", Name: "kb", IsEnabled: true, Transport: store.TransportStdio}})

	ctx := context.Background()
	r.ConnectAll(ctx)
	if r.States()["kb"] != StateConnected {
		t.Fatalf("states = %+v", r.States())
	}

	if err := r.RefreshTools(ctx); err != nil {
		t.Fatal(err)
	}
	tool, ok := r.ResolveTool("lookup")
	if !ok {
		t.Fatal("lookup not resolvable")
	}
	out, err := tool.Execute(ctx, json.RawMessage(`{"q":"x"}`))
	if err != nil || out != "found it" {
		t.Fatalf("out=%q err=%v", out, err)
	}
}

func TestRegistryToolsCached(t *testing.T) {
	fake := &fakeServerClient{tools: []types.ToolDefinition{{Name: "a"}}}
	r := testRegistry(map[string]*fakeServerClient{"srv": fake})
	r.Configure([]*store.MCPServer{{ID: "id-1", Name: "srv", IsEnabled: true, Transport: store.TransportStdio}})

	ctx := context.Background()
	r.ConnectAll(ctx)
	r.RefreshTools(ctx)
	r.RefreshTools(ctx)
	if fake.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 (cache hit)", fake.listCalls)
	}
}

func TestRegistryConnectFailureEmitsEvent(t *testing.T) {
	fake := &fakeServerClient{connectErr: fmt.Errorf("refused")}
	r := testRegistry(map[string]*fakeServerClient{"bad": fake})
	r.Configure([]*store.MCPServer{{ID: "id-bad", Name: "bad", IsEnabled: true, Transport: store.TransportStdio}})

	events, cancel := r.Subscribe()
	defer cancel()

	r.ConnectAll(context.Background())

	var states []ServerState
	for len(events) > 0 {
		ev := <-events
		states = append(states, ev.State)
	}
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateError {
		t.Fatalf("states = %v", states)
	}
}

func TestRegistryRemovedServerClosed(t *testing.T) {
	fake := &fakeServerClient{}
	r := testRegistry(map[string]*fakeServerClient{"old": fake})
	r.Configure([]*store.MCPServer{{ID: "id-old", Name: "old", IsEnabled: true, Transport: store.TransportStdio}})
	r.Configure(nil)
	if !fake.closed {
		t.Error("removed server connection not closed")
	}
}

// When a server trips the breaker, the namespace is rebuilt without it and
// the bare name resolves to the next priority server still providing it.
func TestResolveFailsOverAfterBreakerTrips(t *testing.T) {
	high := &fakeServerClient{
		tools:       []types.ToolDefinition{{Name: "lookup"}},
		callResults: map[string]string{"lookup": "from high"},
		pingErr:     fmt.Errorf("unreachable"),
	}
	low := &fakeServerClient{
		tools:       []types.ToolDefinition{{Name: "lookup"}},
		callResults: map[string]string{"lookup": "from low"},
	}
	r := testRegistry(map[string]*fakeServerClient{"high": high, "low": low})
	r.Configure([]*store.MCPServer{
		{ID: "id-high", Name: "high", IsEnabled: true, Transport: store.TransportStdio,
			Metadata: map[string]any{"priority": float64(5)}},
		{ID: "id-low", Name: "low", IsEnabled: true, Transport: store.TransportStdio,
			Metadata: map[string]any{"priority": float64(1)}},
	})

	ctx := context.Background()
	r.ConnectAll(ctx)
	if err := r.RefreshTools(ctx); err != nil {
		t.Fatal(err)
	}

	tool, ok := r.ResolveTool("lookup")
	if !ok {
		t.Fatal("lookup not resolvable")
	}
	if out, _ := tool.Execute(ctx, nil); out != "from high" {
		t.Fatalf("before failover out = %q", out)
	}

	m := NewMonitor(r)
	r.mu.RLock()
	conn := r.conns["high"]
	r.mu.RUnlock()
	for i := 0; i < breakerThreshold; i++ {
		m.ping(ctx, conn)
	}
	if r.States()["high"] != StateError {
		t.Fatalf("states = %+v", r.States())
	}
	if !high.closed {
		t.Error("breaker did not close the failed connection")
	}

	tool, ok = r.ResolveTool("lookup")
	if !ok {
		t.Fatal("lookup gone after failover")
	}
	out, err := tool.Execute(ctx, nil)
	if err != nil || out != "from low" {
		t.Fatalf("after failover out=%q err=%v", out, err)
	}

	// with the conflict gone the survivor's alias is gone too
	if _, ok := r.ResolveTool("low__lookup"); ok {
		t.Error("stale alias survived rebuild")
	}
}

func TestResolveFailsWhenNoProviderRemains(t *testing.T) {
	only := &fakeServerClient{
		tools:   []types.ToolDefinition{{Name: "lookup"}},
		pingErr: fmt.Errorf("unreachable"),
	}
	r := testRegistry(map[string]*fakeServerClient{"only": only})
	r.Configure([]*store.MCPServer{{ID: "id-only", Name: "only", IsEnabled: true, Transport: store.TransportStdio}})

	ctx := context.Background()
	r.ConnectAll(ctx)
	r.RefreshTools(ctx)
	if _, ok := r.ResolveTool("lookup"); !ok {
		t.Fatal("lookup not resolvable before failure")
	}

	m := NewMonitor(r)
	r.mu.RLock()
	conn := r.conns["only"]
	r.mu.RUnlock()
	for i := 0; i < breakerThreshold; i++ {
		m.ping(ctx, conn)
	}
	if _, ok := r.ResolveTool("lookup"); ok {
		t.Error("lookup still resolvable with no live provider")
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := reconnectDelay(attempt)
		if d < 0 || d > backoffCap+backoffCap/10 {
			t.Errorf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := reconnectDelay(0); d > backoffBase+backoffBase/10 {
		t.Errorf("first delay %s too long", d)
	}
}
