package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/types"
)

const (
	protocolVersion = "2024-11-05"
	initTimeout     = 10 * time.Second
	callTimeout     = 30 * time.Second
)

// ErrNotConnected is returned for operations on a closed or failed client.
var ErrNotConnected = fmt.Errorf("mcp client not connected")

// Client wraps one mcp-go connection to a server, whatever the transport.
type Client struct {
	server *store.MCPServer

	mu        sync.RWMutex
	client    client.MCPClient
	connected bool
}

// NewClient builds a client for a configured server. Connect establishes the
// transport and performs the protocol handshake.
func NewClient(server *store.MCPServer) *Client {
	return &Client{server: server}
}

// ServerName returns the canonical server name.
func (c *Client) ServerName() string { return c.server.Name }

// Connect starts the transport and initializes the MCP protocol.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	mcpClient, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing mcp server %s: %w", c.server.Name, err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initTimeout)
		defer cancel()
	}

	_, err = mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "agentd",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("initializing mcp server %s: %w", c.server.Name, err)
	}

	c.client = mcpClient
	c.connected = true
	L_info("mcp: connected", "server", c.server.Name, "transport", c.server.Transport)
	return nil
}

func (c *Client) dial(ctx context.Context) (client.MCPClient, error) {
	switch c.server.Transport {
	case store.TransportStdio:
		env := make([]string, 0, len(c.server.Env))
		for k, v := range c.server.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		return client.NewStdioMCPClient(c.server.Command, env, c.server.Args...)

	case store.TransportSSE:
		var opts []transport.ClientOption
		if len(c.server.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(c.server.Headers))
		}
		sseClient, err := client.NewSSEMCPClient(c.server.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := sseClient.Start(ctx); err != nil {
			return nil, err
		}
		return sseClient, nil

	case store.TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(c.server.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(c.server.Headers))
		}
		return client.NewStreamableHttpClient(c.server.URL, opts...)

	default:
		return nil, fmt.Errorf("unknown transport %q", c.server.Transport)
	}
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.connected = false
	c.client = nil
	return err
}

// Connected reports the connection state.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ListTools fetches the server's tool definitions, normalized into the
// canonical shape.
func (c *Client) ListTools(ctx context.Context) ([]types.ToolDefinition, error) {
	c.mu.RLock()
	mcpClient, connected := c.client, c.connected
	c.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", c.server.Name, err)
	}

	defs := make([]types.ToolDefinition, 0, len(result.Tools))
	for _, t := range result.Tools {
		defs = append(defs, types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolSchema(t),
		})
	}
	return defs, nil
}

func toolSchema(t mcp.Tool) map[string]any {
	schema := map[string]any{"type": t.InputSchema.Type}
	if t.InputSchema.Properties != nil {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return schema
}

// CallTool invokes one tool and flattens the result content into text.
// A result flagged IsError comes back as a Go error carrying the text.
// Calls without a deadline get the per-server timeout, default 30s.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.RLock()
	mcpClient, connected := c.client, c.connected
	c.mu.RUnlock()
	if !connected {
		return "", ErrNotConnected
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.server.CallTimeout(callTimeout))
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling %s on %s: %w", name, c.server.Name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

func flattenContent(content []mcp.Content) string {
	var out string
	for _, item := range content {
		if tc, ok := mcp.AsTextContent(item); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}

// Ping checks server responsiveness.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	mcpClient, connected := c.client, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	return mcpClient.Ping(ctx)
}
