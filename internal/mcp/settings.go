// Package mcp manages connections to Model Context Protocol servers: the
// settings file, the client pool, health monitoring and the aggregated tool
// registry.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/loopline/agentd/internal/store"
)

// ServerSettings is one server entry in mcp_settings.json. Timeout and
// FailureWindow are milliseconds.
type ServerSettings struct {
	TransportType string            `json:"transportType"` // stdio, http, sse
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Enabled       *bool             `json:"enabled,omitempty"`
	Trust         bool              `json:"trust,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Timeout       int               `json:"timeout,omitempty"`
	MaxFailures   int               `json:"max_failures,omitempty"`
	FailureWindow int               `json:"failure_window,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// GlobalSettings applies across servers unless overridden per server.
type GlobalSettings struct {
	DefaultTimeout    int    `json:"defaultTimeout,omitempty"` // milliseconds
	ConfirmationLevel string `json:"confirmationLevel,omitempty"`
	AuditLogging      bool   `json:"auditLogging,omitempty"`
}

// Settings is the parsed mcp_settings.json document.
type Settings struct {
	Servers map[string]ServerSettings `json:"mcpServers"`
	Global  GlobalSettings            `json:"globalSettings"`
}

// LoadSettings reads and parses a settings file, expanding environment
// variable references in commands, args, URLs, headers and env values.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mcp settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings parses settings JSON.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing mcp settings: %w", err)
	}

	for name, srv := range s.Servers {
		srv.Command = ExpandEnv(srv.Command)
		srv.URL = ExpandEnv(srv.URL)
		for i, arg := range srv.Args {
			srv.Args[i] = ExpandEnv(arg)
		}
		for k, v := range srv.Headers {
			srv.Headers[k] = ExpandEnv(v)
		}
		for k, v := range srv.Env {
			srv.Env[k] = ExpandEnv(v)
		}
		if err := validateServer(name, srv); err != nil {
			return nil, err
		}
		s.Servers[name] = srv
	}
	return &s, nil
}

func validateServer(name string, srv ServerSettings) error {
	switch srv.TransportType {
	case store.TransportStdio:
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires command", name)
		}
	case store.TransportHTTP, store.TransportSSE:
		if srv.URL == "" {
			return fmt.Errorf("mcp server %q: %s transport requires url", name, srv.TransportType)
		}
	case "":
		return fmt.Errorf("mcp server %q: transportType is required", name)
	default:
		return fmt.Errorf("mcp server %q: unknown transportType %q", name, srv.TransportType)
	}
	return nil
}

// IsEnabled reports the effective enabled flag; servers default to enabled.
func (s ServerSettings) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// envRef matches $VAR, ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandEnv substitutes environment variable references. Unset variables
// without a default expand to the empty string.
func ExpandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		groups := envRef.FindStringSubmatch(m)
		name := groups[1]
		if name == "" {
			name = groups[4]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if groups[2] != "" {
			return groups[3] // ${VAR:-default}
		}
		return ""
	})
}

// ToStoreServers converts settings entries into store rows for upsert. Order
// is not significant; EnsureServersExist keys by name. Per-server timeout
// falls back to the global default; breaker thresholds travel as metadata
// for the monitor.
func (s *Settings) ToStoreServers() []*store.MCPServer {
	out := make([]*store.MCPServer, 0, len(s.Servers))
	for name, srv := range s.Servers {
		meta := srv.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["priority"] = float64(srv.Priority)
		if timeout := srv.Timeout; timeout > 0 {
			meta["timeout_ms"] = float64(timeout)
		} else if s.Global.DefaultTimeout > 0 {
			meta["timeout_ms"] = float64(s.Global.DefaultTimeout)
		}
		if srv.MaxFailures > 0 {
			meta["max_failures"] = float64(srv.MaxFailures)
		}
		if srv.FailureWindow > 0 {
			meta["failure_window_ms"] = float64(srv.FailureWindow)
		}

		out = append(out, &store.MCPServer{
			Name:      name,
			Transport: srv.TransportType,
			URL:       srv.URL,
			Command:   srv.Command,
			Args:      srv.Args,
			Headers:   srv.Headers,
			Env:       srv.Env,
			Metadata:  meta,
			Tags:      srv.Tags,
			IsEnabled: srv.IsEnabled(),
			Trust:     srv.Trust,
		})
	}
	return out
}
