package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	. "github.com/loopline/agentd/internal/logging"
)

// MCP transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// MCPServer is one configured MCP server row. Canonical name is unique.
// Trust marks servers whose tool calls run without user confirmation.
type MCPServer struct {
	ID          string
	Name        string
	DisplayName string
	Transport   string
	URL         string
	Command     string
	Args        []string
	Headers     map[string]string
	Env         map[string]string
	Metadata    map[string]any
	Tags        []string
	AuthToken   string
	IsEnabled   bool
	Trust       bool
	InsertedAt  time.Time
	UpdatedAt   time.Time
}

// ToolCacheTTL reads the per-server tool cache override from metadata,
// falling back to def.
func (m *MCPServer) ToolCacheTTL(def time.Duration) time.Duration {
	if v, ok := m.Metadata["tool_cache_ttl_minutes"]; ok {
		if mins, ok := v.(float64); ok && mins > 0 {
			return time.Duration(mins) * time.Minute
		}
	}
	return def
}

// CallTimeout reads the per-server tool call timeout from metadata
// (milliseconds), falling back to def.
func (m *MCPServer) CallTimeout(def time.Duration) time.Duration {
	if v, ok := m.Metadata["timeout_ms"]; ok {
		if ms, ok := v.(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// MaxFailures reads the per-server breaker threshold from metadata,
// falling back to def.
func (m *MCPServer) MaxFailures(def int) int {
	if v, ok := m.Metadata["max_failures"]; ok {
		if n, ok := v.(float64); ok && n > 0 {
			return int(n)
		}
	}
	return def
}

// FailureWindow reads the per-server breaker window from metadata
// (milliseconds), falling back to def.
func (m *MCPServer) FailureWindow(def time.Duration) time.Duration {
	if v, ok := m.Metadata["failure_window_ms"]; ok {
		if ms, ok := v.(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// EnsureServersExist upserts server rows by canonical name: new names are
// inserted, existing names have their config refreshed. Returns the stored
// rows in input order.
func (s *Store) EnsureServersExist(ctx context.Context, servers []*MCPServer) ([]*MCPServer, error) {
	out := make([]*MCPServer, 0, len(servers))
	for _, srv := range servers {
		existing, err := s.GetMCPServerByName(ctx, srv.Name)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if existing != nil {
			srv.ID = existing.ID
			srv.InsertedAt = existing.InsertedAt
			if err := s.updateMCPServer(ctx, srv); err != nil {
				return nil, err
			}
		} else {
			if err := s.insertMCPServer(ctx, srv); err != nil {
				return nil, err
			}
		}
		out = append(out, srv)
	}
	return out, nil
}

// GetMCPServerByName fetches a server by canonical name.
func (s *Store) GetMCPServerByName(ctx context.Context, name string) (*MCPServer, error) {
	row := s.db.QueryRowContext(ctx, mcpServerSelect+` WHERE name = ?`, name)
	return scanMCPServer(row)
}

// ListMCPServers returns all server rows; enabledOnly filters disabled ones.
func (s *Store) ListMCPServers(ctx context.Context, enabledOnly bool) ([]*MCPServer, error) {
	query := mcpServerSelect
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list mcp servers", err)
	}
	defer rows.Close()

	var out []*MCPServer
	for rows.Next() {
		srv, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// SessionServerBinding is an attachment of an MCP server to a session.
type SessionServerBinding struct {
	ServerID string
	Alias    string
}

// ReplaceSessionServers replaces a session's MCP server attachments in one
// transaction.
func (s *Store) ReplaceSessionServers(ctx context.Context, sessionID string, bindings []SessionServerBinding) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_mcp_servers WHERE session_id = ?`, sessionID); err != nil {
			return storageErr("clear session servers", err)
		}
		now := time.Now().Unix()
		for _, b := range bindings {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO session_mcp_servers (id, session_id, mcp_server_id, alias, metadata, attached_at)
				VALUES (?, ?, ?, ?, '{}', ?)
			`, uuid.New().String(), sessionID, b.ServerID, nullString(b.Alias), now)
			if err != nil {
				return storageErr("attach session server", err)
			}
		}
		L_debug("mcp: session servers replaced", "session", sessionID, "count", len(bindings))
		return nil
	})
}

// SessionServers returns the servers attached to a session, alias-aware.
func (s *Store) SessionServers(ctx context.Context, sessionID string) ([]*MCPServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.name, m.display_name, m.transport, m.url, m.command, m.args, m.headers,
		       m.env, m.metadata, m.tags, m.auth_token, m.is_enabled, m.trust, m.inserted_at, m.updated_at
		FROM mcp_servers m
		JOIN session_mcp_servers sm ON sm.mcp_server_id = m.id
		WHERE sm.session_id = ?
		ORDER BY sm.attached_at ASC
	`, sessionID)
	if err != nil {
		return nil, storageErr("session servers", err)
	}
	defer rows.Close()

	var out []*MCPServer
	for rows.Next() {
		srv, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) insertMCPServer(ctx context.Context, srv *MCPServer) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now()
	srv.InsertedAt = now
	srv.UpdatedAt = now

	argsJSON, _ := json.Marshal(srv.Args)
	headersJSON, _ := json.Marshal(srv.Headers)
	envJSON, _ := json.Marshal(srv.Env)
	metaJSON, _ := json.Marshal(srv.Metadata)
	tagsJSON, _ := json.Marshal(srv.Tags)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, display_name, transport, url, command, args, headers,
			env, metadata, tags, auth_token, is_enabled, trust, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, srv.ID, srv.Name, srv.DisplayName, srv.Transport, srv.URL, srv.Command,
		string(argsJSON), string(headersJSON), string(envJSON), string(metaJSON),
		string(tagsJSON), srv.AuthToken, srv.IsEnabled, srv.Trust, now.Unix(), now.Unix())
	if isUniqueViolation(err) {
		return ErrUniquenessViolation
	}
	if err != nil {
		return storageErr("insert mcp server", err)
	}
	L_debug("mcp: server registered", "name", srv.Name, "transport", srv.Transport)
	return nil
}

func (s *Store) updateMCPServer(ctx context.Context, srv *MCPServer) error {
	srv.UpdatedAt = time.Now()

	argsJSON, _ := json.Marshal(srv.Args)
	headersJSON, _ := json.Marshal(srv.Headers)
	envJSON, _ := json.Marshal(srv.Env)
	metaJSON, _ := json.Marshal(srv.Metadata)
	tagsJSON, _ := json.Marshal(srv.Tags)

	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET display_name = ?, transport = ?, url = ?, command = ?, args = ?,
			headers = ?, env = ?, metadata = ?, tags = ?, auth_token = ?, is_enabled = ?, trust = ?, updated_at = ?
		WHERE id = ?
	`, srv.DisplayName, srv.Transport, srv.URL, srv.Command, string(argsJSON),
		string(headersJSON), string(envJSON), string(metaJSON), string(tagsJSON),
		srv.AuthToken, srv.IsEnabled, srv.Trust, srv.UpdatedAt.Unix(), srv.ID)
	if err != nil {
		return storageErr("update mcp server", err)
	}
	return nil
}

const mcpServerSelect = `
	SELECT id, name, display_name, transport, url, command, args, headers,
	       env, metadata, tags, auth_token, is_enabled, trust, inserted_at, updated_at
	FROM mcp_servers`

func scanMCPServer(row rowScanner) (*MCPServer, error) {
	var srv MCPServer
	var argsJSON, headersJSON, envJSON, metaJSON, tagsJSON string
	var insertedAt, updatedAt int64

	err := row.Scan(&srv.ID, &srv.Name, &srv.DisplayName, &srv.Transport, &srv.URL, &srv.Command,
		&argsJSON, &headersJSON, &envJSON, &metaJSON, &tagsJSON, &srv.AuthToken,
		&srv.IsEnabled, &srv.Trust, &insertedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan mcp server", err)
	}

	json.Unmarshal([]byte(argsJSON), &srv.Args)
	json.Unmarshal([]byte(headersJSON), &srv.Headers)
	json.Unmarshal([]byte(envJSON), &srv.Env)
	json.Unmarshal([]byte(metaJSON), &srv.Metadata)
	json.Unmarshal([]byte(tagsJSON), &srv.Tags)
	srv.InsertedAt = time.Unix(insertedAt, 0)
	srv.UpdatedAt = time.Unix(updatedAt, 0)
	return &srv, nil
}
