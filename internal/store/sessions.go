package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	. "github.com/loopline/agentd/internal/logging"
)

// MaxSessionNameLen bounds user-supplied session names.
const MaxSessionNameLen = 50

// ErrInvalidSessionName is returned for empty or over-long session names.
var ErrInvalidSessionName = fmt.Errorf("invalid session name")

// PromptPin is one entry of a session's pinned system prompt list for a
// provider.
type PromptPin struct {
	ID        string         `json:"id"`
	Enabled   *bool          `json:"enabled,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// On reports whether the pin is active. Pins default to enabled.
func (p PromptPin) On() bool { return p.Enabled == nil || *p.Enabled }

// ToolConfig is a session's tool selection.
type ToolConfig struct {
	Enabled    []string `json:"enabled,omitempty"`
	MCPServers []string `json:"mcpServers,omitempty"`
}

// Session is a configured agent session: a credential, a model, a workspace
// and a toolset.
type Session struct {
	ID         string
	Name       string
	AuthID     string
	ModelID    string
	WorkingDir string
	Tools      ToolConfig
	Memory     map[string]any
	PromptPins map[string][]PromptPin // provider -> ordered pinned prompts
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// CreateSession inserts a session row. The auth_id must reference an
// existing SavedAuthentication.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.Name == "" || len(sess.Name) > MaxSessionNameLen {
		return ErrInvalidSessionName
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}

	toolsJSON, _ := json.Marshal(sess.Tools)
	memoryJSON, _ := json.Marshal(sess.Memory)
	pinsJSON, _ := json.Marshal(sess.PromptPins)

	now := time.Now()
	sess.InsertedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, auth_id, model_id, working_dir, tools, memory, system_prompt_ids_by_provider, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Name, sess.AuthID, sess.ModelID, sess.WorkingDir,
		string(toolsJSON), string(memoryJSON), string(pinsJSON), now.Unix(), now.Unix())

	if isUniqueViolation(err) {
		return ErrUniquenessViolation
	}
	if err != nil {
		return storageErr("create session", err)
	}

	L_debug("sessions: created", "id", sess.ID, "name", sess.Name)
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, auth_id, model_id, working_dir, tools, memory, system_prompt_ids_by_provider, inserted_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, auth_id, model_id, working_dir, tools, memory, system_prompt_ids_by_provider, inserted_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession persists mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	toolsJSON, _ := json.Marshal(sess.Tools)
	memoryJSON, _ := json.Marshal(sess.Memory)
	pinsJSON, _ := json.Marshal(sess.PromptPins)

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, model_id = ?, working_dir = ?, tools = ?, memory = ?,
			system_prompt_ids_by_provider = ?, updated_at = ?
		WHERE id = ?
	`, sess.Name, sess.ModelID, sess.WorkingDir, string(toolsJSON), string(memoryJSON),
		string(pinsJSON), time.Now().Unix(), sess.ID)
	if err != nil {
		return storageErr("update session", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSessionOnly removes a session while preserving its chat entries:
// their session_id is set to NULL, never cascaded.
func (s *Store) DeleteSessionOnly(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE chat_entries SET session_id = NULL WHERE session_id = ?`, id); err != nil {
			return storageErr("orphan chat entries", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_mcp_servers WHERE session_id = ?`, id); err != nil {
			return storageErr("detach mcp servers", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return storageErr("delete session", err)
		}
		L_info("sessions: deleted, chat entries preserved", "id", id)
		return nil
	})
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var toolsJSON, memoryJSON, pinsJSON string
	var insertedAt, updatedAt int64

	err := row.Scan(&sess.ID, &sess.Name, &sess.AuthID, &sess.ModelID, &sess.WorkingDir,
		&toolsJSON, &memoryJSON, &pinsJSON, &insertedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan session", err)
	}

	if err := json.Unmarshal([]byte(toolsJSON), &sess.Tools); err != nil {
		L_warn("sessions: failed to unmarshal tools", "id", sess.ID, "error", err)
	}
	if err := json.Unmarshal([]byte(memoryJSON), &sess.Memory); err != nil {
		L_warn("sessions: failed to unmarshal memory", "id", sess.ID, "error", err)
	}
	if err := json.Unmarshal([]byte(pinsJSON), &sess.PromptPins); err != nil {
		L_warn("sessions: failed to unmarshal prompt pins", "id", sess.ID, "error", err)
	}
	sess.InsertedAt = time.Unix(insertedAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}
