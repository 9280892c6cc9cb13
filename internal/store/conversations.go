package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	. "github.com/loopline/agentd/internal/logging"
)

// ChatEntry is one canonical conversation record within a thread.
// combined_chat holds provider-neutral {"messages":[...]} JSON.
type ChatEntry struct {
	ID           string
	SessionID    string // empty when the thread is orphaned
	ThreadID     string
	TurnIndex    int
	Actor        string // user, assistant, system, tool
	CombinedChat json.RawMessage
	InsertedAt   time.Time
}

// AppendEntry appends an entry to a thread. turn_index is assigned as
// max(existing)+1 inside the insert transaction, starting at 0.
func (s *Store) AppendEntry(ctx context.Context, sessionID, threadID, actor string, combinedChat json.RawMessage) (*ChatEntry, error) {
	if threadID == "" {
		threadID = uuid.New().String()
	}
	if combinedChat == nil {
		combinedChat = json.RawMessage("{}")
	}

	entry := &ChatEntry{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		ThreadID:     threadID,
		Actor:        actor,
		CombinedChat: combinedChat,
		InsertedAt:   time.Now(),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(turn_index) + 1 FROM chat_entries WHERE thread_id = ?`, threadID,
		).Scan(&next); err != nil {
			return storageErr("next turn index", err)
		}
		entry.TurnIndex = int(next.Int64) // NULL -> 0 for a fresh thread

		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_entries (id, session_id, thread_id, turn_index, actor, combined_chat, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, nullString(sessionID), threadID, entry.TurnIndex, actor,
			string(combinedChat), entry.InsertedAt.Unix())
		if isUniqueViolation(err) {
			return ErrUniquenessViolation
		}
		if err != nil {
			return storageErr("append entry", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	L_trace("conversations: entry appended", "thread", threadID, "turn", entry.TurnIndex, "actor", actor)
	return entry, nil
}

// LatestThread returns the most recently touched thread of a session,
// ordered by turn_index. Returns nil when the session has no threads.
func (s *Store) LatestThread(ctx context.Context, sessionID string) ([]*ChatEntry, error) {
	var threadID string
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id FROM chat_entries
		WHERE session_id = ?
		ORDER BY inserted_at DESC, turn_index DESC
		LIMIT 1
	`, sessionID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest thread", err)
	}
	return s.ThreadEntries(ctx, threadID)
}

// ThreadEntries returns a thread's entries ordered by turn_index.
func (s *Store) ThreadEntries(ctx context.Context, threadID string) ([]*ChatEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, thread_id, turn_index, actor, combined_chat, inserted_at
		FROM chat_entries
		WHERE thread_id = ?
		ORDER BY turn_index ASC
	`, threadID)
	if err != nil {
		return nil, storageErr("thread entries", err)
	}
	defer rows.Close()

	var out []*ChatEntry
	for rows.Next() {
		var e ChatEntry
		var sessionID sql.NullString
		var combined string
		var insertedAt int64
		if err := rows.Scan(&e.ID, &sessionID, &e.ThreadID, &e.TurnIndex, &e.Actor, &combined, &insertedAt); err != nil {
			return nil, storageErr("scan entry", err)
		}
		e.SessionID = sessionID.String
		e.CombinedChat = json.RawMessage(combined)
		e.InsertedAt = time.Unix(insertedAt, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AttachThreadToSession adopts an orphaned thread into a session. Returns the
// number of entries attached.
func (s *Store) AttachThreadToSession(ctx context.Context, threadID, sessionID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_entries SET session_id = ? WHERE thread_id = ?
	`, sessionID, threadID)
	if err != nil {
		return 0, storageErr("attach thread", err)
	}
	n, _ := result.RowsAffected()
	L_debug("conversations: thread attached", "thread", threadID, "session", sessionID, "entries", n)
	return int(n), nil
}
