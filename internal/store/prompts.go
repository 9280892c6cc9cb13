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

// Render formats for system prompt items.
const (
	RenderText            = "text"
	RenderAnthropicBlocks = "anthropic_blocks"
	RenderGeminiParts     = "gemini_parts"
)

// ProviderShared marks prompt items that apply to every provider.
const ProviderShared = "shared"

// ContextItem is one immutable revision of a system prompt. Revisions share a
// family_id; exactly one revision per family is the default.
type ContextItem struct {
	ID           string
	FamilyID     string
	Type         string
	Provider     string
	RenderFormat string
	Version      int
	IsDefault    bool
	Text         string
	Metadata     map[string]any
	Editor       string
	ChangeNote   string
	Position     int
	InsertedAt   time.Time
}

// CreateContextItem inserts the first revision of a new family (version 1)
// and marks it the family default.
func (s *Store) CreateContextItem(ctx context.Context, item *ContextItem) (*ContextItem, error) {
	if item.Provider == "" || item.RenderFormat == "" {
		return nil, fmt.Errorf("context item requires provider and render_format")
	}
	out := *item
	out.ID = uuid.New().String()
	out.FamilyID = uuid.New().String()
	out.Version = 1
	out.IsDefault = true
	if out.Type == "" {
		out.Type = "system_prompt"
	}
	out.InsertedAt = time.Now()

	if err := s.insertContextItem(ctx, s.db, &out); err != nil {
		return nil, err
	}
	L_debug("prompts: item created", "family", out.FamilyID, "provider", out.Provider)
	return &out, nil
}

// NewRevision appends a revision to an existing family at max(version)+1.
// When makeDefault is set the previous default is cleared in the same
// transaction, preserving the one-default-per-family invariant.
func (s *Store) NewRevision(ctx context.Context, familyID string, item *ContextItem, makeDefault bool) (*ContextItem, error) {
	base, err := s.familyHead(ctx, familyID)
	if err != nil {
		return nil, err
	}

	out := *item
	out.ID = uuid.New().String()
	out.FamilyID = familyID
	out.Version = base.Version + 1
	out.IsDefault = makeDefault
	out.Type = base.Type
	out.Provider = base.Provider
	out.RenderFormat = base.RenderFormat
	out.Position = base.Position
	out.InsertedAt = time.Now()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if makeDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE supplied_context_items SET is_default = 0 WHERE family_id = ?`, familyID); err != nil {
				return storageErr("clear default", err)
			}
		}
		return s.insertContextItem(ctx, tx, &out)
	})
	if err != nil {
		return nil, err
	}

	L_debug("prompts: revision added", "family", familyID, "version", out.Version, "default", makeDefault)
	return &out, nil
}

// ForkVersion starts a new family from an existing revision. The fork is
// version 1 and the default of its new family.
func (s *Store) ForkVersion(ctx context.Context, itemID, editor, changeNote string) (*ContextItem, error) {
	src, err := s.GetContextItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	out := *src
	out.ID = uuid.New().String()
	out.FamilyID = uuid.New().String()
	out.Version = 1
	out.IsDefault = true
	out.Editor = editor
	out.ChangeNote = changeNote
	out.InsertedAt = time.Now()

	if err := s.insertContextItem(ctx, s.db, &out); err != nil {
		return nil, err
	}
	L_debug("prompts: family forked", "from", src.FamilyID, "to", out.FamilyID)
	return &out, nil
}

// SetDefaultRevision marks one revision the family default, clearing any
// previous default in the same transaction.
func (s *Store) SetDefaultRevision(ctx context.Context, itemID string) error {
	item, err := s.GetContextItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE supplied_context_items SET is_default = 0 WHERE family_id = ?`, item.FamilyID); err != nil {
			return storageErr("clear default", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE supplied_context_items SET is_default = 1 WHERE id = ?`, itemID); err != nil {
			return storageErr("set default", err)
		}
		return nil
	})
}

// GetContextItem fetches one revision by id.
func (s *Store) GetContextItem(ctx context.Context, id string) (*ContextItem, error) {
	row := s.db.QueryRowContext(ctx, contextItemSelect+` WHERE id = ?`, id)
	return scanContextItem(row)
}

// GetContextItems fetches revisions by id, preserving the requested order.
// Unknown ids are skipped.
func (s *Store) GetContextItems(ctx context.Context, ids []string) ([]*ContextItem, error) {
	byID := make(map[string]*ContextItem, len(ids))
	for _, id := range ids {
		item, err := s.GetContextItem(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[id] = item
	}
	out := make([]*ContextItem, 0, len(byID))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// DefaultContextItems returns the default revisions that apply to a provider
// (provider-specific plus shared), in stable position order.
func (s *Store) DefaultContextItems(ctx context.Context, provider string) ([]*ContextItem, error) {
	rows, err := s.db.QueryContext(ctx, contextItemSelect+`
		WHERE is_default = 1 AND provider IN (?, ?)
		ORDER BY position ASC, inserted_at ASC, id ASC
	`, provider, ProviderShared)
	if err != nil {
		return nil, storageErr("default context items", err)
	}
	defer rows.Close()

	var out []*ContextItem
	for rows.Next() {
		item, err := scanContextItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) familyHead(ctx context.Context, familyID string) (*ContextItem, error) {
	row := s.db.QueryRowContext(ctx, contextItemSelect+`
		WHERE family_id = ? ORDER BY version DESC LIMIT 1
	`, familyID)
	return scanContextItem(row)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertContextItem(ctx context.Context, db execer, item *ContextItem) error {
	metaJSON, _ := json.Marshal(item.Metadata)
	_, err := db.ExecContext(ctx, `
		INSERT INTO supplied_context_items (id, family_id, type, provider, render_format, version,
			is_default, text, metadata, editor, change_note, position, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.FamilyID, item.Type, item.Provider, item.RenderFormat, item.Version,
		item.IsDefault, item.Text, string(metaJSON), item.Editor, item.ChangeNote,
		item.Position, item.InsertedAt.Unix())
	if isUniqueViolation(err) {
		return ErrUniquenessViolation
	}
	if err != nil {
		return storageErr("insert context item", err)
	}
	return nil
}

const contextItemSelect = `
	SELECT id, family_id, type, provider, render_format, version, is_default,
	       text, metadata, editor, change_note, position, inserted_at
	FROM supplied_context_items`

func scanContextItem(row rowScanner) (*ContextItem, error) {
	var item ContextItem
	var metaJSON string
	var insertedAt int64

	err := row.Scan(&item.ID, &item.FamilyID, &item.Type, &item.Provider, &item.RenderFormat,
		&item.Version, &item.IsDefault, &item.Text, &metaJSON, &item.Editor,
		&item.ChangeNote, &item.Position, &insertedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan context item", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &item.Metadata); err != nil {
		L_warn("prompts: failed to unmarshal metadata", "id", item.ID, "error", err)
	}
	item.InsertedAt = time.Unix(insertedAt, 0)
	return &item, nil
}
