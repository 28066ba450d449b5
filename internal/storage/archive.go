// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage provides the SQLite-backed conversation archive.
//
// Completed conversations are appended with their full message sequence so
// a user can revisit past sessions. The archive is write-mostly: the session
// manager inserts on completion, the CLI lists and loads on demand.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/TheoThePerson/copilot-core/internal/util"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    summary TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at INTEGER NOT NULL,  -- Unix timestamp
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,         -- position within the conversation
    role TEXT NOT NULL,           -- user, assistant, system
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

// =============================================================================
// TYPES
// =============================================================================

// ErrNotFound is returned when a conversation id has no archive entry.
var ErrNotFound = errors.New("conversation not found")

// StoredMessage is one archived message.
type StoredMessage struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
}

// StoredConversation is a persisted conversation with its messages.
type StoredConversation struct {
	ID        string
	Summary   string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []StoredMessage
}

// ConversationMeta is the listing view: everything but the messages.
type ConversationMeta struct {
	ID           string
	Summary      string
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// =============================================================================
// ARCHIVE
// =============================================================================

// Archive persists conversations in a SQLite database.
type Archive struct {
	db *sql.DB

	// MaxConversations prunes the oldest entries past this count (0 = keep all).
	MaxConversations int
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	// SQLite only supports one writer at a time; keep the pool at one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprint(schemaVersion),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// =============================================================================
// WRITE PATH
// =============================================================================

// SaveConversation archives a completed conversation and returns its id.
// The summary is derived from the first user message when empty.
func (a *Archive) SaveConversation(model string, messages []StoredMessage) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("refusing to archive an empty conversation")
	}

	id := uuid.NewString()
	now := time.Now()
	summary := deriveSummary(messages)

	tx, err := a.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO conversations (id, summary, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, summary, model, now.Unix(), now.Unix(),
	); err != nil {
		return "", err
	}

	for seq, msg := range messages {
		msgID := msg.ID
		if msgID == "" {
			msgID = uuid.NewString()
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (id, conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			msgID, id, seq, msg.Role, msg.Content, ts.Unix(),
		); err != nil {
			return "", err
		}
	}

	if err := a.pruneLocked(tx); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// pruneLocked deletes the oldest conversations past MaxConversations within
// the caller's transaction.
func (a *Archive) pruneLocked(tx *sql.Tx) error {
	if a.MaxConversations <= 0 {
		return nil
	}
	_, err := tx.Exec(`
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations
			ORDER BY updated_at DESC, id
			LIMIT -1 OFFSET ?
		)`, a.MaxConversations)
	return err
}

// deriveSummary picks the first user turn, truncated to a listing-sized line.
func deriveSummary(messages []StoredMessage) string {
	for _, m := range messages {
		if m.Role == "user" {
			line := util.FirstLine(strings.TrimSpace(m.Content))
			return util.TruncateRunes(line, 80)
		}
	}
	return "(no user message)"
}

// =============================================================================
// READ PATH
// =============================================================================

// List returns conversation metadata, newest first.
func (a *Archive) List() ([]ConversationMeta, error) {
	rows, err := a.db.Query(`
		SELECT c.id, c.summary, c.model, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMeta
	for rows.Next() {
		var meta ConversationMeta
		var created, updated int64
		if err := rows.Scan(&meta.ID, &meta.Summary, &meta.Model, &created, &updated, &meta.MessageCount); err != nil {
			return nil, err
		}
		meta.CreatedAt = time.Unix(created, 0)
		meta.UpdatedAt = time.Unix(updated, 0)
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Load returns one conversation with its messages in order.
func (a *Archive) Load(id string) (*StoredConversation, error) {
	conv := &StoredConversation{ID: id}
	var created, updated int64
	err := a.db.QueryRow(
		`SELECT summary, model, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.Summary, &conv.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(created, 0)
	conv.UpdatedAt = time.Unix(updated, 0)

	rows, err := a.db.Query(
		`SELECT id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg StoredMessage
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(ts, 0)
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// Delete removes one conversation and its messages.
func (a *Archive) Delete(id string) error {
	res, err := a.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
