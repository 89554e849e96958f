package convostore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilchat/veil-engine/internal/convo"
)

// Store is the shipped SQLite-backed convo.Gateway plus e2ee.KeyDirectory.
//
// Notes:
// - Rows are scoped by the owning user's id; row-level authorization for a
//   remote deployment is a different gateway's concern.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

// ErrWrappedKeySet is returned when a conversation's wrapped key would be
// overwritten. The key is set at most once; rotating it would orphan all
// prior ciphertext.
var ErrWrappedKeySet = errors.New("wrapped key already set")

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateConversation(ctx context.Context, c convo.Conversation) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.ID = strings.TrimSpace(c.ID)
	c.UserID = strings.TrimSpace(c.UserID)
	c.Title = strings.TrimSpace(c.Title)
	if c.ID == "" || c.UserID == "" {
		return errors.New("invalid conversation")
	}

	now := time.Now().UnixMilli()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}
	if c.UpdatedAtUnixMs <= 0 {
		c.UpdatedAtUnixMs = c.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(
  conversation_id, user_id, title, wrapped_key,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?)
`,
		c.ID,
		c.UserID,
		c.Title,
		c.WrappedKey,
		c.CreatedAtUnixMs,
		c.UpdatedAtUnixMs,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*convo.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}

	var c convo.Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, user_id, title, wrapped_key, created_at_unix_ms, updated_at_unix_ms
FROM conversations
WHERE conversation_id = ?
`, conversationID).Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.WrappedKey,
		&c.CreatedAtUnixMs,
		&c.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the user's conversations newest-updated first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]convo.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, user_id, title, wrapped_key, created_at_unix_ms, updated_at_unix_ms
FROM conversations
WHERE user_id = ?
ORDER BY updated_at_unix_ms DESC, conversation_id DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]convo.Conversation, 0, 16)
	for rows.Next() {
		var c convo.Conversation
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.Title,
			&c.WrappedKey,
			&c.CreatedAtUnixMs,
			&c.UpdatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

func (s *Store) UpdateTitle(ctx context.Context, conversationID string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	title = strings.TrimSpace(title)
	if conversationID == "" {
		return errors.New("invalid request")
	}
	if len(title) > 200 {
		return errors.New("title too long")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET title = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, title, time.Now().UnixMilli(), conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetWrappedKey stores the conversation's wrapped symmetric key, refusing to
// overwrite one already on record.
func (s *Store) SetWrappedKey(ctx context.Context, conversationID string, wrapped []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || len(wrapped) == 0 {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET wrapped_key = ?, updated_at_unix_ms = ?
WHERE conversation_id = ? AND (wrapped_key IS NULL OR length(wrapped_key) = 0)
`, wrapped, time.Now().UnixMilli(), conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if existing == nil {
			return sql.ErrNoRows
		}
		return ErrWrappedKeySet
	}
	return nil
}

// InsertMessage appends a message and bumps conversation metadata in the
// same transaction.
func (s *Store) InsertMessage(ctx context.Context, m convo.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.ID = strings.TrimSpace(m.ID)
	m.ConversationID = strings.TrimSpace(m.ConversationID)
	if m.ID == "" || m.ConversationID == "" || m.Role == "" {
		return errors.New("invalid message")
	}
	if m.IsThinking {
		return errors.New("thinking placeholders are never persisted")
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}
	status := m.Persist
	if status == convo.PersistNone {
		status = convo.PersistPending
	}

	attachmentJSON := ""
	if m.Attachment != nil {
		raw, err := json.Marshal(m.Attachment)
		if err != nil {
			return fmt.Errorf("encode attachment: %w", err)
		}
		attachmentJSON = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the conversation exists.
	var exists int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM conversations WHERE conversation_id = ?
`, m.ConversationID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  conversation_id, message_id, role, content,
  is_encrypted, encrypted_content, nonce,
  attachment_json, status, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		m.ConversationID,
		m.ID,
		string(m.Role),
		m.Content,
		boolToInt(m.IsEncrypted),
		m.EncryptedContent,
		m.Nonce,
		attachmentJSON,
		string(status),
		m.CreatedAtUnixMs,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET updated_at_unix_ms = ?
WHERE conversation_id = ?
`, m.CreatedAtUnixMs, m.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ConfirmMessage(ctx context.Context, conversationID string, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET status = ?
WHERE conversation_id = ? AND message_id = ?
`, string(convo.PersistConfirmed), conversationID, messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return errors.New("invalid request")
	}

	_, err := s.db.ExecContext(ctx, `
DELETE FROM messages
WHERE conversation_id = ? AND message_id = ?
`, conversationID, messageID)
	return err
}

// DeleteMessagesFrom removes every message at or after the given timestamp.
// Timestamps are strictly increasing within a conversation, so this deletes
// the target message and everything after it.
func (s *Store) DeleteMessagesFrom(ctx context.Context, conversationID string, fromUnixMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || fromUnixMs <= 0 {
		return errors.New("invalid request")
	}

	_, err := s.db.ExecContext(ctx, `
DELETE FROM messages
WHERE conversation_id = ? AND created_at_unix_ms >= ?
`, conversationID, fromUnixMs)
	return err
}

// ListMessages returns the conversation's messages in timeline order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]convo.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, message_id, role, content,
       is_encrypted, encrypted_content, nonce,
       attachment_json, status, created_at_unix_ms
FROM messages
WHERE conversation_id = ?
ORDER BY created_at_unix_ms ASC, id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]convo.Message, 0, 32)
	for rows.Next() {
		var m convo.Message
		var role string
		var encrypted int
		var attachmentJSON string
		var status string
		if err := rows.Scan(
			&m.ConversationID,
			&m.ID,
			&role,
			&m.Content,
			&encrypted,
			&m.EncryptedContent,
			&m.Nonce,
			&attachmentJSON,
			&status,
			&m.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		m.Role = convo.Role(role)
		m.IsEncrypted = encrypted != 0
		m.Persist = convo.PersistState(status)
		if strings.TrimSpace(attachmentJSON) != "" {
			var a convo.Attachment
			if err := json.Unmarshal([]byte(attachmentJSON), &a); err == nil {
				m.Attachment = &a
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPublicKey implements e2ee.KeyDirectory. No record is (nil, nil).
func (s *Store) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}

	var key []byte
	err := s.db.QueryRowContext(ctx, `
SELECT public_key FROM key_records WHERE user_id = ?
`, userID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// PutPublicKey implements e2ee.KeyDirectory. At most one record per user;
// a repeat put overwrites (last writer wins at the public-key level).
func (s *Store) PutPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || len(publicKey) == 0 {
		return errors.New("invalid request")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO key_records(user_id, public_key, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET public_key = excluded.public_key, updated_at_unix_ms = excluded.updated_at_unix_ms
`, userID, publicKey, time.Now().UnixMilli())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  wrapped_key BLOB,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at_unix_ms DESC, conversation_id DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  is_encrypted INTEGER NOT NULL DEFAULT 0,
  encrypted_content BLOB,
  nonce BLOB,
  attachment_json TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(conversation_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at_unix_ms ASC, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS key_records (
  user_id TEXT PRIMARY KEY,
  public_key BLOB NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
