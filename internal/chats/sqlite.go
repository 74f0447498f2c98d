package chats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/loom/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database. It is the
// default store for single-node deployments.
//
// Timestamps are stored as microseconds since the epoch so ordering
// comparisons are exact.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role        TEXT NOT NULL,
	parts       TEXT NOT NULL,
	metadata    TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
`

// NewSQLiteStore opens (and if needed creates) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chats: open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent chats.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("chats: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chats: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for related stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	chat.UpdatedAt = chat.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, agent_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.AgentID, chat.Title,
		chat.CreatedAt.UnixMicro(), chat.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("chats: create chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at, deleted_at FROM chats WHERE id = ?`, id)
	return scanChat(row)
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string, limit int) ([]*models.Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at, deleted_at
		 FROM chats WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("chats: list chats: %w", err)
	}
	defer rows.Close()

	var out []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chat)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetChatAgent(ctx context.Context, chatID, agentID string) error {
	return s.updateChatColumn(ctx, chatID, "agent_id", agentID)
}

func (s *SQLiteStore) SetChatTitle(ctx context.Context, chatID, title string) error {
	return s.updateChatColumn(ctx, chatID, "title", title)
}

// updateChatColumn changes chat metadata without touching updated_at, so
// renames and agent switches never reorder a recency-sorted listing.
func (s *SQLiteStore) updateChatColumn(ctx context.Context, chatID, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chats SET %s = ? WHERE id = ?`, column), value, chatID)
	if err != nil {
		return fmt.Errorf("chats: update chat: %w", err)
	}
	return requireRow(res, ErrChatNotFound)
}

func (s *SQLiteStore) SoftDeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixMicro(), chatID)
	if err != nil {
		return fmt.Errorf("chats: soft delete chat: %w", err)
	}
	return requireRow(res, ErrChatNotFound)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID string, msg *models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ChatID = chatID

	parts, err := models.EncodeParts(msg.Parts)
	if err != nil {
		return fmt.Errorf("chats: encode parts: %w", err)
	}
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("chats: encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chats: begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE id = ?`, chatID).Scan(&exists); err != nil {
		return fmt.Errorf("chats: check chat: %w", err)
	}
	if exists == 0 {
		return ErrChatNotFound
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE chat_id = ?`, chatID).Scan(&last); err != nil {
		return fmt.Errorf("chats: read last timestamp: %w", err)
	}
	msg.CreatedAt = nextTimestamp(time.Now(), time.UnixMicro(last.Int64))

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, parts, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, chatID, string(msg.Role), string(parts), metadata, msg.CreatedAt.UnixMicro()); err != nil {
		return fmt.Errorf("chats: insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, msg.CreatedAt.UnixMicro(), chatID); err != nil {
		return fmt.Errorf("chats: bump chat activity: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, parts, metadata, created_at
		 FROM messages WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chats: list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, chatID, messageID string) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, role, parts, metadata, created_at
		 FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func (s *SQLiteStore) TruncateAfter(ctx context.Context, chatID string, after time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND created_at > ?`,
		chatID, after.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("chats: truncate after: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) EditUserMessage(ctx context.Context, chatID, messageID, newText string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chats: begin edit: %w", err)
	}
	defer tx.Rollback()

	var role string
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT role, created_at FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, messageID).Scan(&role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("chats: load edit target: %w", err)
	}
	if models.Role(role) != models.RoleUser {
		return 0, ErrNotUserMessage
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND created_at > ?`, chatID, createdAt)
	if err != nil {
		return 0, fmt.Errorf("chats: truncate for edit: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	parts, err := models.EncodeParts([]models.Part{models.TextPart(newText)})
	if err != nil {
		return 0, fmt.Errorf("chats: encode edited parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET parts = ? WHERE chat_id = ? AND id = ?`,
		string(parts), chatID, messageID); err != nil {
		return 0, fmt.Errorf("chats: rewrite edited message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chats: commit edit: %w", err)
	}
	return int(removed), nil
}

func (s *SQLiteStore) DeleteFromMessage(ctx context.Context, chatID, messageID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chats: begin delete: %w", err)
	}
	defer tx.Rollback()

	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, messageID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("chats: load delete anchor: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND created_at >= ?`, chatID, createdAt)
	if err != nil {
		return 0, fmt.Errorf("chats: delete from message: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chats: commit delete: %w", err)
	}
	return int(removed), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*models.Chat, error) {
	var chat models.Chat
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&chat.ID, &chat.UserID, &chat.AgentID, &chat.Title, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chats: scan chat: %w", err)
	}
	chat.CreatedAt = time.UnixMicro(createdAt)
	chat.UpdatedAt = time.UnixMicro(updatedAt)
	if deletedAt.Valid {
		at := time.UnixMicro(deletedAt.Int64)
		chat.DeletedAt = &at
	}
	return &chat, nil
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	var role, parts string
	var metadata sql.NullString
	var createdAt int64
	err := row.Scan(&msg.ID, &msg.ChatID, &role, &parts, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Parts = models.DecodeParts([]byte(parts))
	msg.Metadata = decodeMetadata(metadata.String)
	msg.CreatedAt = time.UnixMicro(createdAt)
	return &msg, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
