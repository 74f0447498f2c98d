package chats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/loom/pkg/models"
)

// PostgresConfig holds configuration for a Postgres connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "loom",
		Password:        "",
		Database:        "loom",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres for server deployments.
// Hot paths use prepared statements.
type PostgresStore struct {
	db *sql.DB

	stmtAppendMessage *sql.Stmt
	stmtListMessages  *sql.Stmt
	stmtLastTimestamp *sql.Stmt
	stmtBumpActivity  *sql.Stmt
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chats (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL,
	deleted_at  BIGINT
);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role        TEXT NOT NULL,
	parts       TEXT NOT NULL,
	metadata    TEXT,
	created_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
`

// NewPostgresStore connects and prepares statements.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chats: open postgres: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chats: init schema: %w", err)
	}
	return newPostgresStoreWithDB(db)
}

// newPostgresStoreWithDB wires a store over an existing handle (tests
// inject a mock here).
func newPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}

	var err error
	if s.stmtAppendMessage, err = db.Prepare(
		`INSERT INTO messages (id, chat_id, role, parts, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`); err != nil {
		return nil, fmt.Errorf("chats: prepare append: %w", err)
	}
	if s.stmtListMessages, err = db.Prepare(
		`SELECT id, chat_id, role, parts, metadata, created_at FROM messages WHERE chat_id = $1 ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("chats: prepare list: %w", err)
	}
	if s.stmtLastTimestamp, err = db.Prepare(
		`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE chat_id = $1`); err != nil {
		return nil, fmt.Errorf("chats: prepare last timestamp: %w", err)
	}
	if s.stmtBumpActivity, err = db.Prepare(
		`UPDATE chats SET updated_at = $1 WHERE id = $2`); err != nil {
		return nil, fmt.Errorf("chats: prepare bump: %w", err)
	}
	return s, nil
}

// Close releases prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtAppendMessage, s.stmtListMessages, s.stmtLastTimestamp, s.stmtBumpActivity} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *PostgresStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	chat.UpdatedAt = chat.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, agent_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		chat.ID, chat.UserID, chat.AgentID, chat.Title,
		chat.CreatedAt.UnixMicro(), chat.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("chats: create chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at, deleted_at FROM chats WHERE id = $1`, id)
	return scanChat(row)
}

func (s *PostgresStore) ListChats(ctx context.Context, userID string, limit int) ([]*models.Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at, deleted_at
		 FROM chats WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY updated_at DESC LIMIT $2`, userID, limit)
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

func (s *PostgresStore) SetChatAgent(ctx context.Context, chatID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET agent_id = $1 WHERE id = $2`, agentID, chatID)
	if err != nil {
		return fmt.Errorf("chats: set agent: %w", err)
	}
	return requireRow(res, ErrChatNotFound)
}

func (s *PostgresStore) SetChatTitle(ctx context.Context, chatID, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET title = $1 WHERE id = $2`, title, chatID)
	if err != nil {
		return fmt.Errorf("chats: set title: %w", err)
	}
	return requireRow(res, ErrChatNotFound)
}

func (s *PostgresStore) SoftDeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now().UnixMicro(), chatID)
	if err != nil {
		return fmt.Errorf("chats: soft delete chat: %w", err)
	}
	return requireRow(res, ErrChatNotFound)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, chatID string, msg *models.ChatMessage) error {
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
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE id = $1`, chatID).Scan(&exists); err != nil {
		return fmt.Errorf("chats: check chat: %w", err)
	}
	if exists == 0 {
		return ErrChatNotFound
	}

	var last int64
	if err := tx.StmtContext(ctx, s.stmtLastTimestamp).QueryRowContext(ctx, chatID).Scan(&last); err != nil {
		return fmt.Errorf("chats: read last timestamp: %w", err)
	}
	msg.CreatedAt = nextTimestamp(time.Now(), time.UnixMicro(last))

	if _, err := tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID, chatID, string(msg.Role), string(parts), metadata, msg.CreatedAt.UnixMicro()); err != nil {
		return fmt.Errorf("chats: insert message: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtBumpActivity).ExecContext(ctx,
		msg.CreatedAt.UnixMicro(), chatID); err != nil {
		return fmt.Errorf("chats: bump chat activity: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string) ([]*models.ChatMessage, error) {
	rows, err := s.stmtListMessages.QueryContext(ctx, chatID)
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

func (s *PostgresStore) GetMessage(ctx context.Context, chatID, messageID string) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, role, parts, metadata, created_at FROM messages WHERE chat_id = $1 AND id = $2`,
		chatID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func (s *PostgresStore) TruncateAfter(ctx context.Context, chatID string, after time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = $1 AND created_at > $2`,
		chatID, after.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("chats: truncate after: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) EditUserMessage(ctx context.Context, chatID, messageID, newText string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chats: begin edit: %w", err)
	}
	defer tx.Rollback()

	var role string
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT role, created_at FROM messages WHERE chat_id = $1 AND id = $2`,
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
		`DELETE FROM messages WHERE chat_id = $1 AND created_at > $2`, chatID, createdAt)
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
		`UPDATE messages SET parts = $1 WHERE chat_id = $2 AND id = $3`,
		string(parts), chatID, messageID); err != nil {
		return 0, fmt.Errorf("chats: rewrite edited message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chats: commit edit: %w", err)
	}
	return int(removed), nil
}

func (s *PostgresStore) DeleteFromMessage(ctx context.Context, chatID, messageID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chats: begin delete: %w", err)
	}
	defer tx.Rollback()

	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE chat_id = $1 AND id = $2`,
		chatID, messageID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("chats: load delete anchor: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = $1 AND created_at >= $2`, chatID, createdAt)
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
