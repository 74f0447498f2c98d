package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/loom/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL,
	slug            TEXT NOT NULL UNIQUE,
	system_prompt   TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	enabled_tools   TEXT,
	approval_flags  TEXT,
	is_default      INTEGER NOT NULL DEFAULT 0,
	visibility      TEXT NOT NULL DEFAULT 'public',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
`

const agentColumns = `id, display_name, slug, system_prompt, provider, model,
	enabled_tools, approval_flags, is_default, visibility, created_at, updated_at`

// SQLiteDirectory stores agents in SQLite for embedded deployments.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory opens (or creates) the agent table at path.
func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("agents: open sqlite: %w", err)
	}
	// modernc's driver serializes better with a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("agents: init schema: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

// Close closes the underlying database.
func (d *SQLiteDirectory) Close() error { return d.db.Close() }

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// slugTakenIn checks slug uniqueness through q so Create and Update can
// run the check inside their own transaction and the suffixing stays
// race-free against concurrent writers.
func slugTakenIn(q rowQuerier) func(ctx context.Context, slug, selfID string) (bool, error) {
	return func(ctx context.Context, slug, selfID string) (bool, error) {
		var n int
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM agents WHERE slug = ? AND id != ?`, slug, selfID).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("agents: check slug: %w", err)
		}
		return n > 0, nil
	}
}

func (d *SQLiteDirectory) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	base := agent.Slug
	if base == "" {
		base = Slugify(agent.DisplayName)
	}

	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Visibility == "" {
		agent.Visibility = models.VisibilityPublic
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("agents: begin create: %w", err)
	}
	defer tx.Rollback()

	slug, err := uniqueSlug(ctx, base, agent.ID, slugTakenIn(tx))
	if err != nil {
		return err
	}
	agent.Slug = slug

	if agent.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET is_default = 0, updated_at = ? WHERE is_default = 1`,
			now.UnixMicro()); err != nil {
			return fmt.Errorf("agents: clear prior default: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.DisplayName, agent.Slug, agent.SystemPrompt,
		agent.Provider, agent.Model,
		nullableJSON(agent.EnabledTools), nullableJSON(agent.ApprovalFlags),
		boolToInt(agent.IsDefault), string(agent.Visibility),
		agent.CreatedAt.UnixMicro(), agent.UpdatedAt.UnixMicro()); err != nil {
		return fmt.Errorf("agents: insert agent: %w", err)
	}
	return tx.Commit()
}

func (d *SQLiteDirectory) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (d *SQLiteDirectory) GetBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE slug = ?`, slug)
	return scanAgent(row)
}

func (d *SQLiteDirectory) List(ctx context.Context, includeAdminOnly bool) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if !includeAdminOnly {
		query += ` WHERE visibility != ?`
		args = append(args, string(models.VisibilityAdminOnly))
	}
	query += ` ORDER BY display_name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *SQLiteDirectory) Update(ctx context.Context, agent *models.Agent) error {
	existing, err := d.Get(ctx, agent.ID)
	if err != nil {
		return err
	}

	base := agent.Slug
	if base == "" {
		base = Slugify(agent.DisplayName)
	}
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("agents: begin update: %w", err)
	}
	defer tx.Rollback()

	slug, err := uniqueSlug(ctx, base, agent.ID, slugTakenIn(tx))
	if err != nil {
		return err
	}
	agent.Slug = slug

	if agent.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id != ?`,
			agent.UpdatedAt.UnixMicro(), agent.ID); err != nil {
			return fmt.Errorf("agents: clear prior default: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET display_name = ?, slug = ?, system_prompt = ?, provider = ?,
		 model = ?, enabled_tools = ?, approval_flags = ?, is_default = ?, visibility = ?,
		 updated_at = ? WHERE id = ?`,
		agent.DisplayName, agent.Slug, agent.SystemPrompt, agent.Provider,
		agent.Model, nullableJSON(agent.EnabledTools), nullableJSON(agent.ApprovalFlags),
		boolToInt(agent.IsDefault), string(agent.Visibility),
		agent.UpdatedAt.UnixMicro(), agent.ID)
	if err != nil {
		return fmt.Errorf("agents: update agent: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAgentNotFound
	}
	return tx.Commit()
}

func (d *SQLiteDirectory) SetDefault(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("agents: begin set default: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMicro()
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id != ?`,
		now, id); err != nil {
		return fmt.Errorf("agents: clear prior default: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_default = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("agents: set default: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAgentNotFound
	}
	return tx.Commit()
}

func (d *SQLiteDirectory) Default(ctx context.Context) (*models.Agent, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE is_default = 1`)
	a, err := scanAgent(row)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, ErrNoDefaultAgent
	}
	return a, err
}

func (d *SQLiteDirectory) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("agents: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var enabledTools, approvalFlags sql.NullString
	var isDefault int
	var visibility string
	var createdAt, updatedAt int64

	err := row.Scan(&a.ID, &a.DisplayName, &a.Slug, &a.SystemPrompt,
		&a.Provider, &a.Model, &enabledTools, &approvalFlags,
		&isDefault, &visibility, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agents: scan agent: %w", err)
	}

	if enabledTools.Valid && enabledTools.String != "" {
		a.EnabledTools = []byte(enabledTools.String)
	}
	if approvalFlags.Valid && approvalFlags.String != "" {
		a.ApprovalFlags = []byte(approvalFlags.String)
	}
	a.IsDefault = isDefault != 0
	a.Visibility = models.AgentVisibility(visibility)
	a.CreatedAt = time.UnixMicro(createdAt)
	a.UpdatedAt = time.UnixMicro(updatedAt)
	return &a, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
