// Package store persists each entity's current tool in a local SQLite file.
// It is used when no Neo4j instance is configured.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"toolswitch-bot/backend/internal/session"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/logger"
)

// Store is backed by SQLite. All public methods are safe for concurrent use
// (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// SensitivityChange is one audited admin edit of the sensitivity rules
type SensitivityChange struct {
	Target    string    `json:"target"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	Actor     string    `json:"actor"`
	ChangedAt time.Time `json:"changed_at"`
}

// Open creates or opens the database at dbPath. The schema is created
// automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS current_tool (
		entity_id  TEXT PRIMARY KEY,
		tool       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sensitivity_changes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		target     TEXT NOT NULL,
		field      TEXT NOT NULL,
		value      TEXT NOT NULL,
		actor      TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadCurrentTool returns the stored tool for entityID. Returns "" and nil
// error if the entity has never been saved.
func (s *Store) LoadCurrentTool(ctx context.Context, entityID string) (tools.ToolName, error) {
	var tool string
	err := s.db.QueryRowContext(ctx,
		`SELECT tool FROM current_tool WHERE entity_id = ?`,
		entityID,
	).Scan(&tool)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load current tool %s: %w", entityID, err)
	}
	return tools.ToolName(tool), nil
}

// SaveCurrentTool upserts entityID's tool and refreshes updated_at
func (s *Store) SaveCurrentTool(ctx context.Context, entityID string, tool tools.ToolName) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO current_tool (entity_id, tool, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (entity_id) DO UPDATE
		 SET tool = excluded.tool, updated_at = excluded.updated_at`,
		entityID, string(tool), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save current tool %s: %w", entityID, err)
	}
	s.logger.Debug("Current tool saved",
		zap.String("entity_id", entityID),
		zap.String("tool", string(tool)),
	)
	return nil
}

// ListCurrentTools returns up to limit entities not on defaultTool, most
// recently updated first
func (s *Store) ListCurrentTools(ctx context.Context, defaultTool tools.ToolName, limit int) ([]session.PersistedTool, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, tool, updated_at FROM current_tool
		 WHERE tool <> ? ORDER BY updated_at DESC, entity_id LIMIT ?`,
		string(defaultTool), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list current tools: %w", err)
	}
	defer rows.Close()

	var out []session.PersistedTool
	for rows.Next() {
		var id, tool, updated string
		if err := rows.Scan(&id, &tool, &updated); err != nil {
			return nil, fmt.Errorf("scan current tool: %w", err)
		}
		at, _ := time.Parse(time.RFC3339Nano, updated)
		out = append(out, session.PersistedTool{EntityID: id, Tool: tools.ToolName(tool), UpdatedAt: at})
	}
	return out, rows.Err()
}

// RecordSensitivityChange appends an admin edit to the audit log
func (s *Store) RecordSensitivityChange(ctx context.Context, c SensitivityChange) error {
	if c.ChangedAt.IsZero() {
		c.ChangedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensitivity_changes (target, field, value, actor, changed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.Target, c.Field, c.Value, c.Actor, c.ChangedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record sensitivity change: %w", err)
	}
	return nil
}

// SensitivityChanges returns the most recent audited edits, newest first
func (s *Store) SensitivityChanges(ctx context.Context, limit int) ([]SensitivityChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT target, field, value, actor, changed_at
		 FROM sensitivity_changes ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sensitivity changes: %w", err)
	}
	defer rows.Close()

	var out []SensitivityChange
	for rows.Next() {
		var c SensitivityChange
		var changedAt string
		if err := rows.Scan(&c.Target, &c.Field, &c.Value, &c.Actor, &changedAt); err != nil {
			return nil, fmt.Errorf("scan sensitivity change: %w", err)
		}
		c.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
