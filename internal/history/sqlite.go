package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id       TEXT NOT NULL,
	hypothesis_id TEXT NOT NULL,
	tier          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	priority      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error         TEXT,
	duration_ms   INTEGER NOT NULL,
	cost          REAL NOT NULL,
	created_at    TEXT NOT NULL,
	completed_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_history_created_at ON task_history(created_at);
`

// SQLiteStore persists task history in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	completedAt := ""
	if !rec.CompletedAt.IsZero() {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (task_id, hypothesis_id, tier, kind, priority, status, error, duration_ms, cost, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.HypothesisID, rec.Tier, rec.Kind, rec.Priority, rec.Status, rec.Error,
		rec.DurationMs, rec.Cost, rec.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, hypothesis_id, tier, kind, priority, status, COALESCE(error, ''), duration_ms, cost, created_at, COALESCE(completed_at, '')
		 FROM task_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt, completedAt string
		if err := rows.Scan(&rec.TaskID, &rec.HypothesisID, &rec.Tier, &rec.Kind, &rec.Priority,
			&rec.Status, &rec.Error, &rec.DurationMs, &rec.Cost, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		if completedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
				rec.CompletedAt = t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
