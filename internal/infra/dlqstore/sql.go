package dlqstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// SQLConfig holds connection settings for the SQL store.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

const dlqSchema = `
CREATE TABLE IF NOT EXISTS dlq_entries (
	id          TEXT PRIMARY KEY,
	enqueued_at INTEGER NOT NULL,
	status      TEXT NOT NULL,
	document    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dlq_entries_enqueued_at ON dlq_entries(enqueued_at);
`

type entryRow struct {
	ID         string `db:"id"`
	EnqueuedAt int64  `db:"enqueued_at"`
	Status     string `db:"status"`
	Document   string `db:"document"`
}

// SQLStore persists entries in a single table, one JSON document per row.
// The default driver is sqlite3 so a library consumer needs no server.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens the database and bootstraps the schema.
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}

	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open dlq database: %w", err)
	}
	if _, err := db.ExecContext(ctx, dlqSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap dlq schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, entry *domain.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (id, enqueued_at, status, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, document = excluded.document`,
		entry.ID, idTimestamp(entry.ID), string(entry.Status), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadAll(ctx context.Context) ([]*domain.Entry, error) {
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, enqueued_at, status, document
		FROM dlq_entries
		ORDER BY enqueued_at ASC`); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	entries := make([]*domain.Entry, 0, len(rows))
	for _, row := range rows {
		var entry domain.Entry
		if err := json.Unmarshal([]byte(row.Document), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
