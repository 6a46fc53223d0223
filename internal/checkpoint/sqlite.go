package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	instance     TEXT PRIMARY KEY,
	last_seen_id INTEGER NOT NULL,
	marker       TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);`

// Databases created before the marker column existed get it added.
const markerColumnSQL = `SELECT COUNT(*) FROM pragma_table_info('checkpoints') WHERE name = 'marker'`

// SQLiteStore keeps all checkpoints in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the checkpoint database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	var n int
	if err := db.QueryRow(markerColumnSQL).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect checkpoint schema: %w", err)
	}
	if n == 0 {
		if _, err := db.Exec(`ALTER TABLE checkpoints ADD COLUMN marker TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add checkpoint marker column: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the checkpoint of instance.
func (s *SQLiteStore) Load(ctx context.Context, instance string) (Checkpoint, error) {
	var (
		id      int64
		marker  string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_id, marker, updated_at FROM checkpoints WHERE instance = ?`, instance,
	).Scan(&id, &marker, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("query checkpoint %s: %w", instance, err)
	}
	return Checkpoint{
		LastSeenID: uint64(id),
		Marker:     marker,
		UpdatedAt:  time.Unix(0, updated).UTC(),
	}, nil
}

// Save upserts the checkpoint of instance inside a transaction.
func (s *SQLiteStore) Save(ctx context.Context, instance string, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (instance, last_seen_id, marker, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance) DO UPDATE SET
			last_seen_id = excluded.last_seen_id,
			marker       = excluded.marker,
			updated_at   = excluded.updated_at
	`, instance, int64(cp.LastSeenID), cp.Marker, cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", instance, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", instance, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
