package journal

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

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency (
	scope_key  TEXT PRIMARY KEY,
	response   BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at);
`

// SQLite is a durable journal backed by a local SQLite database. Entries
// survive daemon restarts, so a retried create after a crash still replays.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenSQLite opens (creating if necessary) the journal database at dbPath.
func OpenSQLite(dbPath string, ttl time.Duration) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		// Journal entries replay full create responses; keep them private.
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// WAL allows concurrent readers alongside the single writer.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &SQLite{db: db, ttl: ttl}, nil
}

// Get implements Journal. Expired rows are treated as absent and lazily
// deleted.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var response []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT response, expires_at FROM idempotency WHERE scope_key = ?", key,
	).Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("journal lookup failed: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM idempotency WHERE scope_key = ?", key)
		return nil, false, nil
	}
	return response, true, nil
}

// Put implements Journal.
func (s *SQLite) Put(ctx context.Context, key string, response []byte) error {
	expiresAt := time.Now().Add(s.ttl).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (scope_key, response, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(scope_key) DO UPDATE SET response = excluded.response, expires_at = excluded.expires_at`,
		key, response, expiresAt)
	if err != nil {
		return fmt.Errorf("journal write failed: %w", err)
	}
	return nil
}

// Sweep deletes every expired row. Intended for a periodic maintenance call;
// Get already ignores expired rows.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM idempotency WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("journal sweep failed: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Journal.
func (s *SQLite) Close() error {
	return s.db.Close()
}
