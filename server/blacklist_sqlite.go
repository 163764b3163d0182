package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/twmailer/twmailer/logger"
)

// SQLiteBlacklist persists entries in a SQLite database so that several
// server processes on one host, and restarts, see the same blacklist.
// Writers are serialized by SQLite's own file locking.
type SQLiteBlacklist struct {
	db     *sql.DB
	window time.Duration
	now    func() time.Time
}

func NewSQLiteBlacklist(path string, window time.Duration) (*SQLiteBlacklist, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create blacklist directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist database: %w", err)
	}
	// One connection per process; cross-process contention waits on busy_timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Blacklist: failed to enable WAL", "path", path, "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS blacklist (
		ip    TEXT PRIMARY KEY,
		since INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blacklist_since ON blacklist(since);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blacklist schema: %w", err)
	}

	return &SQLiteBlacklist{db: db, window: window, now: time.Now}, nil
}

func (b *SQLiteBlacklist) cutoff() int64 {
	return b.now().Add(-b.window).UnixNano()
}

func (b *SQLiteBlacklist) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	var since int64
	err := b.db.QueryRowContext(ctx, `SELECT since FROM blacklist WHERE ip = ?`, ip).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist lookup for %s: %w", ip, err)
	}
	return since >= b.cutoff(), nil
}

func (b *SQLiteBlacklist) Add(ctx context.Context, ip string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blacklist (ip, since) VALUES (?, ?)
		ON CONFLICT(ip) DO UPDATE SET since = excluded.since`,
		ip, b.now().UnixNano())
	if err != nil {
		return fmt.Errorf("blacklist insert for %s: %w", ip, err)
	}
	return nil
}

func (b *SQLiteBlacklist) Remove(ctx context.Context, ip string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM blacklist WHERE ip = ?`, ip)
	if err != nil {
		return false, fmt.Errorf("blacklist delete for %s: %w", ip, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *SQLiteBlacklist) Sweep(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM blacklist WHERE since < ?`, b.cutoff())
	if err != nil {
		return 0, fmt.Errorf("blacklist sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *SQLiteBlacklist) Entries(ctx context.Context) ([]BlacklistEntry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT ip, since FROM blacklist WHERE since >= ? ORDER BY ip`, b.cutoff())
	if err != nil {
		return nil, fmt.Errorf("blacklist list: %w", err)
	}
	defer rows.Close()

	var out []BlacklistEntry
	for rows.Next() {
		var (
			ip    string
			since int64
		)
		if err := rows.Scan(&ip, &since); err != nil {
			return nil, err
		}
		ts := time.Unix(0, since)
		out = append(out, BlacklistEntry{IP: ip, Since: ts, Expires: ts.Add(b.window)})
	}
	return out, rows.Err()
}

func (b *SQLiteBlacklist) Close() error {
	return b.db.Close()
}
