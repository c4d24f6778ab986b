// Package sqlitedb opens SQLite databases configured the way relay's stores
// expect: foreign keys on (deletes cascade), a busy timeout, and a bounded
// connection pool.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Options configures Open.
type Options struct {
	JournalMode  string        // Defaults to WAL
	SyncMode     string        // Defaults to NORMAL
	BusyTimeout  time.Duration // Defaults to 5s
	MaxOpenConns int           // Defaults to 4
	PingTimeout  time.Duration // Defaults to 10s
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		JournalMode:  "WAL",
		SyncMode:     "NORMAL",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
		PingTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.JournalMode == "" {
		o.JournalMode = d.JournalMode
	}
	if o.SyncMode == "" {
		o.SyncMode = d.SyncMode
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = d.MaxOpenConns
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout
	}
	return o
}

// DSN returns the go-sqlite3 data source name for path.
func DSN(path string, opts Options) string {
	opts = opts.withDefaults()
	return fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_busy_timeout=%d",
		path, opts.JournalMode, opts.SyncMode, opts.BusyTimeout.Milliseconds())
}

// Open opens (creating if needed) the database at path and verifies the
// connection. The parent directory is created when missing.
func Open(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	opts = opts.withDefaults()
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", DSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate executes each schema statement in order.
func Migrate(ctx context.Context, db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime maps the zero time to NULL.
func NullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsForeignKeyViolation reports whether err is a FOREIGN KEY constraint
// failure.
func IsForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
