// Package sqlstore persists jobs, audit entries and the diagnostic model
// registry through database/sql. The same schema runs on SQLite, PostgreSQL
// and DuckDB.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
)

// Cipher encrypts clinical payloads at rest. *config.DataKey satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Options struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
	// Cipher is optional; without it payloads are stored as plain JSON.
	Cipher Cipher
}

// Store implements ports.JobRepository, ports.AuditRecorder and
// ports.ManifestRegistry.
type Store struct {
	db      *sql.DB
	dialect Dialect
	cipher  Cipher
	now     func() time.Time
}

// Open connects, applies dialect pragmas and runs pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driver, err := driverName(opts.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", opts.Dialect, err)
	}

	switch opts.Dialect {
	case DialectSQLite:
		// One writer at a time; WAL lets readers proceed alongside it.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
			}
		}
	default:
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", opts.Dialect, err)
	}

	store := New(db, opts.Dialect, opts.Cipher)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already open handle without migrating it.
func New(db *sql.DB, dialect Dialect, cipher Cipher) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		cipher:  cipher,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func driverName(d Dialect) (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	case DialectDuckDB:
		return "duckdb", nil
	}
	return "", fmt.Errorf("unsupported database dialect %q", d)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) seal(plaintext string) (string, error) {
	if s.cipher == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}

func (s *Store) open(stored string) (string, error) {
	if s.cipher == nil || stored == "" {
		return stored, nil
	}
	return s.cipher.Decrypt(stored)
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
