package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// PoolConfig controls database/sql pool behaviour for server databases.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 25
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 25
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// DB wraps the call database. SQLite is the local default, one file per
// peer, kept in step with the other participant by mirrored records.
// PostgreSQL lets several devices of a user share one store.
type DB struct {
	db     *sql.DB
	path   string
	driver string
	mu     sync.RWMutex
}

// Open opens or creates a SQLite database in the given directory
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "calls.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open(DriverSQLite, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	d := &DB{db: db, path: dbPath, driver: DriverSQLite}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// OpenPostgres connects through the pgx stdlib driver and validates the
// connection with a ping. The dsn carries credentials and is never logged.
func OpenPostgres(ctx context.Context, dsn string, pool PoolConfig) (*DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	d := &DB{db: db, driver: DriverPostgres}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			answered_at BIGINT,
			ended_at    BIGINT,
			updated_at  BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}

	// At most one ringing or accepted record per ordered pair.
	if _, err := d.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS calls_outstanding_pair
		ON calls (caller_id, receiver_id)
		WHERE status IN ('ringing', 'accepted')
	`); err != nil {
		return fmt.Errorf("create outstanding index: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS calls_caller_created ON calls (caller_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS calls_receiver_created ON calls (receiver_id, created_at)`,
	} {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("create history index: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path; empty for server databases.
func (d *DB) Path() string {
	return d.path
}

// Driver returns the database/sql driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites ? placeholders for drivers that number their parameters.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// QueryContext executes a query that returns rows
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

// QueryRowContext executes a query that returns a single row
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}

// Tx is a transaction that rebinds placeholders for the owning DB.
type Tx struct {
	tx *sql.Tx
	d  *DB
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.Rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.Rebind(query), args...)
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or panics, and committed otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		err = sqlTx.Commit()
	}()

	return fn(ctx, &Tx{tx: sqlTx, d: d})
}
