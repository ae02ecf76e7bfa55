// Package database opens the relational store shared by the artifact
// repository and the checkpoint store, and applies its schema.
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go) and
// "pgx" (PostgreSQL through github.com/jackc/pgx/v5/stdlib). Queries are
// written with "?" placeholders and rebound for PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// DB is a migrated database handle.
type DB struct {
	*sql.DB
	driver string
}

// Open connects to dsn with driver and applies pending migrations.
// "postgres" is accepted as an alias of "pgx".
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		driver = DriverSQLite
		sqlDB, err = openSQLite(ctx, dsn)
	case DriverPostgres, "postgres", "postgresql":
		driver = DriverPostgres
		sqlDB, err = sql.Open(DriverPostgres, dsn)
		if err == nil {
			if err = sqlDB.PingContext(ctx); err != nil {
				_ = sqlDB.Close()
			}
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func openSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer, and an in-memory
	// database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Driver returns the normalized driver name.
func (db *DB) Driver() string { return db.driver }

// Rebind rewrites "?" placeholders for the connected driver.
func (db *DB) Rebind(query string) string {
	return rebind(db.driver, query)
}

func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Placeholders returns n comma-separated "?" placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// InTx runs fn in a transaction, rolling back when fn fails.
func (db *DB) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TimeLayout stores timestamps as fixed-width UTC text so they sort
// lexicographically on every driver.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout value.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
