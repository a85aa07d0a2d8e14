package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// timeLayout is fixed-width UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps *sql.DB with the placeholder dialect of its driver. Queries are
// written with '?' placeholders and rebound for Postgres.
type DB struct {
	*sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the record store. Pass driver "sqlite" with a file path
// (or ":memory:") for local runs and tests.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := sqlDB.Exec(pragma); err != nil {
				sqlDB.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	return &DB{DB: sqlDB, driver: driver, now: time.Now}, nil
}

func (db *DB) Driver() string { return db.driver }

// WithClock replaces the clock used for created_at/updated_at stamps.
func (db *DB) WithClock(now func() time.Time) *DB {
	db.now = now
	return db
}

// InitDB creates every table and index the escrow service needs.
func (db *DB) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id VARCHAR(64) PRIMARY KEY,
			seller_id VARCHAR(255) NOT NULL,
			title TEXT NOT NULL,
			price_minor BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			buyer_id VARCHAR(255),
			purchased_at VARCHAR(32),
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(64) PRIMARY KEY,
			listing_id VARCHAR(64) NOT NULL,
			buyer_id VARCHAR(255) NOT NULL,
			seller_id VARCHAR(255) NOT NULL,
			amount_minor BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			reference VARCHAR(64) NOT NULL UNIQUE,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_buyer_id ON payments(buyer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_seller_status ON payments(seller_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status_created ON payments(status, created_at)`,
		// At most one open payment per listing.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_open_listing ON payments(listing_id) WHERE status IN ('pending', 'held')`,

		`CREATE TABLE IF NOT EXISTS platform_fees (
			id VARCHAR(64) PRIMARY KEY,
			listing_id VARCHAR(64) NOT NULL UNIQUE,
			seller_id VARCHAR(255) NOT NULL,
			amount_minor BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS withdrawals (
			id VARCHAR(64) PRIMARY KEY,
			seller_id VARCHAR(255) NOT NULL,
			amount_minor BIGINT NOT NULL,
			account_name TEXT NOT NULL,
			account_number VARCHAR(32) NOT NULL,
			bank_name TEXT NOT NULL,
			bank_code VARCHAR(16) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			reference VARCHAR(64) NOT NULL UNIQUE,
			recipient_code VARCHAR(64) NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_seller_status ON withdrawals(seller_id, status)`,

		`CREATE TABLE IF NOT EXISTS seller_payouts (
			seller_id VARCHAR(255) PRIMARY KEY,
			reserved_minor BIGINT NOT NULL DEFAULT 0,
			updated_at VARCHAR(32) NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init db: %w", err)
		}
	}
	return nil
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.rebind(query), args...)
}

// execConditional runs a compare-and-set update and reports whether a row
// matched.
func (db *DB) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := db.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (db *DB) stamp() string {
	return formatTime(db.now())
}

func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
