// Package store persists profiles and the financial ledger in SQLite.
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3, cgo) and
// "sqlite" (modernc.org/sqlite, pure Go). Both speak the same schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrInvalid is returned for values the schema cannot hold.
	ErrInvalid = errors.New("invalid value")
)

const (
	dateLayout  = "2006-01-02"
	stampLayout = time.RFC3339Nano
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	age INTEGER NOT NULL DEFAULT 0,
	annual_income TEXT NOT NULL DEFAULT '0',
	risk_tolerance TEXT NOT NULL DEFAULT '',
	data_consent INTEGER NOT NULL DEFAULT 0,
	action_consent INTEGER NOT NULL DEFAULT 0,
	advanced_opt_in INTEGER NOT NULL DEFAULT 0,
	high_water TEXT NOT NULL DEFAULT 'Started',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	date TEXT NOT NULL,
	description TEXT NOT NULL,
	category TEXT NOT NULL,
	amount TEXT NOT NULL,
	merchant TEXT NOT NULL DEFAULT '',
	account_type TEXT NOT NULL DEFAULT '',
	transaction_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, date);

CREATE TABLE IF NOT EXISTS goals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	target_amount TEXT NOT NULL,
	current_amount TEXT NOT NULL DEFAULT '0',
	deadline TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS budgets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	category TEXT NOT NULL,
	amount TEXT NOT NULL,
	month TEXT NOT NULL,
	UNIQUE (user_id, category, month)
);

CREATE TABLE IF NOT EXISTS recurring (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	description TEXT NOT NULL,
	amount TEXT NOT NULL,
	category TEXT NOT NULL,
	frequency TEXT NOT NULL,
	next_date TEXT NOT NULL
);
`

// Repository is the SQLite-backed store. It is safe for concurrent use.
type Repository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects with driver ("sqlite3" or "sqlite") and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Repository, error) {
	switch driver {
	case "sqlite3", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported storage driver '%s'", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Repository{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Driver returns the database/sql driver name in use.
func (r *Repository) Driver() string {
	return r.driver
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(stampLayout, s)
}
