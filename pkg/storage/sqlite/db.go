// Package sqlite implements the SQL storage contracts on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // driver registration

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// DB wraps the SQLite connection shared by the stores and applies
// migrations at open.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given URL and applies all
// pending migrations. Accepted forms are sqlite:///path, a bare path,
// or :memory: for tests.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	dsn := strings.TrimPrefix(databaseURL, "sqlite://")
	if dsn == "" {
		return nil, fmt.Errorf("empty database URL")
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite serializes access through a single connection.
	// More than one connection risks SQLITE_BUSY under write load.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// encodeScopes renders a scope set as the comma-joined column value.
func encodeScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

// decodeScopes parses the comma-joined column value back into a slice.
func decodeScopes(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// nullString converts an optional column value for binding.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// kindOf validates and converts a stored token_type column value.
func kindOf(s string) (token.Kind, error) {
	kind := token.Kind(s)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown token type %q in database", s)
	}
	return kind, nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
