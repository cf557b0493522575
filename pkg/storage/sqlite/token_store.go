package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// TokenStore implements storage.TokenStore using SQLite.
type TokenStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewTokenStore creates a new SQLite-backed TokenStore.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{wrapper: db, db: db.DB()}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// tokenColumns is the SELECT column list shared by Get and List queries.
const tokenColumns = `key, secret_hash, username, token_type, token_name,
			scopes, service, created, last_used, expires, parent`

// Add stores a new token record and its creation history row in one
// transaction.
func (s *TokenStore) Add(ctx context.Context, rec *storage.TokenRecord, history *storage.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token (
			key, secret_hash, username, token_type, token_name,
			scopes, service, created, last_used, expires, parent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key,
		rec.SecretHash,
		rec.Username,
		string(rec.Kind),
		nullString(rec.TokenName),
		encodeScopes(rec.Scopes),
		nullString(rec.Service),
		formatTime(rec.Created),
		formatTimePtr(rec.LastUsed),
		formatTimePtr(rec.Expires),
		nullString(rec.Parent),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateTokenName
		}
		return fmt.Errorf("inserting token: %w", err)
	}

	if history != nil {
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Get retrieves a token record by key.
func (s *TokenStore) Get(ctx context.Context, key string) (*storage.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM token WHERE key = ?`, key)
	return scanToken(row)
}

// List returns the records owned by username, or every record when
// username is empty, newest first.
func (s *TokenStore) List(ctx context.Context, username string) ([]*storage.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM token`
	var args []any
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY created DESC, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*storage.TokenRecord
	for rows.Next() {
		rec, scanErr := scanToken(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}

	return result, nil
}

// Modify updates the mutable fields of a token and records the history
// row in the same transaction. The updated record is returned.
func (s *TokenStore) Modify(
	ctx context.Context, key string, mod *storage.Modification, history *storage.HistoryEntry,
) (*storage.TokenRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	rec, err := scanToken(tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM token WHERE key = ?`, key))
	if err != nil {
		return nil, err
	}

	if mod.TokenName != nil {
		rec.TokenName = *mod.TokenName
	}
	if mod.Scopes != nil {
		rec.Scopes = mod.Scopes
	}
	if mod.ClearExpires {
		rec.Expires = nil
	} else if mod.Expires != nil {
		rec.Expires = mod.Expires
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE token SET token_name = ?, scopes = ?, expires = ?
		WHERE key = ?`,
		nullString(rec.TokenName),
		encodeScopes(rec.Scopes),
		formatTimePtr(rec.Expires),
		key,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrDuplicateTokenName
		}
		return nil, fmt.Errorf("updating token: %w", err)
	}

	if history != nil {
		if err := insertHistory(ctx, tx, history); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return rec, nil
}

// Delete removes a token record and records the revocation in the same
// transaction. Descendants must already have been deleted; the parent
// foreign key rejects orphaning.
func (s *TokenStore) Delete(ctx context.Context, key string, history *storage.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM token WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if history != nil {
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Children returns the keys of the direct children of a token.
func (s *TokenStore) Children(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM token WHERE parent = ? ORDER BY key`, key)
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning child key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating child rows: %w", err)
	}

	return keys, nil
}

// FindChild locates a reusable child token matching the query, if any.
// Among candidates the one expiring last (or never) wins.
func (s *TokenStore) FindChild(ctx context.Context, q *storage.ChildQuery) (*storage.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM token
		WHERE parent = ? AND token_type = ?
		  AND ifnull(service, '') = ? AND scopes = ?
		  AND (expires IS NULL OR expires >= ?)
		ORDER BY expires IS NULL DESC, expires DESC
		LIMIT 1`,
		q.Parent,
		string(q.Kind),
		q.Service,
		encodeScopes(q.Scopes),
		formatTime(q.MinExpires),
	)
	return scanToken(row)
}

// UpdateLastUsed records when a token last authenticated a request.
func (s *TokenStore) UpdateLastUsed(ctx context.Context, key string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE token SET last_used = ? WHERE key = ?`, formatTime(when), key)
	if err != nil {
		return fmt.Errorf("updating last_used: %w", err)
	}
	return nil
}

// Keys lists every token key, for audit scans.
func (s *TokenStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM token ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying token keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning token key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key rows: %w", err)
	}

	return keys, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// scanToken scans a token row into a TokenRecord.
func scanToken(sc scanner) (*storage.TokenRecord, error) {
	var (
		key        string
		secretHash string
		username   string
		tokenType  string
		tokenName  sql.NullString
		scopesStr  string
		service    sql.NullString
		createdStr string
		lastUsed   sql.NullString
		expires    sql.NullString
		parent     sql.NullString
	)

	err := sc.Scan(
		&key, &secretHash, &username, &tokenType, &tokenName,
		&scopesStr, &service, &createdStr, &lastUsed, &expires, &parent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning token row: %w", err)
	}

	kind, err := kindOf(tokenType)
	if err != nil {
		return nil, err
	}
	created, err := parseTime(createdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created: %w", err)
	}
	lastUsedAt, err := parseTimePtr(lastUsed)
	if err != nil {
		return nil, fmt.Errorf("parsing last_used: %w", err)
	}
	expiresAt, err := parseTimePtr(expires)
	if err != nil {
		return nil, fmt.Errorf("parsing expires: %w", err)
	}

	return &storage.TokenRecord{
		Key:        key,
		SecretHash: secretHash,
		Username:   username,
		Kind:       kind,
		TokenName:  tokenName.String,
		Scopes:     decodeScopes(scopesStr),
		Service:    service.String,
		Created:    created,
		LastUsed:   lastUsedAt,
		Expires:    expiresAt,
		Parent:     parent.String,
	}, nil
}

// timeFormat is fixed width (nanoseconds never trimmed, always UTC) so
// lexicographic order on a timestamp column matches chronological
// order for the range comparisons and ORDER BYs.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp as the canonical column value.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
