package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// HistoryStore implements storage.HistoryStore using SQLite.
type HistoryStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewHistoryStore creates a new SQLite-backed HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{wrapper: db, db: db.DB()}
}

var _ storage.HistoryStore = (*HistoryStore)(nil)

const historyColumns = `token, username, token_type, token_name, parent,
			scopes, service, expires, actor, action,
			old_token_name, old_scopes, old_expires, ip_address, event_time`

// List returns the history entries matching the filter, newest first.
func (s *HistoryStore) List(ctx context.Context, filter *storage.HistoryFilter) ([]*storage.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM token_change_history WHERE 1 = 1`
	var args []any

	if filter != nil {
		if filter.Username != "" {
			query += ` AND username = ?`
			args = append(args, filter.Username)
		}
		if filter.Actor != "" {
			query += ` AND actor = ?`
			args = append(args, filter.Actor)
		}
		if filter.TokenKey != "" {
			query += ` AND token = ?`
			args = append(args, filter.TokenKey)
		}
		if filter.Kind != "" {
			query += ` AND token_type = ?`
			args = append(args, string(filter.Kind))
		}
		if filter.Since != nil {
			query += ` AND event_time >= ?`
			args = append(args, formatTime(*filter.Since))
		}
		if filter.Until != nil {
			query += ` AND event_time <= ?`
			args = append(args, formatTime(*filter.Until))
		}
	}

	query += ` ORDER BY event_time DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*storage.HistoryEntry
	for rows.Next() {
		entry, scanErr := scanHistory(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	return result, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertHistory writes one history row, usually inside the transaction
// carrying the token mutation it records.
func insertHistory(ctx context.Context, ex execer, entry *storage.HistoryEntry) error {
	var oldScopes sql.NullString
	if entry.OldScopes != nil {
		oldScopes = sql.NullString{String: encodeScopes(entry.OldScopes), Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO token_change_history (
			token, username, token_type, token_name, parent,
			scopes, service, expires, actor, action,
			old_token_name, old_scopes, old_expires, ip_address, event_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TokenKey,
		entry.Username,
		string(entry.Kind),
		nullString(entry.TokenName),
		nullString(entry.Parent),
		encodeScopes(entry.Scopes),
		nullString(entry.Service),
		formatTimePtr(entry.Expires),
		entry.Actor,
		string(entry.Action),
		nullString(entry.OldTokenName),
		oldScopes,
		formatTimePtr(entry.OldExpires),
		nullString(entry.IPAddress),
		formatTime(entry.EventTime),
	)
	if err != nil {
		return fmt.Errorf("inserting history row: %w", err)
	}
	return nil
}

func scanHistory(sc scanner) (*storage.HistoryEntry, error) {
	var (
		tokenKey     string
		username     string
		tokenType    string
		tokenName    sql.NullString
		parent       sql.NullString
		scopesStr    string
		service      sql.NullString
		expires      sql.NullString
		actor        string
		action       string
		oldTokenName sql.NullString
		oldScopes    sql.NullString
		oldExpires   sql.NullString
		ipAddress    sql.NullString
		eventTimeStr string
	)

	err := sc.Scan(
		&tokenKey, &username, &tokenType, &tokenName, &parent,
		&scopesStr, &service, &expires, &actor, &action,
		&oldTokenName, &oldScopes, &oldExpires, &ipAddress, &eventTimeStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning history row: %w", err)
	}

	kind, err := kindOf(tokenType)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseTimePtr(expires)
	if err != nil {
		return nil, fmt.Errorf("parsing expires: %w", err)
	}
	oldExpiresAt, err := parseTimePtr(oldExpires)
	if err != nil {
		return nil, fmt.Errorf("parsing old_expires: %w", err)
	}
	eventTime, err := parseTime(eventTimeStr)
	if err != nil {
		return nil, fmt.Errorf("parsing event_time: %w", err)
	}

	entry := &storage.HistoryEntry{
		TokenKey:     tokenKey,
		Username:     username,
		Kind:         kind,
		TokenName:    tokenName.String,
		Parent:       parent.String,
		Scopes:       decodeScopes(scopesStr),
		Service:      service.String,
		Expires:      expiresAt,
		Actor:        actor,
		Action:       storage.HistoryAction(action),
		OldTokenName: oldTokenName.String,
		OldExpires:   oldExpiresAt,
		IPAddress:    ipAddress.String,
		EventTime:    eventTime,
	}
	if oldScopes.Valid {
		entry.OldScopes = decodeScopes(oldScopes.String)
	}

	return entry, nil
}
