package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// AdminStore implements storage.AdminStore using SQLite.
type AdminStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewAdminStore creates a new SQLite-backed AdminStore.
func NewAdminStore(db *DB) *AdminStore {
	return &AdminStore{wrapper: db, db: db.DB()}
}

var _ storage.AdminStore = (*AdminStore)(nil)

// Add grants admin to a username. Adding an existing admin is a no-op
// and records no history.
func (s *AdminStore) Add(ctx context.Context, username, actor, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO admin (username) VALUES (?)`, username)
	if err != nil {
		return fmt.Errorf("inserting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		if err := insertAdminHistory(ctx, tx, username, "add", actor, ip); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Remove revokes admin from a username.
func (s *AdminStore) Remove(ctx context.Context, username, actor, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`DELETE FROM admin WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if err := insertAdminHistory(ctx, tx, username, "remove", actor, ip); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// List returns all admin usernames in order.
func (s *AdminStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM admin ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning admin row: %w", err)
		}
		admins = append(admins, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin rows: %w", err)
	}

	return admins, nil
}

// Contains reports whether a username is an admin.
func (s *AdminStore) Contains(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admin WHERE username = ?`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("querying admin: %w", err)
	}
	return count > 0, nil
}

func insertAdminHistory(ctx context.Context, ex execer, username, action, actor, ip string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO admin_history (username, action, actor, ip_address, event_time)
		VALUES (?, ?, ?, ?, ?)`,
		username, action, actor, nullString(ip), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting admin history row: %w", err)
	}
	return nil
}
