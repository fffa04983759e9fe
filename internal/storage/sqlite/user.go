package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/warden/internal"
)

const userColumns = `id, username, email, password_hash, role, org_id, managed_orgs,
	enabled, created_at, last_login`

// CreateUser inserts u. A taken username yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	managed, err := jsonText(u.ManagedOrgs, len(u.ManagedOrgs) == 0)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, optText(u.Email), u.PasswordHash, string(u.Role), optText(u.OrgID),
		managed, bit(u.Enabled), stamp(u.CreatedAt), optStamp(u.LastLogin),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("user %q: %w", u.Username, gateway.ErrConflict)
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	return scanUser(s.read.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*gateway.User, error) {
	return scanUser(s.read.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// ListUsers pages through users in creation order.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUser)
}

// UpdateUser rewrites everything but the id, username and timestamps.
func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	managed, err := jsonText(u.ManagedOrgs, len(u.ManagedOrgs) == 0)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET email = ?, password_hash = ?, role = ?, org_id = ?, managed_orgs = ?, enabled = ?
		 WHERE id = ?`,
		optText(u.Email), u.PasswordHash, string(u.Role), optText(u.OrgID), managed, bit(u.Enabled), u.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, "user")
}

func (s *Store) TouchUserLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.write.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, stamp(at), id)
	return err
}

func scanUser(row rowScanner) (*gateway.User, error) {
	u := new(gateway.User)
	err := row.Scan(&u.ID, &u.Username, optString(&u.Email), &u.PasswordHash, (*string)(&u.Role),
		optString(&u.OrgID), jsonValue(&u.ManagedOrgs), boolean(&u.Enabled),
		reqTime(&u.CreatedAt), optTime(&u.LastLogin))
	if err != nil {
		return nil, noRows(err)
	}
	return u, nil
}
