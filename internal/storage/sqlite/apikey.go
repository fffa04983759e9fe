package sqlite

import (
	"context"
	"time"

	gateway "github.com/eugener/warden/internal"
)

const keyColumns = `id, name, salt, key_hash, user_id, access_level, enabled,
	expires_at, last_used_at, revoked_at, created_at`

// CreateKey stores a newly issued API key. Only its salted hash is kept.
func (s *Store) CreateKey(ctx context.Context, k *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.Salt, k.KeyHash, k.UserID, k.AccessLevel, bit(k.Enabled),
		optStamp(k.ExpiresAt), optStamp(k.LastUsedAt), optStamp(k.RevokedAt), stamp(k.CreatedAt),
	)
	return err
}

func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	return scanKey(s.read.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id))
}

// ListKeys pages through keys newest first. An empty userID lists every
// owner's keys.
func (s *Store) ListKeys(ctx context.Context, userID string, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE ?1 = '' OR user_id = ?1
		 ORDER BY created_at DESC, id LIMIT ?2 OFFSET ?3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanKey)
}

// RevokeKey disables the key for good and records when.
func (s *Store) RevokeKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET enabled = 0, revoked_at = ? WHERE id = ?`, stamp(at), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "api key")
}

func (s *Store) TouchKeyUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.write.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, stamp(at), id)
	return err
}

// CountKeys reports usable keys and revoked keys. Disabled but unrevoked
// keys are in neither count.
func (s *Store) CountKeys(ctx context.Context) (active, revoked int, err error) {
	err = s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE revoked_at IS NULL AND enabled = 1),
		        COUNT(*) FILTER (WHERE revoked_at IS NOT NULL)
		 FROM api_keys`,
	).Scan(&active, &revoked)
	return active, revoked, err
}

func scanKey(row rowScanner) (*gateway.APIKey, error) {
	k := new(gateway.APIKey)
	err := row.Scan(
		&k.ID, &k.Name, &k.Salt, &k.KeyHash, &k.UserID, &k.AccessLevel, boolean(&k.Enabled),
		optTime(&k.ExpiresAt), optTime(&k.LastUsedAt), optTime(&k.RevokedAt), reqTime(&k.CreatedAt),
	)
	if err != nil {
		return nil, noRows(err)
	}
	return k, nil
}
