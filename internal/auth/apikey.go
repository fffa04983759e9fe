package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/eugener/warden/internal"
)

const (
	keyIDBytes     = 8
	keySecretBytes = 32
	keySaltBytes   = 16
)

// generateKey returns a new "{prefix}-{keyId}-{secret}" key and its id.
func generateKey(prefix string) (full, keyID string, err error) {
	id := make([]byte, keyIDBytes)
	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(id); err != nil {
		return "", "", err
	}
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}
	keyID = hex.EncodeToString(id)
	return prefix + "-" + keyID + "-" + base64.RawURLEncoding.EncodeToString(secret), keyID, nil
}

// parseKeyID extracts the key id. The secret is base64url and may itself
// contain '-', so only the first separator after the prefix is significant.
func parseKeyID(prefix, raw string) (string, bool) {
	rest, ok := strings.CutPrefix(raw, prefix+"-")
	if !ok {
		return "", false
	}
	id, secret, ok := strings.Cut(rest, "-")
	if !ok || len(id) != 2*keyIDBytes || secret == "" {
		return "", false
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", false
	}
	return id, true
}

// AuthenticateWithAPIKey validates a raw API key and returns the identity of
// its owner.
func (m *Manager) AuthenticateWithAPIKey(ctx context.Context, raw string) (*gateway.Identity, error) {
	keyID, ok := parseKeyID(m.prefix, raw)
	if !ok {
		return nil, m.reject(ctx, "apikey", errKeyMalformed)
	}

	e, cached := m.cache.GetIfPresent(keyID)
	gen := m.gen.Load()
	if !cached {
		var err error
		e, err = m.loadKey(ctx, keyID)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, m.reject(ctx, "apikey", errKeyUnknown)
			}
			if errors.Is(err, errKeyOwner) {
				return nil, m.reject(ctx, "apikey", errKeyOwner)
			}
			return nil, err
		}
	}

	key := e.key
	hash := gateway.HashKey(key.Salt, raw)
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, m.reject(ctx, "apikey", errKeyMismatch)
	}
	switch {
	case key.RevokedAt != nil:
		return nil, m.reject(ctx, "apikey", errKeyRevoked)
	case !key.Enabled:
		return nil, m.reject(ctx, "apikey", errKeyDisabled)
	case keyExpired(key, m.now()):
		m.cache.Invalidate(keyID)
		return nil, m.reject(ctx, "apikey", errKeyExpired)
	case !e.user.Enabled:
		return nil, m.reject(ctx, "apikey", errUserDisabled)
	}

	// A revocation that landed while the key was loading leaves e stale.
	if !cached && m.gen.Load() == gen {
		m.cache.Set(keyID, e)
	}

	// Touch last-used timestamp asynchronously.
	go m.touch(ctx, func(ctx context.Context) error {
		return m.store.TouchKeyUsed(ctx, keyID, m.now().UTC())
	})

	return identityFor(e.user, keyID, "apikey"), nil
}

func (m *Manager) loadKey(ctx context.Context, keyID string) (*keyEntry, error) {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	u, err := m.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, errKeyOwner
		}
		return nil, err
	}
	return &keyEntry{key: key, user: u}, nil
}

// CredentialOwner resolves the user that usage and quotas for credentialID
// belong to. credentialID is an API key id or, for session callers, a user id.
func (m *Manager) CredentialOwner(ctx context.Context, credentialID string) (*gateway.User, error) {
	key, err := m.store.GetKey(ctx, credentialID)
	switch {
	case err == nil:
		return m.store.GetUser(ctx, key.UserID)
	case errors.Is(err, gateway.ErrNotFound):
		return m.store.GetUser(ctx, credentialID)
	default:
		return nil, err
	}
}

// IssueAPIKey creates a key for the actor. The full key is returned once and
// never stored. expiryDays <= 0 means the key does not expire.
func (m *Manager) IssueAPIKey(ctx context.Context, actor *gateway.Identity, name string, expiryDays int) (fullKey, keyID string, err error) {
	fullKey, key, err := m.IssueKey(ctx, actor, name, expiryDays)
	if err != nil {
		return "", "", err
	}
	return fullKey, key.ID, nil
}

// IssueKey is IssueAPIKey returning the stored key record.
func (m *Manager) IssueKey(ctx context.Context, actor *gateway.Identity, name string, expiryDays int) (string, *gateway.APIKey, error) {
	if !CheckPermission(actor, gateway.PermAPIKeyCreate, "", actor.UserID) {
		return "", nil, gateway.ErrAuthorization
	}
	fullKey, keyID, err := generateKey(m.prefix)
	if err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	saltBytes := make([]byte, keySaltBytes)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", nil, fmt.Errorf("generate api key salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	now := m.now().UTC()
	key := &gateway.APIKey{
		ID:          keyID,
		Name:        name,
		Salt:        salt,
		KeyHash:     gateway.HashKey(salt, fullKey),
		UserID:      actor.UserID,
		AccessLevel: accessLevel(actor.Role),
		Enabled:     true,
		CreatedAt:   now,
	}
	if expiryDays > 0 {
		exp := now.AddDate(0, 0, expiryDays)
		key.ExpiresAt = &exp
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "api key issued",
		slog.String("key_id", keyID),
		slog.String("user_id", actor.UserID),
		slog.String("access_level", key.AccessLevel),
	)
	return fullKey, key, nil
}

func accessLevel(r gateway.Role) string {
	switch r {
	case gateway.RoleAdmin:
		return gateway.AccessAdmin
	case gateway.RoleResourceManager:
		return gateway.AccessManagement
	default:
		return gateway.AccessProxy
	}
}

// RevokeAPIKey soft-disables a key. Non-admins may revoke only their own keys.
// An unknown key reports false with no error.
func (m *Manager) RevokeAPIKey(ctx context.Context, keyID string, actor *gateway.Identity) (bool, error) {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if actor.Role != gateway.RoleAdmin && key.UserID != actor.UserID {
		return false, gateway.ErrAuthorization
	}
	if err := m.store.RevokeKey(ctx, keyID, m.now().UTC()); err != nil {
		return false, err
	}
	m.gen.Add(1)
	m.cache.Invalidate(keyID)

	slog.LogAttrs(ctx, slog.LevelInfo, "api key revoked",
		slog.String("key_id", keyID),
		slog.String("actor", actor.UserID),
	)
	return true, nil
}

// ListAPIKeys returns the keys visible to the actor. Admins and auditors see
// every key, resource managers see keys of users in their organizations, and
// everyone else sees their own.
func (m *Manager) ListAPIKeys(ctx context.Context, actor *gateway.Identity) ([]*gateway.APIKey, error) {
	switch actor.Role {
	case gateway.RoleAdmin, gateway.RoleAuditor:
		return m.store.ListKeys(ctx, "", 0, listLimit)
	case gateway.RoleResourceManager:
		users, err := m.ListUsers(ctx, actor)
		if err != nil {
			return nil, err
		}
		visible := make(map[string]struct{}, len(users))
		for _, u := range users {
			visible[u.ID] = struct{}{}
		}
		keys, err := m.store.ListKeys(ctx, "", 0, listLimit)
		if err != nil {
			return nil, err
		}
		out := keys[:0]
		for _, k := range keys {
			if _, ok := visible[k.UserID]; ok {
				out = append(out, k)
			}
		}
		return out, nil
	default:
		return m.store.ListKeys(ctx, actor.UserID, 0, listLimit)
	}
}

// keyExpired reports whether key is past its expiry at now.
func keyExpired(key *gateway.APIKey, now time.Time) bool {
	return key.ExpiresAt != nil && !now.Before(*key.ExpiresAt)
}
