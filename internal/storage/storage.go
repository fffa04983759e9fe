// Package storage defines persistence interfaces for the broker.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/accounting"
)

// UserStore manages user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	GetUserByUsername(ctx context.Context, username string) (*gateway.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error)
	UpdateUser(ctx context.Context, u *gateway.User) error
	TouchUserLogin(ctx context.Context, id string, at time.Time) error
}

// APIKeyStore manages API key persistence. Keys are revoked, never deleted.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	// ListKeys returns keys owned by userID, or all keys when userID is empty.
	ListKeys(ctx context.Context, userID string, offset, limit int) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id string, at time.Time) error
	TouchKeyUsed(ctx context.Context, id string, at time.Time) error
	CountKeys(ctx context.Context) (active, revoked int, err error)
}

// CredentialStore is the user and API key store used by access control.
type CredentialStore interface {
	UserStore
	APIKeyStore
}

// Store combines all storage interfaces.
type Store interface {
	CredentialStore
	accounting.Mirror
	Ping(ctx context.Context) error
	Close() error
}
