package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/storage"
)

// DefaultOrg is the organization assigned to the bootstrap admin.
const DefaultOrg = "default"

// Bootstrap creates the configured admin user on first run. It is a no-op
// when no bootstrap admin is configured or the username already exists.
func Bootstrap(ctx context.Context, cfg *Config, store storage.UserStore) error {
	admin := cfg.Auth.BootstrapAdmin
	if admin.Username == "" {
		return nil
	}

	existing, err := store.GetUserByUsername(ctx, admin.Username)
	switch {
	case err == nil && existing != nil:
		return nil
	case err != nil && !errors.Is(err, gateway.ErrNotFound):
		return fmt.Errorf("bootstrap: lookup admin: %w", err)
	}

	if admin.Password == "" {
		return errors.New("bootstrap: auth.bootstrap_admin.password is required")
	}
	hash, err := auth.HashPassword(admin.Password)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	u := &gateway.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Username:     admin.Username,
		Email:        admin.Email,
		PasswordHash: hash,
		Role:         gateway.RoleAdmin,
		OrgID:        DefaultOrg,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("bootstrap: create admin: %w", err)
	}
	slog.Info("bootstrapped admin user", "username", u.Username, "id", u.ID)
	return nil
}
