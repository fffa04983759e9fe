// Package auth implements access control for the Warden broker: password and
// API key authentication, signed session tokens, and role-based permission
// checks. Resolved API keys are cached in a W-TinyLFU cache.
package auth

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment

	touchTimeout = 5 * time.Second
	// listLimit caps one page read from the credential store.
	listLimit = 10_000
)

// Options configures a Manager.
type Options struct {
	SessionSecret []byte        // HS256 key; random per process when empty
	SessionTTL    time.Duration // default 24h
	KeyPrefix     string        // default "mp"
	Now           func() time.Time
}

// keyEntry is a cached, verified API key with its owner.
type keyEntry struct {
	key  *gateway.APIKey
	user *gateway.User
}

// Manager authenticates callers and administers users and API keys.
type Manager struct {
	store      storage.CredentialStore
	secret     []byte
	sessionTTL time.Duration
	prefix     string
	now        func() time.Time

	cache *otter.Cache[string, *keyEntry] // keyID -> entry
	gen   atomic.Uint64                   // bumped on every revocation
}

// Compile-time interface check.
var _ gateway.Authenticator = (*Manager)(nil)

// NewManager returns a Manager backed by store.
func NewManager(store storage.CredentialStore, opts Options) (*Manager, error) {
	c, err := otter.New(&otter.Options[string, *keyEntry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *keyEntry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	m := &Manager{
		store:      store,
		secret:     opts.SessionSecret,
		sessionTTL: cmp.Or(opts.SessionTTL, 24*time.Hour),
		prefix:     cmp.Or(opts.KeyPrefix, gateway.DefaultKeyPrefix),
		now:        opts.Now,
		cache:      c,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if len(m.secret) == 0 {
		m.secret = make([]byte, 32)
		rand.Read(m.secret)
		slog.Warn("no session secret configured, using a random one; sessions will not survive restarts")
	}
	return m, nil
}

// Authenticate reads "Authorization: Bearer <token>" or "X-API-Key: <key>".
// Tokens carrying the key prefix are API keys; anything else is a session token.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	token := r.Header.Get("X-API-Key")
	if token == "" {
		h := r.Header.Get("Authorization")
		var ok bool
		token, ok = strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, gateway.ErrAuthentication
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, gateway.ErrAuthentication
	}
	if strings.HasPrefix(token, m.prefix+"-") {
		return m.AuthenticateWithAPIKey(ctx, token)
	}
	return m.VerifySessionToken(token)
}

// AuthenticateWithPassword verifies username and password against the store.
func (m *Manager) AuthenticateWithPassword(ctx context.Context, username, password string) (*gateway.Identity, error) {
	u, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// Burn comparable time so unknown users are not distinguishable.
			VerifyPassword(password, dummyHash)
			return nil, m.reject(ctx, "password", errUnknownUser)
		}
		return nil, err
	}
	if !VerifyPassword(password, u.PasswordHash) {
		return nil, m.reject(ctx, "password", errBadPassword)
	}
	if !u.Enabled {
		return nil, m.reject(ctx, "password", errUserDisabled)
	}

	go m.touch(ctx, func(ctx context.Context) error {
		return m.store.TouchUserLogin(ctx, u.ID, m.now().UTC())
	})
	return identityFor(u, "", "password"), nil
}

// reject wraps cause in ErrAuthentication and logs it. The cause is for
// operators only and must not reach the HTTP caller.
func (m *Manager) reject(ctx context.Context, method string, cause error) error {
	slog.LogAttrs(ctx, slog.LevelDebug, "authentication rejected",
		slog.String("method", method),
		slog.String("cause", cause.Error()),
	)
	return fmt.Errorf("%w: %w", gateway.ErrAuthentication, cause)
}

// touch runs fn in the background, detached from the request lifetime.
func (m *Manager) touch(ctx context.Context, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "credential touch failed",
			slog.String("error", err.Error()),
		)
	}
}

func identityFor(u *gateway.User, keyID, method string) *gateway.Identity {
	return &gateway.Identity{
		UserID:      u.ID,
		Username:    u.Username,
		Role:        u.Role,
		OrgID:       u.OrgID,
		ManagedOrgs: u.ManagedOrgs,
		Perms:       gateway.RolePermissions[u.Role],
		KeyID:       keyID,
		AuthMethod:  method,
	}
}

// --- Users ---

// NewUser is the input to CreateUser.
type NewUser struct {
	Username    string       `json:"username"`
	Email       string       `json:"email"`
	Password    string       `json:"password"`
	Role        gateway.Role `json:"role"`
	OrgID       string       `json:"organization_id"`
	ManagedOrgs []string     `json:"managed_orgs"`
}

// CreateUser creates an enabled user. The actor needs user:create for the
// target organization.
func (m *Manager) CreateUser(ctx context.Context, actor *gateway.Identity, in NewUser) (*gateway.User, error) {
	if !CheckPermission(actor, gateway.PermUserCreate, in.OrgID, "") {
		return nil, gateway.ErrAuthorization
	}
	if in.Username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", gateway.ErrBadRequest)
	}
	role := cmp.Or(in.Role, gateway.RoleUser)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", gateway.ErrBadRequest, role)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &gateway.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         role,
		OrgID:        in.OrgID,
		ManagedOrgs:  in.ManagedOrgs,
		Enabled:      true,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "user created",
		slog.String("user_id", u.ID),
		slog.String("username", u.Username),
		slog.String("role", string(u.Role)),
		slog.String("actor", actor.UserID),
	)
	return u, nil
}

// GetUser returns the user if the actor may read it.
func (m *Manager) GetUser(ctx context.Context, actor *gateway.Identity, id string) (*gateway.User, error) {
	u, err := m.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.UserID != u.ID && !CheckPermission(actor, gateway.PermUserRead, u.OrgID, u.ID) {
		return nil, gateway.ErrAuthorization
	}
	return u, nil
}

// ListUsers returns the users visible to the actor: everyone for admins and
// auditors, self plus managed organizations for resource managers, otherwise
// only self.
func (m *Manager) ListUsers(ctx context.Context, actor *gateway.Identity) ([]*gateway.User, error) {
	users, err := m.store.ListUsers(ctx, 0, listLimit)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if m.canSeeUser(actor, u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Manager) canSeeUser(actor *gateway.Identity, u *gateway.User) bool {
	switch actor.Role {
	case gateway.RoleAdmin, gateway.RoleAuditor:
		return true
	case gateway.RoleResourceManager:
		return u.ID == actor.UserID || actor.ManagesOrg(u.OrgID)
	default:
		return u.ID == actor.UserID
	}
}

// AccessStats summarizes the credential store.
type AccessStats struct {
	UsersByRole  map[gateway.Role]int `json:"users_by_role"`
	TotalUsers   int                  `json:"total_users"`
	ActiveKeys   int                  `json:"active_api_keys"`
	RevokedKeys  int                  `json:"revoked_api_keys"`
	SessionTTLMs int64                `json:"session_ttl_ms"`
}

// Stats returns user counts by role and key counts.
func (m *Manager) Stats(ctx context.Context) (AccessStats, error) {
	users, err := m.store.ListUsers(ctx, 0, listLimit)
	if err != nil {
		return AccessStats{}, err
	}
	active, revoked, err := m.store.CountKeys(ctx)
	if err != nil {
		return AccessStats{}, err
	}
	st := AccessStats{
		UsersByRole:  make(map[gateway.Role]int),
		TotalUsers:   len(users),
		ActiveKeys:   active,
		RevokedKeys:  revoked,
		SessionTTLMs: m.sessionTTL.Milliseconds(),
	}
	for _, u := range users {
		st.UsersByRole[u.Role]++
	}
	return st, nil
}
