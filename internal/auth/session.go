package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/warden/internal"
)

const sessionIssuer = "warden"

// sessionClaims is the session token payload.
type sessionClaims struct {
	UserID      string       `json:"user_id"`
	Username    string       `json:"username"`
	Role        gateway.Role `json:"role"`
	OrgID       string       `json:"organization_id"`
	ManagedOrgs []string     `json:"managed_orgs,omitempty"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs an HS256 session token for id.
func (m *Manager) IssueSessionToken(id *gateway.Identity) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.sessionTTL)
	claims := sessionClaims{
		UserID:      id.UserID,
		Username:    id.Username,
		Role:        id.Role,
		OrgID:       id.OrgID,
		ManagedOrgs: id.ManagedOrgs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, exp, nil
}

// VerifySessionToken checks the signature, then expiry against the
// manager's clock, and returns the identity carried by the token.
func (m *Manager) VerifySessionToken(token string) (*gateway.Identity, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrAuthentication, errors.Join(errTokenInvalid, err))
	}
	if claims.ExpiresAt == nil || !m.now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: %w", gateway.ErrAuthentication, errTokenExpired)
	}
	if claims.Issuer != sessionIssuer || claims.UserID == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: %w", gateway.ErrAuthentication, errTokenInvalid)
	}
	return &gateway.Identity{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Role:        claims.Role,
		OrgID:       claims.OrgID,
		ManagedOrgs: claims.ManagedOrgs,
		Perms:       gateway.RolePermissions[claims.Role],
		AuthMethod:  "session",
	}, nil
}
