package testutil

import gateway "github.com/eugener/warden/internal"

// AdminIdentity returns an API-key admin identity in the default org.
func AdminIdentity() *gateway.Identity {
	return IdentityFor("admin-1", gateway.RoleAdmin, "default")
}

// IdentityFor returns an API-key identity with the role's permissions.
func IdentityFor(userID string, role gateway.Role, orgID string) *gateway.Identity {
	return &gateway.Identity{
		UserID:     userID,
		Username:   userID,
		Role:       role,
		OrgID:      orgID,
		Perms:      gateway.RolePermissions[role],
		KeyID:      "key-" + userID,
		AuthMethod: "apikey",
	}
}
