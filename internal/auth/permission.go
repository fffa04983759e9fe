package auth

import gateway "github.com/eugener/warden/internal"

// CheckPermission reports whether id holds p for a resource owned by
// resourceOrgID and resourceUserID. The organization and user rules apply
// independently; an empty resource id skips its rule. Admins pass both.
//
// Resource managers and auditors reach only their managed organizations.
// Users and services reach only their own organization and their own data.
func CheckPermission(id *gateway.Identity, p gateway.Permission, resourceOrgID, resourceUserID string) bool {
	if id == nil || !id.Can(p) {
		return false
	}
	if id.Role == gateway.RoleAdmin {
		return true
	}
	if resourceOrgID != "" && !orgAllowed(id, resourceOrgID) {
		return false
	}
	if resourceUserID != "" && ownsOnlySelf(id.Role) && resourceUserID != id.UserID {
		return false
	}
	return true
}

func ownsOnlySelf(r gateway.Role) bool {
	return r == gateway.RoleUser || r == gateway.RoleService
}

func orgAllowed(id *gateway.Identity, orgID string) bool {
	switch id.Role {
	case gateway.RoleResourceManager, gateway.RoleAuditor:
		return id.ManagesOrg(orgID)
	case gateway.RoleUser, gateway.RoleService:
		return orgID == id.OrgID
	}
	return false
}
