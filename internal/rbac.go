package gateway

import "math/bits"

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermSystemConfig Permission = 1 << iota
	PermSystemMonitor
	PermSystemHealth
	PermUserCreate
	PermUserRead
	PermUserUpdate
	PermUserDelete
	PermAPIKeyCreate
	PermAPIKeyRead
	PermAPIKeyUpdate
	PermAPIKeyDelete
	PermAPIKeyRotate
	PermQuotaRead
	PermQuotaUpdate
	PermQuotaReset
	PermAnalyticsRead
	PermAnalyticsSystem
	PermAnalyticsSecurity
	PermAnalyticsExport
	PermLLMConfig
	PermLLMModels
	PermLLMProviders
	PermProxyUse
	PermProxyRoute
	PermProxyAdmin
	PermSecurityAudit
	PermSecurityConfig

	permEnd
)

// PermAll is the union of every defined permission.
const PermAll = permEnd - 1

var permNames = [...]string{
	"system:config", "system:monitor", "system:health",
	"user:create", "user:read", "user:update", "user:delete",
	"apikey:create", "apikey:read", "apikey:update", "apikey:delete", "apikey:rotate",
	"quota:read", "quota:update", "quota:reset",
	"analytics:read", "analytics:system", "analytics:security", "analytics:export",
	"llm:config", "llm:models", "llm:providers",
	"proxy:use", "proxy:route", "proxy:admin",
	"security:audit", "security:config",
}

// String returns the "resource:action" name of a single permission.
func (p Permission) String() string {
	if bits.OnesCount32(uint32(p)) != 1 || p >= permEnd {
		return "permission(multiple)"
	}
	return permNames[bits.TrailingZeros32(uint32(p))]
}

// ParsePermission returns the permission named s.
func ParsePermission(s string) (Permission, bool) {
	for i, n := range permNames {
		if n == s {
			return Permission(1) << i, true
		}
	}
	return 0, false
}

// RolePermissions maps roles to their permission bitmasks.
var RolePermissions = map[Role]Permission{
	RoleAdmin: PermAll,
	RoleResourceManager: PermSystemHealth |
		PermUserRead | PermUserUpdate |
		PermAPIKeyCreate | PermAPIKeyRead | PermAPIKeyUpdate |
		PermQuotaRead | PermQuotaUpdate | PermQuotaReset |
		PermAnalyticsRead | PermLLMModels |
		PermProxyUse | PermProxyRoute,
	RoleAuditor: PermSystemHealth |
		PermUserRead | PermAPIKeyRead | PermQuotaRead |
		PermAnalyticsRead | PermAnalyticsSystem | PermAnalyticsSecurity | PermAnalyticsExport |
		PermSecurityAudit | PermProxyUse,
	RoleUser: PermSystemHealth |
		PermAPIKeyCreate | PermAPIKeyRead | PermAPIKeyUpdate |
		PermQuotaRead | PermAnalyticsRead | PermProxyUse,
	RoleService: PermSystemHealth | PermProxyUse | PermAnalyticsRead,
}
