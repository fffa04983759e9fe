package accounting

// Quota violation reasons.
const (
	ReasonDaily   = "daily_quota_exceeded"
	ReasonMonthly = "monthly_quota_exceeded"
	ReasonRPM     = "rate_limit_rpm_exceeded"
	ReasonTPM     = "rate_limit_tpm_exceeded"
)

// Quota check statuses.
const (
	StatusOK       = "ok"
	StatusExceeded = "exceeded"
	StatusDisabled = "disabled"
)

// QuotaConfig holds per-credential ceilings in normalized tokens.
// A limit of 0 means unlimited.
type QuotaConfig struct {
	DailyLimit   int64 `json:"daily_limit" yaml:"daily"`
	MonthlyLimit int64 `json:"monthly_limit" yaml:"monthly"`
	RPMLimit     int64 `json:"rpm_limit" yaml:"rpm"`
	TPMLimit     int64 `json:"tpm_limit" yaml:"tpm"`
	Enabled      bool  `json:"enabled" yaml:"enabled"`
}

// DefaultQuota returns the quota applied to credentials without an explicit config.
func DefaultQuota() QuotaConfig {
	return QuotaConfig{
		DailyLimit:   100_000,
		MonthlyLimit: 1_000_000,
		RPMLimit:     60,
		TPMLimit:     10_000,
		Enabled:      true,
	}
}

// LimitUsage reports one quota dimension.
type LimitUsage struct {
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Status    string `json:"status"`
}

// QuotaCheck is the outcome of a pre-flight quota evaluation.
type QuotaCheck struct {
	Allowed        bool       `json:"allowed"`
	Status         string     `json:"status"`
	Reasons        []string   `json:"reasons,omitempty"`
	Daily          LimitUsage `json:"daily"`
	Monthly        LimitUsage `json:"monthly"`
	MinuteRequests LimitUsage `json:"minute_requests"`
	MinuteTokens   LimitUsage `json:"minute_tokens"`
}

// tokenLimit evaluates used+estimated <= limit.
func tokenLimit(used, estimated, limit int64) LimitUsage {
	u := LimitUsage{Used: used, Limit: limit, Status: StatusOK}
	if limit <= 0 {
		return u
	}
	u.Remaining = max(0, limit-used)
	if used+estimated > limit {
		u.Status = StatusExceeded
	}
	return u
}

// requestLimit evaluates used < limit.
func requestLimit(used, limit int64) LimitUsage {
	u := LimitUsage{Used: used, Limit: limit, Status: StatusOK}
	if limit <= 0 {
		return u
	}
	u.Remaining = max(0, limit-used)
	if used >= limit {
		u.Status = StatusExceeded
	}
	return u
}
