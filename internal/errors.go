package gateway

import "errors"

// Sentinel errors for the broker domain.
var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrAuthorization       = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrBadRequest          = errors.New("bad request")
	ErrRateLimited         = errors.New("rate limited")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrThreatBlocked       = errors.New("request blocked by security policy")
	ErrThreatRateLimited   = errors.New("too many security violations")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrAllProvidersFailed  = errors.New("all providers failed")
)
