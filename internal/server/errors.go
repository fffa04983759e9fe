package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/app"
	"github.com/eugener/warden/internal/provider"
)

// Machine-readable error codes.
const (
	codeAuthentication      = "authentication_failed"
	codeForbidden           = "forbidden"
	codeBudgetExceeded      = "budget_exceeded"
	codeThreatBlocked       = "threat_blocked"
	codeThreatRateLimited   = "threat_rate_limited"
	codeRateLimited         = "rate_limited"
	codeNoProviderAvailable = "no_provider_available"
	codeAllProvidersFailed  = "all_providers_failed"
	codeBadRequest          = "bad_request"
	codeNotFound            = "not_found"
	codeConflict            = "conflict"
	codeInternal            = "internal_error"
)

type apiError struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Code    string   `json:"code"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: errorBody{Message: msg, Type: errorType(status), Code: code}})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrAllProvidersFailed):
		return http.StatusInternalServerError
	case errors.Is(err, gateway.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrAuthorization), errors.Is(err, gateway.ErrThreatBlocked):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrThreatRateLimited), errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, gateway.ErrAllProvidersFailed):
		return codeAllProvidersFailed
	case errors.Is(err, gateway.ErrAuthentication):
		return codeAuthentication
	case errors.Is(err, gateway.ErrThreatBlocked):
		return codeThreatBlocked
	case errors.Is(err, gateway.ErrAuthorization):
		return codeForbidden
	case errors.Is(err, gateway.ErrBudgetExceeded):
		return codeBudgetExceeded
	case errors.Is(err, gateway.ErrThreatRateLimited):
		return codeThreatRateLimited
	case errors.Is(err, gateway.ErrRateLimited):
		return codeRateLimited
	case errors.Is(err, gateway.ErrBadRequest):
		return codeBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return codeNotFound
	case errors.Is(err, gateway.ErrConflict):
		return codeConflict
	case errors.Is(err, gateway.ErrNoProviderAvailable):
		return codeNoProviderAvailable
	default:
		return codeInternal
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusPaymentRequired:
		return "insufficient_quota"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// writeError maps err to a status and code and writes a client-safe message.
// Upstream bodies, store errors, and authentication causes stay server-side.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	body := errorBody{Type: errorType(status), Code: errorCode(err)}

	var (
		budget *app.BudgetError
		apiErr *provider.APIError
	)
	switch {
	case errors.Is(err, gateway.ErrAuthentication):
		body.Message = gateway.ErrAuthentication.Error()
	case errors.As(err, &budget):
		body.Message = gateway.ErrBudgetExceeded.Error()
		body.Reasons = budget.Check.Reasons
	case errors.Is(err, gateway.ErrAllProvidersFailed):
		body.Message = gateway.ErrAllProvidersFailed.Error()
		if errors.As(err, &apiErr) {
			body.Message += ": " + apiErr.Public()
		}
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request failed on every provider",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
	case body.Code == codeNotFound:
		body.Message = "not found"
	case body.Code == codeConflict:
		body.Message = "conflict"
	case body.Code == codeInternal:
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		body.Message = "internal error"
	default:
		body.Message = err.Error()
	}
	writeJSON(w, status, apiError{Error: body})
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
