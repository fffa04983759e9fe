package server

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/security"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// maxUsageDays bounds the usage query window.
const maxUsageDays = 366

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// paginate slices items by the request's offset and limit.
func paginate[T any](r *http.Request, items []T) listResponse {
	offset, limit := parsePagination(r)
	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	page := items[start:end]
	if page == nil {
		page = []T{}
	}
	return listResponse{
		Data:       page,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	}
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", gateway.ErrBadRequest, name)
	}
	return n, nil
}

// --- API keys ---

type createKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expires_in_days"`
}

type createKeyResponse struct {
	Key       string     `json:"key"`
	KeyID     string     `json:"key_id"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeErrorMessage(w, http.StatusBadRequest, codeBadRequest, "name is required")
		return
	}
	id := gateway.IdentityFromContext(r.Context())
	full, key, err := s.deps.Auth.IssueKey(r.Context(), id, req.Name, req.ExpiresInDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{
		Key:       full,
		KeyID:     key.ID,
		Name:      key.Name,
		ExpiresAt: key.ExpiresAt,
	})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	keys, err := s.deps.Auth.ListAPIKeys(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, keys))
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	revoked, err := s.deps.Auth.RevokeAPIKey(r.Context(), chi.URLParam(r, "id"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !revoked {
		writeError(w, r, gateway.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.NewUser
	if !decodeJSON(w, r, &req) {
		return
	}
	id := gateway.IdentityFromContext(r.Context())
	u, err := s.deps.Auth.CreateUser(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	users, err := s.deps.Auth.ListUsers(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r, users))
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	u, err := s.deps.Auth.GetUser(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Quotas ---

type quotaResponse struct {
	CredentialID string                 `json:"credential_id"`
	Config       accounting.QuotaConfig `json:"config"`
	Status       accounting.QuotaCheck  `json:"status"`
}

// credentialFor resolves the {credential} URL parameter and checks p against
// its owning user. Writes the error response and returns false on failure.
func (s *server) credentialFor(w http.ResponseWriter, r *http.Request, p gateway.Permission) (string, bool) {
	cred := chi.URLParam(r, "credential")
	owner, err := s.deps.Auth.CredentialOwner(r.Context(), cred)
	if err != nil {
		writeError(w, r, err)
		return "", false
	}
	if !auth.CheckPermission(gateway.IdentityFromContext(r.Context()), p, owner.OrgID, owner.ID) {
		writeError(w, r, gateway.ErrAuthorization)
		return "", false
	}
	return cred, true
}

func (s *server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.credentialFor(w, r, gateway.PermQuotaRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		CredentialID: cred,
		Config:       s.deps.Accounting.Quota(cred),
		Status:       s.deps.Accounting.CheckQuota(r.Context(), cred, 0),
	})
}

func (s *server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.credentialFor(w, r, gateway.PermQuotaUpdate)
	if !ok {
		return
	}
	var q accounting.QuotaConfig
	if !decodeJSON(w, r, &q) {
		return
	}
	if q.DailyLimit < 0 || q.MonthlyLimit < 0 || q.RPMLimit < 0 || q.TPMLimit < 0 {
		writeErrorMessage(w, http.StatusBadRequest, codeBadRequest, "limits must not be negative")
		return
	}
	s.deps.Accounting.SetQuota(r.Context(), cred, q)
	writeJSON(w, http.StatusOK, quotaResponse{
		CredentialID: cred,
		Config:       q,
		Status:       s.deps.Accounting.CheckQuota(r.Context(), cred, 0),
	})
}

func (s *server) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.credentialFor(w, r, gateway.PermQuotaReset)
	if !ok {
		return
	}
	n := s.deps.Accounting.ResetUsage(r.Context(), cred)
	writeJSON(w, http.StatusOK, map[string]any{
		"credential_id":   cred,
		"records_cleared": n,
	})
}

// --- Usage analytics ---

// handleUsage reports usage for ?credential= or ?user=. Without either, the
// caller sees its own usage unless it holds analytics:system, which widens
// the report to every credential.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeError(w, r, err)
		return
	}
	days = min(days, maxUsageDays)

	q := r.URL.Query()
	cred, userID := q.Get("credential"), q.Get("user")
	system := auth.CheckPermission(id, gateway.PermAnalyticsSystem, "", "")

	switch {
	case cred == "" && userID == "":
		if !system {
			userID = id.UserID
		}
	case !system:
		target := cmp.Or(cred, userID)
		owner, err := s.deps.Auth.CredentialOwner(r.Context(), target)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !auth.CheckPermission(id, gateway.PermAnalyticsRead, owner.OrgID, owner.ID) {
			writeError(w, r, gateway.ErrAuthorization)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Accounting.UsageStats(cred, userID, days))
}

// --- Routing ---

func (s *server) handleRoutingStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.deps.Router.Stats(),
	})
}

// --- Security ---

func (s *server) handleSecurityStats(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scanner.Stats(hours))
}

func (s *server) handleSecurityLog(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries := s.deps.Scanner.Entries(time.Now().Add(-time.Duration(hours) * time.Hour))
	security.SortEntries(entries)
	writeJSON(w, http.StatusOK, paginate(r, entries))
}

// policyRequest switches the policy, then applies action overrides and the
// enabled flag. Every field is optional.
type policyRequest struct {
	Policy  string            `json:"policy"`
	Enabled *bool             `json:"enabled"`
	Actions map[string]string `json:"actions"`
}

func (s *server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Validate every override before changing anything.
	overrides := make(map[security.Kind]security.Action, len(req.Actions))
	for k, a := range req.Actions {
		kind, err := security.ParseKind(k)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err))
			return
		}
		action, err := security.ParseAction(a)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err))
			return
		}
		overrides[kind] = action
	}
	if req.Policy != "" {
		if err := s.deps.Scanner.SetPolicy(req.Policy); err != nil {
			writeError(w, r, err)
			return
		}
	}
	for kind, action := range overrides {
		if err := s.deps.Scanner.SetAction(kind, action); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		s.deps.Scanner.SetEnabled(*req.Enabled)
	}
	writeJSON(w, http.StatusOK, s.deps.Scanner.Policy())
}

type patternRequest struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
}

func (s *server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req patternRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := security.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err))
		return
	}
	if err := s.deps.Scanner.AddPattern(kind, req.Pattern); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// --- Conversion rates ---

func (s *server) handleListRates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, paginate(r, s.deps.Accounting.Rates().List()))
}

func (s *server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var rate accounting.ConversionRate
	if !decodeJSON(w, r, &rate) {
		return
	}
	if err := s.deps.Accounting.SetRate(r.Context(), rate); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// --- Access ---

func (s *server) handleAccessStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Auth.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
