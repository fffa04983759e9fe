package server

import (
	"cmp"
	"net/http"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/time/rate"

	gateway "github.com/eugener/warden/internal"
)

const (
	loginLimiterTTL    = 10 * time.Minute
	loginLimiterMaxLen = 100_000 // distinct client IPs tracked at once
)

// loginLimiter throttles password logins per client IP. Idle limiters expire
// from the cache; a returning client starts with a full burst.
type loginLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex // serializes create-if-absent
	limiters *otter.Cache[string, *rate.Limiter]
}

func newLoginLimiter(rps float64, burst int) *loginLimiter {
	return &loginLimiter{
		rps:   rate.Limit(cmp.Or(rps, 1)),
		burst: cmp.Or(burst, 5),
		limiters: otter.Must(&otter.Options[string, *rate.Limiter]{
			MaximumSize:      loginLimiterMaxLen,
			ExpiryCalculator: otter.ExpiryWriting[string, *rate.Limiter](loginLimiterTTL),
		}),
	}
}

func (l *loginLimiter) allow(ip string) bool {
	lim, ok := l.limiters.GetIfPresent(ip)
	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters.GetIfPresent(ip)
		if !ok {
			lim = rate.NewLimiter(l.rps, l.burst)
			l.limiters.Set(ip, lim)
		}
		l.mu.Unlock()
	}
	return lim.Allow()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	TokenType string            `json:"token_type"`
	ExpiresAt time.Time         `json:"expires_at"`
	User      *gateway.Identity `json:"user"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.login.allow(clientIP(r)) {
		writeError(w, r, gateway.ErrRateLimited)
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.deps.Auth.AuthenticateWithPassword(r.Context(), req.Username, req.Password)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.AuthFailures.WithLabelValues("password").Inc()
		}
		writeError(w, r, err)
		return
	}
	token, exp, err := s.deps.Auth.IssueSessionToken(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: exp,
		User:      id,
	})
}
