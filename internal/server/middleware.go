package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/auth"
)

// Canonical form, so direct map access skips header canonicalization.
const requestIDHeader = "X-Request-Id"

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// statusWriter captures the first status written through it.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func acquireStatusWriter(w http.ResponseWriter) *statusWriter {
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter, sw.status, sw.wroteHeader = w, http.StatusOK, false
	return sw
}

// release returns sw to the pool and reports the captured status.
func (sw *statusWriter) release() int {
	status := sw.status
	sw.ResponseWriter = nil
	statusWriterPool.Put(sw)
	return status
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status, sw.wroteHeader = code, true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// recovery turns a handler panic into a 500 with the standard error body.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.Any("error", rec),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
			)
			writeErrorMessage(w, http.StatusInternalServerError, codeInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID propagates the caller's X-Request-Id or mints a UUIDv7.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && vals[0] != "" {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		next.ServeHTTP(w, r.WithContext(gateway.ContextWithRequestID(r.Context(), id)))
	})
}

// traceContext continues a caller's trace when it sends traceparent.
func (s *server) traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Traceparent"]; !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging writes one access line per request. Server errors log at WARN.
// The identity is read after the handler ran; authenticate stores it in the
// shared request metadata.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := acquireStatusWriter(w)
		next.ServeHTTP(sw, r)
		status := sw.release()

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		ctx := r.Context()
		var caller, method string
		if id := gateway.IdentityFromContext(ctx); id != nil {
			caller, method = id.UserID, id.AuthMethod
		}
		slog.LogAttrs(ctx, level, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(ctx)),
			slog.String("user_id", caller),
			slog.String("auth_method", method),
		)
	})
}

// authenticate resolves the caller and attaches its Identity. Every failure
// gets the same response; the auth manager logs the cause.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			if m := s.deps.Metrics; m != nil {
				m.AuthFailures.WithLabelValues(credentialKind(r)).Inc()
			}
			writeError(w, r, err)
			return
		}
		if ctx := gateway.ContextWithIdentity(r.Context(), identity); ctx != r.Context() {
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// credentialKind is the auth failure metric label.
func credentialKind(r *http.Request) string {
	if r.Header.Get("X-API-Key") != "" {
		return "apikey"
	}
	if r.Header.Get("Authorization") != "" {
		return "bearer"
	}
	return "none"
}

func (s *server) require(p gateway.Permission) func(http.Handler) http.Handler {
	return s.requireAny(p)
}

// requireAny answers 403 unless the caller holds at least one of perms.
func (s *server) requireAny(perms ...gateway.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := gateway.IdentityFromContext(r.Context())
			for _, p := range perms {
				if auth.CheckPermission(id, p, "", "") {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, gateway.ErrAuthorization)
		})
	}
}
