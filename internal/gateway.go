// Package gateway defines domain types and interfaces for the Warden LLM broker.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// --- Provider ---

// Provider is the interface that all LLM provider connectors must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`

	// Broker-only fields, stripped before the request leaves for a provider.
	SessionID       string `json:"session_id,omitempty"`
	RoutingStrategy string `json:"routing_strategy,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// Text returns the plain-text content of the message. String content is
// returned as-is; array content concatenates the "text" parts.
func (m Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	res := gjson.ParseBytes(m.Content)
	switch {
	case res.Type == gjson.String:
		return res.String()
	case res.IsArray():
		var b strings.Builder
		res.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(t.String())
			}
			return true
		})
		return b.String()
	default:
		return res.Raw
	}
}

// TextMessage builds a message with string content.
func TextMessage(role, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Role: role, Content: b}
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Text returns the content of the first choice, or "".
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Text()
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Identity ---

// Role names a fixed permission set.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleResourceManager Role = "resource_manager"
	RoleAuditor         Role = "auditor"
	RoleUser            Role = "user"
	RoleService         Role = "service"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := RolePermissions[r]
	return ok
}

// Access levels recorded on API keys.
const (
	AccessProxy      = "proxy"
	AccessManagement = "management"
	AccessAdmin      = "admin"
)

// User is a credential-store user record.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	OrgID        string     `json:"organization_id,omitempty"`
	ManagedOrgs  []string   `json:"managed_orgs,omitempty"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// APIKey is an issued API key record. The secret is never stored; only a
// salted hash of the full key string.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Salt        string     `json:"-"`
	KeyHash     string     `json:"-"`
	UserID      string     `json:"user_id"`
	AccessLevel string     `json:"access_level"`
	Enabled     bool       `json:"enabled"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	Role        Role       `json:"role"`
	OrgID       string     `json:"organization_id"`
	ManagedOrgs []string   `json:"managed_orgs,omitempty"`
	Perms       Permission `json:"-"`
	KeyID       string     `json:"key_id,omitempty"` // set for API key auth
	AuthMethod  string     `json:"auth_method"`      // "password", "apikey", "session"
}

// Can reports whether the identity holds the base permission p.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// CredentialID returns the id that usage and quotas are accounted against:
// the API key id when present, otherwise the user id.
func (id *Identity) CredentialID() string {
	if id.KeyID != "" {
		return id.KeyID
	}
	return id.UserID
}

// ManagesOrg reports whether orgID is in the identity's managed set.
func (id *Identity) ManagesOrg(orgID string) bool {
	for _, o := range id.ManagedOrgs {
		if o == orgID {
			return true
		}
	}
	return false
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is filled in later by the authenticate middleware.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present.
// Falls back to creating new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// DefaultKeyPrefix is the prefix of issued API keys: {prefix}-{keyId}-{secret}.
const DefaultKeyPrefix = "mp"

// HashKey returns the hex-encoded SHA-256 of salt followed by the raw key.
func HashKey(salt, raw string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
