// Package gateway defines domain types and interfaces for the Heimdall
// LLM gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// --- Provider kinds ---

// ProviderKind identifies an upstream provider family. All kinds speak the
// OpenAI-compatible chat-completions wire format and differ only in base URL,
// credential, and a handful of passthrough headers.
type ProviderKind string

const (
	KindOpenAI     ProviderKind = "openai"
	KindOpenRouter ProviderKind = "openrouter"
	KindDashScope  ProviderKind = "dashscope"
)

// ParseProviderKind returns the kind for s, or "" when unknown.
func ParseProviderKind(s string) ProviderKind {
	switch ProviderKind(s) {
	case KindOpenAI, KindOpenRouter, KindDashScope:
		return ProviderKind(s)
	}
	return ""
}

// DefaultBaseURL returns the default upstream base URL for the kind.
func (k ProviderKind) DefaultBaseURL() string {
	switch k {
	case KindOpenAI:
		return "https://api.openai.com/v1"
	case KindOpenRouter:
		return "https://openrouter.ai/api/v1"
	case KindDashScope:
		return "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	return ""
}

// --- User keys ---

// UserKey is the full persisted record of a caller credential.
// The plaintext is never stored; only its SHA-256 hex digest.
type UserKey struct {
	ID          string
	Name        string
	KeyHash     string // SHA-256 hex, never exposed
	KeyPrefix   string // first 11 plaintext chars + "..."
	IsActive    bool
	TokenBudget *int64 // nil = unlimited
	TokensUsed  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserKeyInfo is the admin-facing projection of a key. It never carries the
// hash or plaintext. WeightedTokensUsed is the coefficient-weighted sum over
// request logs, falling back to the raw counter when no logs exist.
type UserKeyInfo struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	KeyPrefix          string    `json:"key_prefix"`
	IsActive           bool      `json:"is_active"`
	TokenBudget        *int64    `json:"token_budget"`
	TokensUsed         int64     `json:"tokens_used"`
	WeightedTokensUsed int64     `json:"weighted_tokens_used"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UserKeyCreated is returned on create and rotate; Key is the plaintext,
// shown exactly once.
type UserKeyCreated struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyIdentity is the authenticated caller snapshot attached to the request
// context. TokenBudget and TokensUsed are read at authentication time; the
// budget gate is advisory under concurrency (pre-check, post-commit).
type KeyIdentity struct {
	KeyID       string
	KeyHash     string
	TokenBudget *int64
	TokensUsed  int64
}

// --- Providers and models ---

// Provider is an upstream LLM service endpoint.
type Provider struct {
	ID        string
	Name      string
	Kind      ProviderKind
	BaseURL   string
	APIKey    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderInfo is the admin-facing projection; the credential is reduced to a
// short preview.
type ProviderInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	BaseURL       string    `json:"base_url"`
	APIKeyPreview string    `json:"api_key_preview"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Preview returns the display form of the provider credential: first and last
// four characters, or "****" when the key is too short to redact meaningfully.
func (p *Provider) Preview() string {
	if len(p.APIKey) > 8 {
		return p.APIKey[:4] + "..." + p.APIKey[len(p.APIKey)-4:]
	}
	return "****"
}

// Info converts a Provider to its admin projection.
func (p *Provider) Info() *ProviderInfo {
	return &ProviderInfo{
		ID:            p.ID,
		Name:          p.Name,
		Kind:          string(p.Kind),
		BaseURL:       p.BaseURL,
		APIKeyPreview: p.Preview(),
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// Model maps a user-facing model name to a provider and an optional
// provider-side name override.
type Model struct {
	ID                     string
	Name                   string // user-facing, unique
	ProviderID             string
	ProviderModelName      *string // nil = same as Name
	IsActive               bool
	InputTokenCoefficient  float64
	OutputTokenCoefficient float64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ModelInfo is the admin-facing projection including the provider name.
type ModelInfo struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	ProviderID             string    `json:"provider_id"`
	ProviderName           string    `json:"provider_name"`
	ProviderModelName      *string   `json:"provider_model_name"`
	IsActive               bool      `json:"is_active"`
	InputTokenCoefficient  float64   `json:"input_token_coefficient"`
	OutputTokenCoefficient float64   `json:"output_token_coefficient"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// ModelRoute is the denormalized join of an active model and its active
// provider. It is the unit cached in the route cache and consumed by the
// proxy data plane.
type ModelRoute struct {
	ProviderID             string  `json:"provider_id"`
	ProviderModelName      string  `json:"provider_model_name"`
	BaseURL                string  `json:"base_url"`
	APIKey                 string  `json:"api_key"`
	ProviderKind           string  `json:"provider_kind"`
	InputTokenCoefficient  float64 `json:"input_token_coefficient"`
	OutputTokenCoefficient float64 `json:"output_token_coefficient"`
}

// --- Request logs ---

// RequestLog is one forwarded request, append-only. Deletion happens only
// through the retention sweep.
type RequestLog struct {
	ID               string          `json:"id"`
	RequestID        *string         `json:"request_id"`
	UserKeyID        *string         `json:"user_key_id"`
	UserKeyHash      string          `json:"-"`
	ModelRequested   string          `json:"model_requested"`
	ModelSent        string          `json:"model_sent"`
	ProviderID       *string         `json:"provider_id"`
	ProviderKind     *string         `json:"provider_kind"`
	StatusCode       int16           `json:"status_code"`
	IsError          bool            `json:"is_error"`
	PromptTokens     *int64          `json:"prompt_tokens"`
	CompletionTokens *int64          `json:"completion_tokens"`
	TotalTokens      *int64          `json:"total_tokens"`
	LatencyMs        int64           `json:"latency_ms"`
	IsStream         bool            `json:"is_stream"`
	RequestBody      json.RawMessage `json:"request_body,omitempty"`
	ResponseBody     json.RawMessage `json:"response_body,omitempty"`
	ErrorMessage     *string         `json:"error_message"`
	CreatedAt        time.Time       `json:"created_at"`
}

// RequestLogInfo is the admin listing projection of a log row, including the
// computed coefficient-weighted token total.
type RequestLogInfo struct {
	RequestLog
	WeightedTotalTokens *int64 `json:"weighted_total_tokens"`
}

// LogFilter narrows a log listing.
type LogFilter struct {
	Page    int64
	PerPage int64
	KeyID   string // empty = all keys
	Model   string // empty = all models
}

// --- Shared helpers ---

// KeyPlaintextPrefix is the prefix of every issued user key.
const KeyPlaintextPrefix = "sk-"

// GenerateKey returns a fresh plaintext user key: "sk-" plus 128 random bits
// rendered as a UUID-style string.
func GenerateKey() string {
	return KeyPlaintextPrefix + uuid.NewString()
}

// HashKey returns the hex-encoded SHA-256 digest of a plaintext key.
func HashKey(plain string) string {
	h := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(h[:])
}

// KeyDisplayPrefix derives the stored display prefix from a plaintext key:
// the first 11 characters followed by "...".
func KeyDisplayPrefix(plain string) string {
	if len(plain) > 11 {
		return plain[:11] + "..."
	}
	return plain
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *KeyIdentity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated key identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *KeyIdentity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *KeyIdentity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
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
