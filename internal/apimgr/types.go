package apimgr

import (
	"net/http"
	"time"
)

// RateLimit is a request budget over a sliding window.
type RateLimit struct {
	WindowMs int64 `json:"windowMs"`
	Requests int   `json:"requests"`
}

// Window returns the window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// APIKey is an issued credential. UsageCount/LastUsed are bumped in place
// on each successful validation; revocation flips IsActive and deletes the
// shadow secret.
type APIKey struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	UserID      string     `json:"userId,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Permissions []string   `json:"permissions"`
	RateLimit   *RateLimit `json:"rateLimit,omitempty"`
	IsActive    bool       `json:"isActive"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	UsageCount  int64      `json:"usageCount"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	Environment string     `json:"environment"`
}

// KeyOptions carries the caller-supplied attributes for GenerateAPIKey.
type KeyOptions struct {
	UserID      string
	Scopes      []string
	Permissions []string
	RateLimit   *RateLimit
	ExpiresAt   *time.Time
}

// Principal is the authenticated caller attached to the request context by
// the authentication stage.
type Principal struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	AuthType    string   `json:"authType"` // "jwt" or "api_key"
	KeyID       string   `json:"keyId,omitempty"`
}

// HasPermission checks a direct grant; `*` passes any check.
func (p *Principal) HasPermission(required string) bool {
	for _, perm := range p.Permissions {
		if perm == "*" || perm == required {
			return true
		}
	}
	return false
}

// HandlerFunc is the endpoint business handler. The returned value is
// wrapped in the response envelope; a returned error terminates with the
// typed error's code and status.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) (interface{}, error)

// FieldRule validates one schema field.
type FieldRule struct {
	Required bool   `json:"required"`
	Type     string `json:"type,omitempty"` // string, number, boolean, object, array
}

// ValidationSchema drives the validation stage. Nil sections are skipped;
// Sanitize additionally runs input sanitization recursively over the body.
type ValidationSchema struct {
	Body     map[string]FieldRule `json:"body,omitempty"`
	Query    map[string]FieldRule `json:"query,omitempty"`
	Params   map[string]FieldRule `json:"params,omitempty"`
	Sanitize bool                 `json:"sanitize,omitempty"`
}

// Endpoint is one registered route, addressed by (Method, Path). Immutable
// after registration except through UpdateConfig; the middleware chain is
// assembled once at registration time.
type Endpoint struct {
	Path           string            `json:"path"`
	Method         string            `json:"method"`
	Handler        HandlerFunc       `json:"-"`
	Middleware     []string          `json:"middleware"`
	Authentication bool              `json:"authentication"`
	Authorization  []string          `json:"authorization,omitempty"`
	RateLimit      *RateLimit        `json:"rateLimit,omitempty"`
	Validation     *ValidationSchema `json:"validation,omitempty"`
	CacheTTL       time.Duration     `json:"cacheTTL,omitempty"`

	chain http.Handler
}

// Envelope is the stable response wrapper every endpoint produces.
type Envelope struct {
	Success    bool        `json:"success"`
	StatusCode int         `json:"statusCode"`
	Timestamp  string      `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
	Error      interface{} `json:"error,omitempty"`
	RequestID  string      `json:"requestId"`
}
