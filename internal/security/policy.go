package security

// Policy holds password composition rules and extra HTTP security headers.
// Created once at orchestrator start; changed only through UpdatePolicy.
type Policy struct {
	PasswordMinLength int               `json:"passwordMinLength"`
	RequireUppercase  bool              `json:"requireUppercase"`
	RequireLowercase  bool              `json:"requireLowercase"`
	RequireNumbers    bool              `json:"requireNumbers"`
	RequireSymbols    bool              `json:"requireSymbols"`
	ExtraHeaders      map[string]string `json:"extraHeaders,omitempty"`
}

// DefaultPolicy returns the baseline hardening policy.
func DefaultPolicy() Policy {
	return Policy{
		PasswordMinLength: 12,
		RequireUppercase:  true,
		RequireLowercase:  true,
		RequireNumbers:    true,
		RequireSymbols:    true,
	}
}

// defaultHeaders is the hardening header set every response carries.
// Policy.ExtraHeaders entries override these on conflict.
var defaultHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "1; mode=block",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Content-Security-Policy":   "default-src 'self'",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
}
