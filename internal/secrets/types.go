package secrets

import "time"

// Secret types with dedicated rotation strategies.
const (
	TypeAPIKey    = "api_key"
	TypeJWTSecret = "jwt_secret"
	TypeGeneric   = "generic"
)

// Audit actions, one per lifecycle operation.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionRotate = "rotate"
	ActionDelete = "delete"
)

// Secret is the stored credential record. EncryptedValue/Salt/IV are only
// ever produced by the security manager; plaintext never touches disk or
// cache. A secret is uniquely addressed by (Environment, Key).
type Secret struct {
	ID               string     `json:"id"`
	Key              string     `json:"key"`
	Type             string     `json:"type"`
	Environment      string     `json:"environment"`
	Description      string     `json:"description,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	RotationInterval int64      `json:"rotationInterval,omitempty"` // seconds
	LastRotated      time.Time  `json:"lastRotated"`
	AccessCount      int64      `json:"accessCount"`
	IsActive         bool       `json:"isActive"`
	Permissions      []string   `json:"permissions,omitempty"`
	EncryptedValue   string     `json:"encryptedValue"`
	Salt             string     `json:"salt"`
	IV               string     `json:"iv"`
}

// Metadata carries the caller-supplied attributes for SetSecret.
type Metadata struct {
	Type             string
	Environment      string
	Description      string
	Tags             []string
	Permissions      []string
	ExpiresAt        *time.Time
	RotationInterval time.Duration
	IsActive         *bool
}

// Access is one append-only audit record. Never mutated after creation.
type Access struct {
	SecretID     string    `json:"secretId"`
	UserID       string    `json:"userId,omitempty"`
	Action       string    `json:"action"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// stripped returns a metadata-only copy safe for listing: ciphertext, salt
// and iv removed.
func (s *Secret) stripped() *Secret {
	cp := *s
	cp.EncryptedValue = ""
	cp.Salt = ""
	cp.IV = ""
	return &cp
}
