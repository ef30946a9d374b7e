package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"secure-vault-hub/internal/managererr"
)

const (
	algorithmAESGCM = "aes-256-gcm"
	kdfArgon2id     = "argon2id"

	saltLength = 16
	keyLength  = 32

	// Argon2id parameters. Memory-hard on purpose: the KDF pool below
	// bounds how many derivations run at once.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// EncryptionResult carries everything Decrypt needs besides the master key.
// All fields are hex-encoded strings so the record survives JSON storage
// byte-for-byte.
type EncryptionResult struct {
	Ciphertext    string `json:"ciphertext"`
	Salt          string `json:"salt"`
	IV            string `json:"iv"`
	Algorithm     string `json:"algorithm"`
	KeyDerivation string `json:"keyDerivation"`
}

// EventFunc receives manager events for the monitoring log stream.
type EventFunc func(level, message string, fields map[string]interface{})

// Manager provides the stateless cryptographic primitives every other
// manager builds on: authenticated encryption, hashing, token generation,
// input validation and the security header set.
type Manager struct {
	mu     sync.RWMutex
	policy Policy

	// kdfSem caps concurrent Argon2 derivations so CPU-bound key
	// derivation cannot stall unrelated request handling.
	kdfSem *semaphore.Weighted

	log   *zap.SugaredLogger
	event EventFunc
}

// New creates a security manager with the given policy.
func New(policy Policy, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	workers := int64(runtime.GOMAXPROCS(0))
	if workers < 2 {
		workers = 2
	}
	return &Manager{
		policy: policy,
		kdfSem: semaphore.NewWeighted(workers),
		log:    log,
	}
}

// SetEventHook wires the manager's log stream into monitoring. Safe to call
// once after construction, before concurrent use.
func (m *Manager) SetEventHook(fn EventFunc) { m.event = fn }

func (m *Manager) emit(level, message string, fields map[string]interface{}) {
	if m.event != nil {
		m.event(level, message, fields)
	}
}

// UpdatePolicy replaces the active security policy.
func (m *Manager) UpdatePolicy(policy Policy) {
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()
	m.log.Infow("security policy updated", "minLength", policy.PasswordMinLength)
	m.emit("info", "security policy updated", map[string]interface{}{
		"minLength": policy.PasswordMinLength,
	})
}

// Policy returns a copy of the active policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// deriveKey runs Argon2id inside the bounded worker pool. The context
// deadline applies to the wait for a pool slot.
func (m *Manager) deriveKey(ctx context.Context, masterKey string, salt []byte) ([]byte, error) {
	if err := m.kdfSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.kdfSem.Release(1)
	return argon2.IDKey([]byte(masterKey), salt, argonTime, argonMemory, argonThreads, keyLength), nil
}

// Encrypt derives a key from masterKey and a fresh salt, then seals the
// plaintext with AES-256-GCM under a fresh IV. Two calls with identical
// inputs never produce the same salt, IV or ciphertext.
func (m *Manager) Encrypt(ctx context.Context, plaintext, masterKey string) (*EncryptionResult, error) {
	if masterKey == "" {
		return nil, managererr.NewEncryptionError("master key is empty", nil)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, managererr.NewEncryptionError("failed to generate salt", err)
	}

	key, err := m.deriveKey(ctx, masterKey, salt)
	if err != nil {
		return nil, managererr.NewEncryptionError("key derivation failed", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, managererr.NewEncryptionError("cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, managererr.NewEncryptionError("gcm init failed", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, managererr.NewEncryptionError("failed to generate iv", err)
	}

	// Seal appends the authentication tag to the ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return &EncryptionResult{
		Ciphertext:    hex.EncodeToString(sealed),
		Salt:          hex.EncodeToString(salt),
		IV:            hex.EncodeToString(iv),
		Algorithm:     algorithmAESGCM,
		KeyDerivation: kdfArgon2id,
	}, nil
}

// Decrypt re-derives the key from the stored salt and opens the sealed
// ciphertext. A failed authentication tag surfaces as DECRYPTION_ERROR so
// callers can tell tampering apart from absence.
func (m *Manager) Decrypt(ctx context.Context, result *EncryptionResult, masterKey string) (string, error) {
	if result == nil {
		return "", managererr.NewDecryptionError("encryption result is nil", nil)
	}
	if masterKey == "" {
		return "", managererr.NewDecryptionError("master key is empty", nil)
	}
	if result.Algorithm != "" && result.Algorithm != algorithmAESGCM {
		return "", managererr.NewDecryptionError(
			fmt.Sprintf("unsupported algorithm %q", result.Algorithm), nil)
	}

	salt, err := hex.DecodeString(result.Salt)
	if err != nil {
		return "", managererr.NewDecryptionError("malformed salt", err)
	}
	iv, err := hex.DecodeString(result.IV)
	if err != nil {
		return "", managererr.NewDecryptionError("malformed iv", err)
	}
	sealed, err := hex.DecodeString(result.Ciphertext)
	if err != nil {
		return "", managererr.NewDecryptionError("malformed ciphertext", err)
	}

	key, err := m.deriveKey(ctx, masterKey, salt)
	if err != nil {
		return "", managererr.NewDecryptionError("key derivation failed", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", managererr.NewDecryptionError("cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", managererr.NewDecryptionError("gcm init failed", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", managererr.NewDecryptionError("iv length mismatch", nil)
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		// Tampering or a wrong master key. Elevated so monitoring can
		// promote it into the security event metrics.
		m.emit("warn", "decryption failed", map[string]interface{}{
			"algorithm": algorithmAESGCM,
		})
		return "", managererr.NewDecryptionError("authentication failed", err)
	}
	return string(plaintext), nil
}

// GenerateHash produces a salted one-way hash of value.
func (m *Manager) GenerateHash(value string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
	if err != nil {
		return "", managererr.NewEncryptionError("hash generation failed", err)
	}
	return string(hash), nil
}

// VerifyHash checks value against a hash produced by GenerateHash.
// Comparison is constant-time inside bcrypt.
func (m *Manager) VerifyHash(value, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(value)) == nil
}

// GenerateSecureToken returns a hex token built from length random bytes.
func (m *Manager) GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", managererr.NewEncryptionError("failed to generate token", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateAPIKey returns `prefix_<millis hex>_<random hex>`. The timestamp
// component gives coarse sortability; the 32 random bytes carry the entropy.
func (m *Manager) GenerateAPIKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = "svh"
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", managererr.NewEncryptionError("failed to generate api key", err)
	}
	ts := fmt.Sprintf("%x", time.Now().UnixMilli())
	return fmt.Sprintf("%s_%s_%s", prefix, ts, hex.EncodeToString(buf)), nil
}

// GenerateUUID returns a random UUID string.
func (m *Manager) GenerateUUID() string {
	return uuid.NewString()
}

// ValidatePassword checks password against the active policy and returns
// every violated rule, not just the first.
func (m *Manager) ValidatePassword(password string) error {
	policy := m.Policy()

	var problems []string
	if len(password) < policy.PasswordMinLength {
		problems = append(problems, fmt.Sprintf("must be at least %d characters", policy.PasswordMinLength))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if policy.RequireUppercase && !upper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if policy.RequireLowercase && !lower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if policy.RequireNumbers && !digit {
		problems = append(problems, "must contain a number")
	}
	if policy.RequireSymbols && !symbol {
		problems = append(problems, "must contain a symbol")
	}

	if len(problems) > 0 {
		return managererr.NewValidationError("password does not meet policy", problems)
	}
	return nil
}

// ValidateEmail reports whether value parses as an address.
func (m *Manager) ValidateEmail(value string) bool {
	addr, err := mail.ParseAddress(value)
	return err == nil && addr.Address == value
}

// ValidateURL accepts absolute http/https URLs only.
func (m *Manager) ValidateURL(value string) bool {
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ValidateIPAddress accepts IPv4 and IPv6 literals.
func (m *Manager) ValidateIPAddress(value string) bool {
	return net.ParseIP(value) != nil
}

var inputSanitizer = strings.NewReplacer(
	"<", "", ">", "",
	"\"", "", "'", "", "`", "",
	";", "", "|", "", "&", "", "$", "",
)

// SanitizeInput strips angle brackets, quotes and shell metacharacters.
func (m *Manager) SanitizeInput(value string) string {
	return strings.TrimSpace(inputSanitizer.Replace(value))
}

// ConstantTimeCompare compares two strings without leaking match position.
// The length check short-circuits; length itself is not secret.
func (m *Manager) ConstantTimeCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecurityHeaders returns the default hardening header set merged with
// policy overrides.
func (m *Manager) SecurityHeaders() map[string]string {
	policy := m.Policy()
	headers := make(map[string]string, len(defaultHeaders)+len(policy.ExtraHeaders))
	for k, v := range defaultHeaders {
		headers[k] = v
	}
	for k, v := range policy.ExtraHeaders {
		headers[k] = v
	}
	return headers
}
