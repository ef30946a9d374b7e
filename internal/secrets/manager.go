package secrets

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"secure-vault-hub/internal/managererr"
	"secure-vault-hub/internal/security"
)

// Options configures a secrets manager.
type Options struct {
	Dir          string
	MasterKey    string
	Environment  string // default environment when metadata omits one
	CacheEnabled bool
	CacheTTL     time.Duration
	AuditLogging bool
	AuditSink    AuditSink
}

// EventFunc receives manager events for the monitoring log stream.
type EventFunc func(level, message string, fields map[string]interface{})

// Manager owns the secret lifecycle: encrypt-on-write, decrypt-on-read,
// rotation, deletion, listing and the audit trail. Secrets live in the file
// store; the TTL cache holds disposable encrypted projections only.
type Manager struct {
	sec   *security.Manager
	store *FileStore
	cache *gocache.Cache
	audit *auditTrail
	opts  Options
	log   *zap.SugaredLogger
	event EventFunc
}

// New builds a secrets manager over the given security manager.
func New(sec *security.Manager, opts Options, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.MasterKey == "" {
		return nil, managererr.NewSecretsError(managererr.CodeSecretStore, "master key not configured")
	}
	if opts.Environment == "" {
		opts.Environment = "development"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	store, err := NewFileStore(opts.Dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		sec:   sec,
		store: store,
		audit: newAuditTrail(opts.AuditSink, log),
		opts:  opts,
		log:   log,
	}
	if opts.CacheEnabled {
		m.cache = gocache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return m, nil
}

// SetEventHook wires the manager's log stream into monitoring. Safe to call
// once after construction, before concurrent use.
func (m *Manager) SetEventHook(fn EventFunc) { m.event = fn }

func (m *Manager) emit(level, message string, fields map[string]interface{}) {
	if m.event != nil {
		m.event(level, message, fields)
	}
}

func cacheKey(environment, key string) string {
	return environment + ":" + key
}

func (m *Manager) recordAccess(secretID, actor, action string, err error) {
	if !m.opts.AuditLogging {
		return
	}
	access := Access{
		SecretID:  secretID,
		UserID:    actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Success:   err == nil,
	}
	if err != nil {
		access.ErrorMessage = err.Error()
	}
	m.audit.append(access)
}

// SetSecret encrypts value with the process master key and persists it.
// One audit record is written whether or not the operation succeeds.
func (m *Manager) SetSecret(ctx context.Context, key, value string, meta Metadata, actor string) (secret *Secret, err error) {
	environment := meta.Environment
	if environment == "" {
		environment = m.opts.Environment
	}

	secretID := m.sec.GenerateUUID()
	defer func() { m.recordAccess(secretID, actor, ActionWrite, err) }()

	if key == "" {
		err = managererr.NewSecretsError(managererr.CodeSecretStore, "secret key is empty")
		return nil, err
	}

	// Reuse the existing identity when the (environment, key) pair is
	// already present so a plain overwrite does not mint a new id.
	now := time.Now().UTC()
	createdAt := now
	if existing, loadErr := m.store.Load(ctx, environment, key); loadErr == nil {
		secretID = existing.ID
		createdAt = existing.CreatedAt
	}

	result, err := m.sec.Encrypt(ctx, value, m.opts.MasterKey)
	if err != nil {
		return nil, err
	}

	secretType := meta.Type
	if secretType == "" {
		secretType = TypeGeneric
	}
	active := true
	if meta.IsActive != nil {
		active = *meta.IsActive
	}

	secret = &Secret{
		ID:             secretID,
		Key:            key,
		Type:           secretType,
		Environment:    environment,
		Description:    meta.Description,
		Tags:           meta.Tags,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		ExpiresAt:      meta.ExpiresAt,
		LastRotated:    now,
		IsActive:       active,
		Permissions:    meta.Permissions,
		EncryptedValue: result.Ciphertext,
		Salt:           result.Salt,
		IV:             result.IV,
	}
	if meta.RotationInterval > 0 {
		secret.RotationInterval = int64(meta.RotationInterval / time.Second)
	}

	if err = m.store.Save(ctx, secret); err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.SetDefault(cacheKey(environment, key), secret)
	}

	m.emit("info", "secret stored", map[string]interface{}{
		"key": key, "environment": environment, "type": secretType,
	})
	return secret, nil
}

// checkRetrievable enforces the lifecycle gates shared by get and rotate.
func checkRetrievable(secret *Secret) error {
	if !secret.IsActive {
		return managererr.NewSecretsError(managererr.CodeSecretInactive,
			fmt.Sprintf("secret %q is inactive", secret.Key))
	}
	if secret.ExpiresAt != nil && secret.ExpiresAt.Before(time.Now()) {
		return managererr.NewSecretsError(managererr.CodeSecretExpired,
			fmt.Sprintf("secret %q expired at %s", secret.Key, secret.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

// GetSecret returns the decrypted value for (environment, key). A cache hit
// within TTL decrypts the cached projection; a miss falls through to the
// store, never to failure. Plaintext is never cached.
func (m *Manager) GetSecret(ctx context.Context, key, environment, actor string) (value string, err error) {
	if environment == "" {
		environment = m.opts.Environment
	}

	secretID := ""
	defer func() { m.recordAccess(secretID, actor, ActionRead, err) }()

	if m.cache != nil {
		if cached, ok := m.cache.Get(cacheKey(environment, key)); ok {
			secret := cached.(*Secret)
			secretID = secret.ID
			if err = checkRetrievable(secret); err != nil {
				return "", err
			}
			return m.decryptSecret(ctx, secret)
		}
	}

	secret, err := m.store.Load(ctx, environment, key)
	if err != nil {
		return "", err
	}
	secretID = secret.ID

	if err = checkRetrievable(secret); err != nil {
		return "", err
	}

	value, err = m.decryptSecret(ctx, secret)
	if err != nil {
		return "", err
	}

	secret.AccessCount++
	if saveErr := m.store.Save(ctx, secret); saveErr != nil {
		m.log.Warnw("failed to persist access count", "key", key, "error", saveErr)
	}
	if m.cache != nil {
		m.cache.SetDefault(cacheKey(environment, key), secret)
	}
	return value, nil
}

func (m *Manager) decryptSecret(ctx context.Context, secret *Secret) (string, error) {
	return m.sec.Decrypt(ctx, &security.EncryptionResult{
		Ciphertext: secret.EncryptedValue,
		Salt:       secret.Salt,
		IV:         secret.IV,
	}, m.opts.MasterKey)
}

// generateReplacement picks a type-appropriate fresh value for rotation.
func (m *Manager) generateReplacement(secretType string) (string, error) {
	switch secretType {
	case TypeAPIKey:
		return m.sec.GenerateAPIKey("svh")
	case TypeJWTSecret:
		return m.sec.GenerateSecureToken(64)
	default:
		return m.sec.GenerateSecureToken(32)
	}
}

// RotateSecret re-encrypts the secret under a fresh value, keeping the same
// id. When newValue is empty a type-appropriate replacement is generated.
// The returned plaintext is the only channel exposing the rotated value.
func (m *Manager) RotateSecret(ctx context.Context, key, environment, newValue, actor string) (value string, err error) {
	if environment == "" {
		environment = m.opts.Environment
	}

	secretID := ""
	defer func() { m.recordAccess(secretID, actor, ActionRotate, err) }()

	secret, err := m.store.Load(ctx, environment, key)
	if err != nil {
		return "", err
	}
	secretID = secret.ID

	if newValue == "" {
		if newValue, err = m.generateReplacement(secret.Type); err != nil {
			return "", managererr.NewSecretsError(managererr.CodeSecretRotate, "failed to generate replacement value").WithCause(err)
		}
	}

	result, err := m.sec.Encrypt(ctx, newValue, m.opts.MasterKey)
	if err != nil {
		return "", managererr.NewSecretsError(managererr.CodeSecretRotate, "failed to re-encrypt secret").WithCause(err)
	}

	now := time.Now().UTC()
	secret.EncryptedValue = result.Ciphertext
	secret.Salt = result.Salt
	secret.IV = result.IV
	secret.LastRotated = now
	secret.UpdatedAt = now

	if err = m.store.Save(ctx, secret); err != nil {
		return "", err
	}
	if m.cache != nil {
		m.cache.SetDefault(cacheKey(environment, key), secret)
	}

	m.emit("info", "secret rotated", map[string]interface{}{
		"key": key, "environment": environment,
	})
	return newValue, nil
}

// DeleteSecret removes the secret from storage and cache.
func (m *Manager) DeleteSecret(ctx context.Context, key, environment, actor string) (err error) {
	if environment == "" {
		environment = m.opts.Environment
	}

	secretID := ""
	defer func() { m.recordAccess(secretID, actor, ActionDelete, err) }()

	if secret, loadErr := m.store.Load(ctx, environment, key); loadErr == nil {
		secretID = secret.ID
	}

	if err = m.store.Delete(ctx, environment, key); err != nil {
		return err
	}
	if m.cache != nil {
		m.cache.Delete(cacheKey(environment, key))
	}

	m.emit("info", "secret deleted", map[string]interface{}{
		"key": key, "environment": environment,
	})
	return nil
}

// ListSecrets returns metadata-only copies, ciphertext/salt/iv stripped.
func (m *Manager) ListSecrets(ctx context.Context, environment string) ([]*Secret, error) {
	loaded, err := m.store.List(ctx, environment)
	if err != nil {
		return nil, err
	}
	out := make([]*Secret, 0, len(loaded))
	for _, secret := range loaded {
		out = append(out, secret.stripped())
	}
	return out, nil
}

// DueForRotation lists secrets whose rotation interval has elapsed.
func (m *Manager) DueForRotation(ctx context.Context, environment string) ([]*Secret, error) {
	loaded, err := m.store.List(ctx, environment)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var due []*Secret
	for _, secret := range loaded {
		if secret.RotationInterval <= 0 || !secret.IsActive {
			continue
		}
		interval := time.Duration(secret.RotationInterval) * time.Second
		if now.Sub(secret.LastRotated) >= interval {
			due = append(due, secret.stripped())
		}
	}
	return due, nil
}

// AuditLog returns up to limit most recent audit records.
func (m *Manager) AuditLog(limit int) []Access {
	return m.audit.tail(limit)
}

// ClearCache drops every cached projection. Durable storage is untouched.
func (m *Manager) ClearCache() {
	if m.cache != nil {
		m.cache.Flush()
	}
}

// HealthCheck verifies the storage directory is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.store.List(ctx, "")
	return err
}

// Stats returns an operational snapshot.
func (m *Manager) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"auditRecords": m.audit.size(),
		"cacheEnabled": m.cache != nil,
		"cacheTTL":     m.opts.CacheTTL.String(),
	}
	if m.cache != nil {
		stats["cachedSecrets"] = m.cache.ItemCount()
	}
	if all, err := m.store.List(ctx, ""); err == nil {
		stats["totalSecrets"] = len(all)
		byEnv := map[string]int{}
		for _, s := range all {
			byEnv[s.Environment]++
		}
		stats["byEnvironment"] = byEnv
	}
	return stats
}

// Close releases the audit sink, if any.
func (m *Manager) Close() error {
	if m.opts.AuditSink != nil {
		return m.opts.AuditSink.Close()
	}
	return nil
}
