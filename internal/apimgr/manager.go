package apimgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"secure-vault-hub/internal/authz"
	"secure-vault-hub/internal/managererr"
	"secure-vault-hub/internal/secrets"
	"secure-vault-hub/internal/security"
)

// Config tunes the API manager.
type Config struct {
	Environment      string
	KeyPrefix        string
	JWTIssuer        string
	DefaultRateLimit RateLimit
}

// EventFunc receives manager events for the monitoring log stream.
type EventFunc func(level, message string, fields map[string]interface{})

// Manager owns the endpoint registry, the API-key lifecycle and the HTTP
// middleware pipeline. Keys validate O(1) from the in-memory cache; the
// shadow secret exists so revocation and audit ride on the secrets manager.
type Manager struct {
	sec     *security.Manager
	secrets *secrets.Manager
	authz   *authz.Authorizer
	cfg     Config
	log     *zap.SugaredLogger
	event   EventFunc

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	limiters  map[string]*slidingWindow
	defLimit  *slidingWindow

	keys *gocache.Cache // raw key -> *APIKey
	// keyMu serializes mutation of cached *APIKey entries; the cache hands
	// out shared pointers, so usage bumps and revocation flips race without
	// it.
	keyMu sync.Mutex
}

// New builds an API manager over live security and secrets managers.
func New(sec *security.Manager, sm *secrets.Manager, az *authz.Authorizer, cfg Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "svh"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "secure-vault-hub"
	}
	if cfg.DefaultRateLimit.Requests <= 0 {
		cfg.DefaultRateLimit = RateLimit{WindowMs: 60_000, Requests: 100}
	}

	return &Manager{
		sec:       sec,
		secrets:   sm,
		authz:     az,
		cfg:       cfg,
		log:       log,
		endpoints: make(map[string]*Endpoint),
		limiters:  make(map[string]*slidingWindow),
		defLimit:  newSlidingWindow(cfg.DefaultRateLimit),
		keys:      gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// SetEventHook wires the manager's log stream into monitoring.
func (m *Manager) SetEventHook(fn EventFunc) { m.event = fn }

func (m *Manager) emit(level, message string, fields map[string]interface{}) {
	if m.event != nil {
		m.event(level, message, fields)
	}
}

func endpointKey(method, path string) string {
	return strings.ToUpper(method) + ":" + path
}

func secretMetadata(environment string) secrets.Metadata {
	return secrets.Metadata{Type: secrets.TypeAPIKey, Environment: environment}
}

// RegisterEndpoint adds a route and assembles its middleware chain once. A
// rateLimit field provisions a dedicated limiter under the same key.
func (m *Manager) RegisterEndpoint(ep *Endpoint) error {
	if ep == nil || ep.Path == "" || ep.Method == "" || ep.Handler == nil {
		return managererr.NewAPIError(managererr.CodeAPIConfigMissing, http.StatusInternalServerError,
			"endpoint requires path, method and handler")
	}
	key := endpointKey(ep.Method, ep.Path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[key]; exists {
		return managererr.NewAPIError(managererr.CodeEndpointExists, http.StatusConflict,
			fmt.Sprintf("endpoint %s already registered", key))
	}

	ep.Method = strings.ToUpper(ep.Method)
	ep.Middleware = middlewareNames(ep)
	ep.chain = m.buildChain(ep)
	m.endpoints[key] = ep

	if ep.RateLimit != nil {
		m.limiters[key] = newSlidingWindow(*ep.RateLimit)
	}

	m.log.Infow("endpoint registered", "method", ep.Method, "path", ep.Path,
		"authentication", ep.Authentication, "middleware", ep.Middleware)
	return nil
}

// middlewareNames reflects the fixed pipeline order for introspection.
func middlewareNames(ep *Endpoint) []string {
	names := []string{"securityHeaders"}
	if ep.Authentication {
		names = append(names, "authentication")
	}
	if len(ep.Authorization) > 0 {
		names = append(names, "authorization")
	}
	names = append(names, "rateLimit")
	if ep.Validation != nil {
		names = append(names, "validation")
	}
	names = append(names, "handler", "responseFormatting")
	return names
}

// GetEndpoint returns the endpoint registered under (method, path).
func (m *Manager) GetEndpoint(method, path string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[endpointKey(method, path)]
	if !ok {
		return nil, managererr.NewAPIError(managererr.CodeEndpointUnknown, http.StatusNotFound,
			fmt.Sprintf("endpoint %s %s not registered", strings.ToUpper(method), path))
	}
	return ep, nil
}

// ListEndpoints returns every registered endpoint.
func (m *Manager) ListEndpoints() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep)
	}
	return out
}

// UpdateConfig mutates a registered endpoint and rebuilds its chain and
// limiter. The only sanctioned mutation path after registration.
func (m *Manager) UpdateConfig(method, path string, update func(*Endpoint)) error {
	key := endpointKey(method, path)
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[key]
	if !ok {
		return managererr.NewAPIError(managererr.CodeEndpointUnknown, http.StatusNotFound,
			fmt.Sprintf("endpoint %s not registered", key))
	}
	update(ep)
	ep.Middleware = middlewareNames(ep)
	ep.chain = m.buildChain(ep)
	if ep.RateLimit != nil {
		m.limiters[key] = newSlidingWindow(*ep.RateLimit)
	} else {
		delete(m.limiters, key)
	}
	return nil
}

// GenerateAPIKey issues a new key, persists its serialized form as a shadow
// secret named api_key_<id>, and caches it for O(1) validation.
func (m *Manager) GenerateAPIKey(ctx context.Context, name string, opts KeyOptions) (*APIKey, error) {
	raw, err := m.sec.GenerateAPIKey(m.cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}

	key := &APIKey{
		ID:          m.sec.GenerateUUID(),
		Key:         raw,
		Name:        name,
		UserID:      opts.UserID,
		Scopes:      opts.Scopes,
		Permissions: opts.Permissions,
		RateLimit:   opts.RateLimit,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   opts.ExpiresAt,
		Environment: m.cfg.Environment,
	}

	serialized, err := json.Marshal(key)
	if err != nil {
		return nil, managererr.NewAPIError(managererr.CodeInternal, http.StatusInternalServerError,
			"failed to serialize api key").WithCause(err)
	}
	if _, err := m.secrets.SetSecret(ctx, "api_key_"+key.ID, string(serialized),
		secretMetadata(m.cfg.Environment), opts.UserID); err != nil {
		return nil, err
	}

	m.keys.Set(raw, key, gocache.NoExpiration)
	m.emit("info", "api key generated", map[string]interface{}{
		"keyId": key.ID, "name": name, "permissions": opts.Permissions,
	})
	return key, nil
}

// LoadPersistedKeys rehydrates the validation cache from the api_key_*
// shadow secrets so issued keys survive a process restart. Keys whose
// shadow secret fails to decrypt are skipped, not fatal.
func (m *Manager) LoadPersistedKeys(ctx context.Context) (int, error) {
	stored, err := m.secrets.ListSecrets(ctx, "")
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, s := range stored {
		if !strings.HasPrefix(s.Key, "api_key_") {
			continue
		}
		serialized, err := m.secrets.GetSecret(ctx, s.Key, s.Environment, "api-manager")
		if err != nil {
			m.log.Warnw("skipping unreadable api key secret", "secret", s.Key, "error", err)
			continue
		}
		var key APIKey
		if err := json.Unmarshal([]byte(serialized), &key); err != nil {
			m.log.Warnw("skipping corrupted api key secret", "secret", s.Key, "error", err)
			continue
		}
		if _, exists := m.keys.Get(key.Key); exists {
			continue
		}
		m.keys.Set(key.Key, &key, gocache.NoExpiration)
		loaded++
	}
	if loaded > 0 {
		m.log.Infow("api keys rehydrated", "count", loaded)
	}
	return loaded, nil
}

// ValidateAPIKey enforces isActive and expiry, then bumps usage counters.
func (m *Manager) ValidateAPIKey(rawKey string) (*APIKey, error) {
	cached, ok := m.keys.Get(rawKey)
	if !ok {
		return nil, managererr.NewAPIError(managererr.CodeAPIKeyNotFound, http.StatusUnauthorized,
			"unknown api key")
	}
	key := cached.(*APIKey)

	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if !key.IsActive {
		return nil, managererr.NewAPIError(managererr.CodeAPIKeyRevoked, http.StatusUnauthorized,
			"api key has been revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, managererr.NewAPIError(managererr.CodeAPIKeyExpired, http.StatusUnauthorized,
			"api key has expired")
	}

	now := time.Now().UTC()
	key.UsageCount++
	key.LastUsed = &now
	return key, nil
}

// RevokeAPIKey flips isActive, evicts the cache entry and deletes the
// shadow secret.
func (m *Manager) RevokeAPIKey(ctx context.Context, keyID, actor string) error {
	var raw string
	var key *APIKey
	for cachedKey, item := range m.keys.Items() {
		candidate := item.Object.(*APIKey)
		if candidate.ID == keyID {
			raw, key = cachedKey, candidate
			break
		}
	}
	if key == nil {
		return managererr.NewAPIError(managererr.CodeAPIKeyNotFound, http.StatusNotFound,
			fmt.Sprintf("api key %s not found", keyID))
	}

	m.keyMu.Lock()
	key.IsActive = false
	m.keyMu.Unlock()
	m.keys.Delete(raw)

	if err := m.secrets.DeleteSecret(ctx, "api_key_"+keyID, key.Environment, actor); err != nil &&
		!managererr.HasCode(err, managererr.CodeSecretNotFound) {
		return err
	}

	m.emit("info", "api key revoked", map[string]interface{}{"keyId": keyID})
	return nil
}

// ListAPIKeys returns metadata copies with the raw key masked.
func (m *Manager) ListAPIKeys() []*APIKey {
	items := m.keys.Items()
	out := make([]*APIKey, 0, len(items))
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	for _, item := range items {
		key := *(item.Object.(*APIKey))
		key.Key = maskKey(key.Key)
		out = append(out, &key)
	}
	return out
}

// maskKey shows the first 8 and last 4 characters only.
func maskKey(key string) string {
	if len(key) < 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// SetDefaultRateLimit swaps the fallback limiter. Used by config watchers
// to apply changes without a restart; in-flight window state is discarded.
func (m *Manager) SetDefaultRateLimit(limit RateLimit) {
	if limit.Requests <= 0 || limit.WindowMs <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.DefaultRateLimit = limit
	m.defLimit = newSlidingWindow(limit)
	m.mu.Unlock()
	m.log.Infow("default rate limit updated", "requests", limit.Requests, "windowMs", limit.WindowMs)
}

// limiterFor picks the endpoint's dedicated limiter or the default one.
func (m *Manager) limiterFor(method, path string) *slidingWindow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lim, ok := m.limiters[endpointKey(method, path)]; ok {
		return lim
	}
	return m.defLimit
}

// PruneLimiters drops aged-out rate limit bookkeeping.
func (m *Manager) PruneLimiters() {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.defLimit.prune(now)
	for _, lim := range m.limiters {
		lim.prune(now)
	}
}

// HealthCheck reports whether the manager can serve authenticated traffic.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if _, err := m.signingSecret(ctx); err != nil {
		return err
	}
	return nil
}

// Stats returns an operational snapshot.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"endpoints":        len(m.endpoints),
		"apiKeys":          m.keys.ItemCount(),
		"namedLimiters":    len(m.limiters),
		"defaultRateLimit": m.cfg.DefaultRateLimit,
		"environment":      m.cfg.Environment,
	}
}
