package apimgr

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-vault-hub/internal/authz"
	"secure-vault-hub/internal/managererr"
	"secure-vault-hub/internal/secrets"
	"secure-vault-hub/internal/security"
)

func newTestAPI(t *testing.T) *Manager {
	t.Helper()
	sec := security.New(security.DefaultPolicy(), nil)
	sm, err := secrets.New(sec, secrets.Options{
		Dir:          t.TempDir(),
		MasterKey:    "test-master-key",
		Environment:  "development",
		CacheEnabled: true,
		CacheTTL:     time.Minute,
		AuditLogging: true,
	}, nil)
	require.NoError(t, err)

	az, err := authz.New()
	require.NoError(t, err)

	m := New(sec, sm, az, Config{Environment: "development"}, nil)
	require.NoError(t, m.EnsureJWTSecret(context.Background()))
	return m
}

func okHandler(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

func TestRegisterAndGetEndpoint(t *testing.T) {
	m := newTestAPI(t)

	ep := &Endpoint{Path: "/v1/projects", Method: "get", Handler: okHandler, Authentication: true}
	require.NoError(t, m.RegisterEndpoint(ep))

	got, err := m.GetEndpoint("GET", "/v1/projects")
	require.NoError(t, err)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, []string{"securityHeaders", "authentication", "rateLimit", "handler", "responseFormatting"},
		got.Middleware)

	_, err = m.GetEndpoint("POST", "/v1/projects")
	assert.Equal(t, managererr.CodeEndpointUnknown, managererr.CodeOf(err))
}

func TestRegisterEndpointRejectsDuplicates(t *testing.T) {
	m := newTestAPI(t)

	ep := func() *Endpoint {
		return &Endpoint{Path: "/v1/dup", Method: "GET", Handler: okHandler}
	}
	require.NoError(t, m.RegisterEndpoint(ep()))
	err := m.RegisterEndpoint(ep())
	assert.Equal(t, managererr.CodeEndpointExists, managererr.CodeOf(err))
}

func TestRegisterEndpointProvisionsNamedLimiter(t *testing.T) {
	m := newTestAPI(t)

	require.NoError(t, m.RegisterEndpoint(&Endpoint{
		Path: "/v1/limited", Method: "GET", Handler: okHandler,
		RateLimit: &RateLimit{WindowMs: 1000, Requests: 1},
	}))

	assert.Equal(t, 1, m.Stats()["namedLimiters"])
}

func TestUpdateConfigRebuildsChain(t *testing.T) {
	m := newTestAPI(t)

	require.NoError(t, m.RegisterEndpoint(&Endpoint{Path: "/v1/mutable", Method: "GET", Handler: okHandler}))
	require.NoError(t, m.UpdateConfig("GET", "/v1/mutable", func(ep *Endpoint) {
		ep.Authentication = true
		ep.Authorization = []string{"read:mutable"}
	}))

	got, err := m.GetEndpoint("GET", "/v1/mutable")
	require.NoError(t, err)
	assert.Contains(t, got.Middleware, "authentication")
	assert.Contains(t, got.Middleware, "authorization")
}

func TestGenerateAPIKeyPersistsShadowSecret(t *testing.T) {
	m := newTestAPI(t)
	ctx := context.Background()

	key, err := m.GenerateAPIKey(ctx, "ci-pipeline", KeyOptions{Permissions: []string{"read:projects"}})
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.Contains(t, key.Key, "svh_")
	assert.True(t, key.IsActive)

	// revocation and audit ride on the secrets manager via the shadow secret
	value, err := m.secrets.GetSecret(ctx, "api_key_"+key.ID, "development", "test")
	require.NoError(t, err)
	assert.Contains(t, value, key.ID)
}

func TestValidateAPIKeyBumpsUsage(t *testing.T) {
	m := newTestAPI(t)

	key, err := m.GenerateAPIKey(context.Background(), "usage", KeyOptions{})
	require.NoError(t, err)

	validated, err := m.ValidateAPIKey(key.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), validated.UsageCount)
	assert.NotNil(t, validated.LastUsed)

	_, err = m.ValidateAPIKey(key.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), validated.UsageCount)
}

func TestValidateAPIKeyConcurrentUsage(t *testing.T) {
	m := newTestAPI(t)

	key, err := m.GenerateAPIKey(context.Background(), "parallel", KeyOptions{})
	require.NoError(t, err)

	const callers = 50
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := m.ValidateAPIKey(key.Key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// no lost updates across concurrent validations
	validated, err := m.ValidateAPIKey(key.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(callers+1), validated.UsageCount)
}

func TestLoadPersistedKeysSurvivesRestart(t *testing.T) {
	m := newTestAPI(t)
	ctx := context.Background()

	key, err := m.GenerateAPIKey(ctx, "durable", KeyOptions{Permissions: []string{"read:projects"}})
	require.NoError(t, err)

	revoked, err := m.GenerateAPIKey(ctx, "revoked", KeyOptions{})
	require.NoError(t, err)
	require.NoError(t, m.RevokeAPIKey(ctx, revoked.ID, "admin"))

	// a fresh manager over the same secrets store stands in for a restart
	restarted := New(m.sec, m.secrets, m.authz, Config{Environment: "development"}, nil)
	loaded, err := restarted.LoadPersistedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	validated, err := restarted.ValidateAPIKey(key.Key)
	require.NoError(t, err)
	assert.Equal(t, key.ID, validated.ID)
	assert.Equal(t, []string{"read:projects"}, validated.Permissions)

	_, err = restarted.ValidateAPIKey(revoked.Key)
	assert.Equal(t, managererr.CodeAPIKeyNotFound, managererr.CodeOf(err))
}

func TestValidateAPIKeyUnknown(t *testing.T) {
	m := newTestAPI(t)
	_, err := m.ValidateAPIKey("svh_0_deadbeef")
	assert.Equal(t, managererr.CodeAPIKeyNotFound, managererr.CodeOf(err))
}

func TestValidateAPIKeyExpired(t *testing.T) {
	m := newTestAPI(t)

	past := time.Now().Add(-time.Minute)
	key, err := m.GenerateAPIKey(context.Background(), "expired", KeyOptions{ExpiresAt: &past})
	require.NoError(t, err)

	_, err = m.ValidateAPIKey(key.Key)
	assert.Equal(t, managererr.CodeAPIKeyExpired, managererr.CodeOf(err))
}

func TestRevokeAPIKey(t *testing.T) {
	m := newTestAPI(t)
	ctx := context.Background()

	key, err := m.GenerateAPIKey(ctx, "to-revoke", KeyOptions{})
	require.NoError(t, err)

	require.NoError(t, m.RevokeAPIKey(ctx, key.ID, "admin"))

	_, err = m.ValidateAPIKey(key.Key)
	require.Error(t, err)

	// shadow secret is gone too
	_, err = m.secrets.GetSecret(ctx, "api_key_"+key.ID, "development", "test")
	assert.Equal(t, managererr.CodeSecretNotFound, managererr.CodeOf(err))

	err = m.RevokeAPIKey(ctx, key.ID, "admin")
	assert.Equal(t, managererr.CodeAPIKeyNotFound, managererr.CodeOf(err))
}

func TestListAPIKeysMasksRawKeys(t *testing.T) {
	m := newTestAPI(t)

	key, err := m.GenerateAPIKey(context.Background(), "masked", KeyOptions{})
	require.NoError(t, err)

	listed := m.ListAPIKeys()
	require.Len(t, listed, 1)
	assert.NotEqual(t, key.Key, listed[0].Key)
	assert.Contains(t, listed[0].Key, "...")
}

func TestIssueAndVerifyToken(t *testing.T) {
	m := newTestAPI(t)
	ctx := context.Background()

	token, err := m.IssueToken(ctx, "user-1", "operator", []string{"read:projects"}, time.Hour)
	require.NoError(t, err)

	principal, err := m.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.ID)
	assert.Equal(t, "operator", principal.Role)
	assert.Equal(t, []string{"read:projects"}, principal.Permissions)
	assert.Equal(t, "jwt", principal.AuthType)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	m := newTestAPI(t)
	_, err := m.VerifyToken(context.Background(), "not.a.token")
	assert.Equal(t, managererr.CodeAuthentication, managererr.CodeOf(err))
}

func TestVerifyExpiredToken(t *testing.T) {
	m := newTestAPI(t)
	ctx := context.Background()

	token, err := m.IssueToken(ctx, "user-1", "", nil, -time.Minute)
	require.NoError(t, err)

	_, err = m.VerifyToken(ctx, token)
	assert.Equal(t, managererr.CodeAuthentication, managererr.CodeOf(err))
}
