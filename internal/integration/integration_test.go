package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-vault-hub/internal/apimgr"
	"secure-vault-hub/internal/managererr"
	"secure-vault-hub/internal/secrets"
)

func initTestSystem(t *testing.T, mutate ...func(*Config)) *System {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	cfg := Config{
		MasterKey:           "integration-test-master-key",
		Environment:         "development",
		SecretsDir:          t.TempDir(),
		CacheEnabled:        true,
		CacheTTL:            time.Minute,
		AuditLogging:        true,
		HealthCheckInterval: time.Hour,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	sys, err := Initialize(cfg)
	require.NoError(t, err)
	return sys
}

func callEndpoint(t *testing.T, sys *System, req *http.Request) (*httptest.ResponseRecorder, apimgr.Envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	sys.API.ServeHTTP(rec, req)

	var envelope apimgr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec, envelope
}

func okHandler(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

func TestInitializeIsIdempotent(t *testing.T) {
	sys := initTestSystem(t)

	again, err := Initialize(Config{MasterKey: "different", SecretsDir: t.TempDir()})
	require.NoError(t, err)
	assert.Same(t, sys, again)

	got, err := GetInstance()
	require.NoError(t, err)
	assert.Same(t, sys, got)
}

func TestGetInstanceBeforeInitialize(t *testing.T) {
	Reset()
	_, err := GetInstance()
	assert.Equal(t, managererr.CodeNotInitialized, managererr.CodeOf(err))
}

func TestCreateSecureEndpointDefaults(t *testing.T) {
	sys := initTestSystem(t)

	require.NoError(t, sys.CreateSecureEndpoint("/v1/projects", "GET", okHandler, EndpointOptions{}))

	// authentication is on by default
	rec, envelope := callEndpoint(t, sys, httptest.NewRequest("GET", "/v1/projects", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, envelope.Success)

	// security headers ride on every response, even failures
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCreateSecureEndpointPublic(t *testing.T) {
	sys := initTestSystem(t)

	require.NoError(t, sys.CreateSecureEndpoint("/v1/health", "GET", okHandler, EndpointOptions{DisableAuth: true}))

	rec, envelope := callEndpoint(t, sys, httptest.NewRequest("GET", "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, envelope.Success)
}

func TestEndToEndPermissionMismatch(t *testing.T) {
	sys := initTestSystem(t)
	ctx := context.Background()

	require.NoError(t, sys.CreateSecureEndpoint("/v1/projects", "POST", okHandler, EndpointOptions{
		Permissions: []string{"write:projects"},
	}))

	readOnly, err := sys.API.GenerateAPIKey(ctx, "reader", apimgr.KeyOptions{
		Permissions: []string{"read:projects"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/projects", nil)
	req.Header.Set("x-api-key", readOnly.Key)
	rec, envelope := callEndpoint(t, sys, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	errBody := envelope.Error.(map[string]interface{})
	assert.Equal(t, "AUTHORIZATION_ERROR", errBody["code"])
}

func TestEndToEndWildcardKey(t *testing.T) {
	sys := initTestSystem(t)
	ctx := context.Background()

	require.NoError(t, sys.CreateSecureEndpoint("/v1/admin", "DELETE", okHandler, EndpointOptions{
		Permissions: []string{"admin:everything"},
	}))

	rootKey, err := sys.API.GenerateAPIKey(ctx, "root", apimgr.KeyOptions{Permissions: []string{"*"}})
	require.NoError(t, err)

	req := httptest.NewRequest("DELETE", "/v1/admin", nil)
	req.Header.Set("x-api-key", rootKey.Key)
	rec, _ := callEndpoint(t, sys, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthFailurePromotedToMetric(t *testing.T) {
	sys := initTestSystem(t)

	require.NoError(t, sys.CreateSecureEndpoint("/v1/secure", "GET", okHandler, EndpointOptions{}))

	before := sys.Monitoring.MetricTotal("auth_failures_total")
	callEndpoint(t, sys, httptest.NewRequest("GET", "/v1/secure", nil))
	after := sys.Monitoring.MetricTotal("auth_failures_total")

	assert.Equal(t, before+1, after)
}

func TestRateLimitPromotedToMetric(t *testing.T) {
	sys := initTestSystem(t)

	require.NoError(t, sys.CreateSecureEndpoint("/v1/tight", "GET", okHandler, EndpointOptions{
		DisableAuth: true,
		RateLimit:   &apimgr.RateLimit{WindowMs: 60_000, Requests: 1},
	}))

	callEndpoint(t, sys, httptest.NewRequest("GET", "/v1/tight", nil))
	rec, _ := callEndpoint(t, sys, httptest.NewRequest("GET", "/v1/tight", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, float64(1), sys.Monitoring.MetricTotal("rate_limit_exceeded_total"))
}

func TestSecurityEventPromotedToMetric(t *testing.T) {
	sys := initTestSystem(t)
	ctx := context.Background()

	sealed, err := sys.Security.Encrypt(ctx, "plaintext", "master-key")
	require.NoError(t, err)

	before := sys.Monitoring.MetricTotal("security_events_total")
	_, err = sys.Security.Decrypt(ctx, sealed, "wrong-master-key")
	require.Error(t, err)

	assert.Equal(t, before+1, sys.Monitoring.MetricTotal("security_events_total"))
}

func TestAPIKeysSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	sys := initTestSystem(t, func(c *Config) { c.SecretsDir = dir })

	key, err := sys.API.GenerateAPIKey(context.Background(), "restart", apimgr.KeyOptions{
		Permissions: []string{"read:projects"},
	})
	require.NoError(t, err)

	sys.Shutdown()
	Reset()

	sys2 := initTestSystem(t, func(c *Config) { c.SecretsDir = dir })
	validated, err := sys2.API.ValidateAPIKey(key.Key)
	require.NoError(t, err)
	assert.Equal(t, key.ID, validated.ID)
}

func TestConfigPushUpdatesSecurityPolicy(t *testing.T) {
	sys := initTestSystem(t)

	require.Equal(t, 12, sys.Security.Policy().PasswordMinLength)
	sys.Config.Set("security.policy.password_min_length", 20)
	assert.Equal(t, 20, sys.Security.Policy().PasswordMinLength)
}

func TestPerformHealthCheck(t *testing.T) {
	sys := initTestSystem(t)

	status := sys.PerformHealthCheck(context.Background())
	assert.Equal(t, "healthy", status.Overall)
	assert.Equal(t, "healthy", status.Managers["secrets"])
	assert.Equal(t, "healthy", status.Managers["api"])
	assert.Equal(t, "healthy", status.Managers["config"])
	assert.Equal(t, "healthy", status.Managers["security"])
	assert.Equal(t, "healthy", status.Managers["monitoring"])
	assert.False(t, status.CheckedAt.IsZero())
}

func TestRotateAllSecrets(t *testing.T) {
	sys := initTestSystem(t)
	ctx := context.Background()

	// nothing is due right after creation
	rotated, err := sys.RotateAllSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rotated)
}

func TestGetSystemStats(t *testing.T) {
	sys := initTestSystem(t)

	stats := sys.GetSystemStats(context.Background())
	assert.Equal(t, "development", stats["environment"])
	assert.Contains(t, stats, "secrets")
	assert.Contains(t, stats, "api")
	assert.Contains(t, stats, "config")
	assert.Contains(t, stats, "monitoring")
	assert.NotEmpty(t, stats["uptime"])
}

func TestExportSystemConfigurationOmitsSecrets(t *testing.T) {
	sys := initTestSystem(t)
	ctx := context.Background()

	_, err := sys.Secrets.SetSecret(ctx, "db_password", "super-secret-value",
		secrets.Metadata{Environment: "development"}, "test")
	require.NoError(t, err)

	require.NoError(t, sys.CreateSecureEndpoint("/v1/exported", "GET", okHandler, EndpointOptions{
		Permissions: []string{"read:exported"},
	}))

	export := sys.ExportSystemConfiguration()
	raw, err := json.Marshal(export)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")

	endpoints := export["endpoints"].([]map[string]interface{})
	require.Len(t, endpoints, 1)
	assert.Equal(t, "/v1/exported", endpoints[0]["path"])
	assert.Equal(t, true, endpoints[0]["authentication"])
}

func TestShutdownLeavesDurableState(t *testing.T) {
	dir := t.TempDir()
	sys := initTestSystem(t, func(c *Config) { c.SecretsDir = dir })
	ctx := context.Background()

	_, err := sys.Secrets.SetSecret(ctx, "durable", "value", secrets.Metadata{Environment: "development"}, "test")
	require.NoError(t, err)

	sys.Shutdown()
	Reset()

	// a fresh system over the same directory still sees the secret
	sys2 := initTestSystem(t, func(c *Config) { c.SecretsDir = dir })
	value, err := sys2.Secrets.GetSecret(ctx, "durable", "development", "test")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}
