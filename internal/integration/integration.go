package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"secure-vault-hub/internal/apimgr"
	"secure-vault-hub/internal/authz"
	"secure-vault-hub/internal/config"
	"secure-vault-hub/internal/managererr"
	"secure-vault-hub/internal/monitoring"
	"secure-vault-hub/internal/secrets"
	"secure-vault-hub/internal/security"
)

// Config drives Initialize.
type Config struct {
	MasterKey   string
	Environment string

	SecretsDir      string
	CacheEnabled    bool
	CacheTTL        time.Duration
	AuditLogging    bool
	AuditDBPath     string // optional sqlite sink for the audit trail
	RotationEnabled bool
	RotationSpec    string // cron spec for the rotation sweep, optional

	ConfigFile          string
	HealthCheckInterval time.Duration
	SecurityPolicy      *security.Policy
	DefaultRateLimit    apimgr.RateLimit
	KeyPrefix           string
}

// HealthStatus aggregates per-manager verdicts into one overall verdict.
type HealthStatus struct {
	Overall   string            `json:"overall"` // healthy, degraded, unhealthy
	Managers  map[string]string `json:"managers"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// System is the process-wide context object holding every manager. Built
// once by Initialize and passed by reference; there is no hidden global
// state beyond the singleton handle below.
type System struct {
	Security   *security.Manager
	Secrets    *secrets.Manager
	Config     *config.Provider
	Monitoring *monitoring.Monitor
	API        *apimgr.Manager

	cfg       Config
	scheduler *cron.Cron
	startedAt time.Time
	log       *zap.SugaredLogger
}

var (
	instanceMu sync.Mutex
	instance   *System
)

// Initialize builds Security -> Secrets -> Config -> Monitoring -> API in
// dependency order, wires the cross-cutting hooks and starts the
// schedulers. Idempotent: a second call returns the existing instance.
func Initialize(cfg Config) (*System, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}

	sys, err := build(cfg)
	if err != nil {
		return nil, managererr.New(managererr.CodeIntegrationInit, http.StatusInternalServerError,
			"manager initialization failed").
			WithMeta("cause", err.Error()).
			WithCause(errors.Wrap(err, "integration init"))
	}

	instance = sys
	sys.Monitoring.Info("integration", "system initialized", map[string]interface{}{
		"environment": cfg.Environment,
	})
	return instance, nil
}

// GetInstance returns the initialized system.
func GetInstance() (*System, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return nil, managererr.New(managererr.CodeNotInitialized, http.StatusInternalServerError,
			"managers integration has not been initialized")
	}
	return instance, nil
}

// Reset tears down the singleton. Test use only.
func Reset() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.stopScheduler()
		instance.Secrets.Close()
	}
	instance = nil
}

func build(cfg Config) (*System, error) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	log := zlog.Sugar()

	policy := security.DefaultPolicy()
	if cfg.SecurityPolicy != nil {
		policy = *cfg.SecurityPolicy
	}
	sec := security.New(policy, log.Named("security"))

	var sink secrets.AuditSink
	if cfg.AuditDBPath != "" {
		if sink, err = secrets.NewSQLiteSink(cfg.AuditDBPath); err != nil {
			return nil, err
		}
	}
	sm, err := secrets.New(sec, secrets.Options{
		Dir:          cfg.SecretsDir,
		MasterKey:    cfg.MasterKey,
		Environment:  cfg.Environment,
		CacheEnabled: cfg.CacheEnabled,
		CacheTTL:     cfg.CacheTTL,
		AuditLogging: cfg.AuditLogging,
		AuditSink:    sink,
	}, log.Named("secrets"))
	if err != nil {
		return nil, err
	}

	provider, err := config.New(cfg.ConfigFile, log.Named("config"))
	if err != nil {
		return nil, err
	}

	monitor := monitoring.New(log.Named("monitoring"))

	az, err := authz.New()
	if err != nil {
		return nil, err
	}

	api := apimgr.New(sec, sm, az, apimgr.Config{
		Environment:      cfg.Environment,
		KeyPrefix:        cfg.KeyPrefix,
		DefaultRateLimit: cfg.DefaultRateLimit,
	}, log.Named("api"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.EnsureJWTSecret(ctx); err != nil {
		return nil, err
	}
	if _, err := api.LoadPersistedKeys(ctx); err != nil {
		return nil, err
	}

	sys := &System{
		Security:   sec,
		Secrets:    sm,
		Config:     provider,
		Monitoring: monitor,
		API:        api,
		cfg:        cfg,
		startedAt:  time.Now(),
		log:        log.Named("integration"),
	}

	sys.wireIntegrations()
	sys.startScheduler()

	if cfg.RotationEnabled {
		monitor.Info("integration", "secret rotation enabled; sweeps run via RotateAllSecrets", map[string]interface{}{
			"schedule": cfg.RotationSpec,
		})
	}
	return sys, nil
}

// wireIntegrations connects the cross-cutting hooks: manager log streams
// into monitoring, log-to-metric promotion, config watchers and the three
// default alert rules.
func (s *System) wireIntegrations() {
	s.Security.SetEventHook(func(level, message string, fields map[string]interface{}) {
		s.Monitoring.Emit(monitoring.LogEntry{Source: "security", Level: level, Message: message, Fields: fields})
	})
	s.Secrets.SetEventHook(func(level, message string, fields map[string]interface{}) {
		s.Monitoring.Emit(monitoring.LogEntry{Source: "secrets", Level: level, Message: message, Fields: fields})
	})
	s.API.SetEventHook(func(level, message string, fields map[string]interface{}) {
		s.Monitoring.Emit(monitoring.LogEntry{Source: "api", Level: level, Message: message, Fields: fields})
	})

	// Promote error-level API logs and elevated security events into
	// metrics; the alert rules below watch those metrics.
	s.Monitoring.OnLog(func(entry monitoring.LogEntry) {
		switch {
		case entry.Source == "api" && entry.Level == "error":
			s.Monitoring.RecordMetric("api_errors_total", 1)
		case entry.Source == "api" && entry.Message == "authentication failed":
			s.Monitoring.RecordMetric("auth_failures_total", 1)
		case entry.Source == "api" && entry.Message == "rate limit exceeded":
			s.Monitoring.RecordMetric("rate_limit_exceeded_total", 1)
		case entry.Source == "security" && entry.Level != "info":
			s.Monitoring.RecordMetric("security_events_total", 1)
		}
	})

	s.Monitoring.CreateAlert(monitoring.AlertRule{
		Name: "api-error-rate", Metric: "api_errors_total",
		Threshold: 10, Severity: "critical", Channels: []string{"ops-pager"},
	})
	s.Monitoring.CreateAlert(monitoring.AlertRule{
		Name: "auth-failure-rate", Metric: "auth_failures_total",
		Threshold: 20, Severity: "warning", Channels: []string{"security-alerts"},
	})
	s.Monitoring.CreateAlert(monitoring.AlertRule{
		Name: "rate-limit-exceeded-rate", Metric: "rate_limit_exceeded_total",
		Threshold: 50, Severity: "warning", Channels: []string{"ops-alerts"},
	})

	// Live config pushes, no restart required.
	s.Config.WatchConfig("security.policy.password_min_length", func(value interface{}) {
		if value == nil {
			return
		}
		policy := s.Security.Policy()
		policy.PasswordMinLength = cast.ToInt(value)
		s.Security.UpdatePolicy(policy)
	})
	s.Config.WatchConfig("api.default_rate_limit.requests", func(value interface{}) {
		if value == nil {
			return
		}
		s.API.SetDefaultRateLimit(apimgr.RateLimit{
			WindowMs: cast.ToInt64(s.Config.Get("api.default_rate_limit.window_ms")),
			Requests: cast.ToInt(value),
		})
	})

	s.Monitoring.RegisterHealthCheck("secrets", s.Secrets.HealthCheck)
	s.Monitoring.RegisterHealthCheck("api", s.API.HealthCheck)
	s.Monitoring.RegisterHealthCheck("config", func(context.Context) error {
		return s.Config.HealthCheck()
	})
}

// startScheduler runs the periodic health check (skip-if-running, never
// overlapping) plus the optional rotation sweep and limiter pruning.
func (s *System) startScheduler() {
	s.scheduler = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))

	every := fmt.Sprintf("@every %s", s.cfg.HealthCheckInterval)
	s.scheduler.AddFunc(every, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthCheckInterval)
		defer cancel()
		status := s.PerformHealthCheck(ctx)
		if status.Overall != "healthy" {
			s.Monitoring.Warn("integration", "health check degraded", map[string]interface{}{
				"overall": status.Overall, "managers": status.Managers,
			})
		}
	})

	s.scheduler.AddFunc("@every 5m", func() { s.API.PruneLimiters() })

	if s.cfg.RotationEnabled && s.cfg.RotationSpec != "" {
		s.scheduler.AddFunc(s.cfg.RotationSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if count, err := s.RotateAllSecrets(ctx); err != nil {
				s.Monitoring.Error("integration", "rotation sweep failed", map[string]interface{}{"error": err.Error()})
			} else if count > 0 {
				s.Monitoring.Info("integration", "rotation sweep completed", map[string]interface{}{"rotated": count})
			}
		})
	}

	s.scheduler.Start()
}

func (s *System) stopScheduler() {
	if s.scheduler != nil {
		ctx := s.scheduler.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

// EndpointOptions shapes CreateSecureEndpoint.
type EndpointOptions struct {
	DisableAuth bool
	Permissions []string
	RateLimit   *apimgr.RateLimit
	Validation  *apimgr.ValidationSchema
}

// CreateSecureEndpoint is the convenience facade over RegisterEndpoint:
// security headers always, authentication unless disabled, authorization
// only with permissions, rate limiting always, validation only with a
// schema.
func (s *System) CreateSecureEndpoint(path, method string, handler apimgr.HandlerFunc, opts EndpointOptions) error {
	return s.API.RegisterEndpoint(&apimgr.Endpoint{
		Path:           path,
		Method:         method,
		Handler:        handler,
		Authentication: !opts.DisableAuth,
		Authorization:  opts.Permissions,
		RateLimit:      opts.RateLimit,
		Validation:     opts.Validation,
	})
}

// RotateAllSecrets rotates every secret whose rotation interval has
// elapsed, across all environments. Returns how many rotated.
func (s *System) RotateAllSecrets(ctx context.Context) (int, error) {
	due, err := s.Secrets.DueForRotation(ctx, "")
	if err != nil {
		return 0, err
	}
	rotated := 0
	for _, secret := range due {
		if _, err := s.Secrets.RotateSecret(ctx, secret.Key, secret.Environment, "", "rotation-sweep"); err != nil {
			s.Monitoring.Error("integration", "secret rotation failed", map[string]interface{}{
				"key": secret.Key, "environment": secret.Environment, "error": err.Error(),
			})
			continue
		}
		rotated++
	}
	return rotated, nil
}

// PerformHealthCheck probes every manager and aggregates one verdict.
func (s *System) PerformHealthCheck(ctx context.Context) HealthStatus {
	results := s.Monitoring.HealthCheck(ctx)

	managers := make(map[string]string, len(results)+2)
	managers["security"] = "healthy"
	managers["monitoring"] = "healthy"
	healthy, total := 2, 2
	for name, err := range results {
		total++
		if err == nil {
			managers[name] = "healthy"
			healthy++
		} else {
			managers[name] = "unhealthy"
		}
	}

	overall := "healthy"
	switch {
	case healthy == total:
		overall = "healthy"
	case healthy == 2: // only the trivially-healthy managers passed
		overall = "unhealthy"
	default:
		overall = "degraded"
	}

	s.Monitoring.RecordGauge("system_healthy", boolGauge(overall == "healthy"))
	return HealthStatus{Overall: overall, Managers: managers, CheckedAt: time.Now().UTC()}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// GetSystemStats aggregates read-only snapshots across managers.
func (s *System) GetSystemStats(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"uptime":      time.Since(s.startedAt).String(),
		"environment": s.cfg.Environment,
		"secrets":     s.Secrets.Stats(ctx),
		"api":         s.API.Stats(),
		"config":      s.Config.GetStats(),
		"monitoring":  s.Monitoring.GetStats(),
	}
}

// ExportSystemConfiguration returns a sanitized configuration snapshot.
// No secret material: endpoints, policy, flags and settings only.
func (s *System) ExportSystemConfiguration() map[string]interface{} {
	endpoints := s.API.ListEndpoints()
	eps := make([]map[string]interface{}, 0, len(endpoints))
	for _, ep := range endpoints {
		eps = append(eps, map[string]interface{}{
			"method":         ep.Method,
			"path":           ep.Path,
			"authentication": ep.Authentication,
			"authorization":  ep.Authorization,
			"middleware":     ep.Middleware,
		})
	}
	return map[string]interface{}{
		"environment":    s.cfg.Environment,
		"securityPolicy": s.Security.Policy(),
		"endpoints":      eps,
		"featureFlags":   s.Config.ListFeatureFlags(),
		"settings":       s.Config.ExportConfigurations(),
	}
}

// Shutdown stops the schedulers, clears caches and logs the shutdown
// marker. Durable state is left intact.
func (s *System) Shutdown() {
	s.stopScheduler()
	s.Secrets.ClearCache()
	if err := s.Secrets.Close(); err != nil {
		s.log.Warnw("audit sink close failed", "error", err)
	}
	s.Monitoring.Info("integration", "system shutdown", map[string]interface{}{
		"uptime": time.Since(s.startedAt).String(),
	})
}
