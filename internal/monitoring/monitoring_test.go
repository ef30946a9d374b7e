package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	m := New(nil)

	var received []LogEntry
	m.OnLog(func(e LogEntry) { received = append(received, e) })

	m.Info("secrets", "secret rotated", map[string]interface{}{"key": "jwt_secret"})
	m.Error("api", "request failed", nil)

	require.Len(t, received, 2)
	assert.Equal(t, "secrets", received[0].Source)
	assert.Equal(t, "info", received[0].Level)
	assert.Equal(t, "jwt_secret", received[0].Fields["key"])
	assert.False(t, received[0].Timestamp.IsZero())
	assert.Equal(t, "error", received[1].Level)
}

func TestRecordMetricAccumulates(t *testing.T) {
	m := New(nil)

	m.RecordMetric("api_errors_total", 1)
	m.RecordMetric("api_errors_total", 2)

	assert.Equal(t, float64(3), m.MetricTotal("api_errors_total"))
	assert.Equal(t, float64(0), m.MetricTotal("never_recorded"))
}

func TestAlertFiresAtThreshold(t *testing.T) {
	m := New(nil)
	m.CreateAlert(AlertRule{
		Name:      "auth-failure-rate",
		Metric:    "auth_failures_total",
		Threshold: 3,
		Severity:  "critical",
		Channels:  []string{"log"},
	})

	m.RecordMetric("auth_failures_total", 2)
	assert.Empty(t, m.Alerts())

	m.RecordMetric("auth_failures_total", 1)
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "auth-failure-rate", alerts[0].Rule)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Equal(t, float64(3), alerts[0].Value)
}

func TestAlertIgnoresOtherMetrics(t *testing.T) {
	m := New(nil)
	m.CreateAlert(AlertRule{Name: "rule", Metric: "watched_total", Threshold: 1})

	m.RecordMetric("unwatched_total", 100)
	assert.Empty(t, m.Alerts())
}

func TestTriggerAlertUnknownRuleIsNoop(t *testing.T) {
	m := New(nil)
	m.TriggerAlert("ghost", 1, "should not record")
	assert.Empty(t, m.Alerts())
}

func TestHealthCheckRunsEveryProbe(t *testing.T) {
	m := New(nil)
	probeErr := errors.New("store unreachable")

	m.RegisterHealthCheck("secrets", func(ctx context.Context) error { return nil })
	m.RegisterHealthCheck("api", func(ctx context.Context) error { return probeErr })

	results := m.HealthCheck(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["secrets"])
	assert.Equal(t, probeErr, results["api"])
}

func TestRecordGauge(t *testing.T) {
	m := New(nil)
	m.RecordGauge("cache_entries", 42)
	m.RecordGauge("cache_entries", 17)

	stats := m.GetStats()
	assert.Equal(t, 1, stats["gauges"])
}

func TestGetStats(t *testing.T) {
	m := New(nil)
	m.OnLog(func(LogEntry) {})
	m.RecordMetric("c", 1)
	m.CreateAlert(AlertRule{Name: "r", Metric: "c", Threshold: 100})

	stats := m.GetStats()
	assert.Equal(t, 1, stats["counters"])
	assert.Equal(t, 1, stats["alertRules"])
	assert.Equal(t, 1, stats["subscribers"])
	assert.Equal(t, 0, stats["alertsFired"])
}
