package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LogEntry is one event on the monitoring log bus.
type LogEntry struct {
	Source    string                 `json:"source"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AlertRule ties a metric to a threshold, severity and notification
// channels.
type AlertRule struct {
	Name      string   `json:"name"`
	Metric    string   `json:"metric"`
	Threshold float64  `json:"threshold"`
	Severity  string   `json:"severity"`
	Channels  []string `json:"channels"`
}

// Alert is one triggered rule instance.
type Alert struct {
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckFunc probes one manager.
type HealthCheckFunc func(ctx context.Context) error

// Monitor is the monitoring collaborator: a log bus feeding zap plus any
// subscribers, prometheus-backed counters and gauges, alert rules and
// registered health checks.
type Monitor struct {
	log      *zap.SugaredLogger
	registry *prometheus.Registry

	mu       sync.RWMutex
	subs     []func(LogEntry)
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	totals   map[string]float64
	rules    map[string]*AlertRule
	alerts   []Alert
	checks   map[string]HealthCheckFunc
}

// New builds a monitor with its own prometheus registry.
func New(log *zap.SugaredLogger) *Monitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Monitor{
		log:      log,
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
		totals:   make(map[string]float64),
		rules:    make(map[string]*AlertRule),
		checks:   make(map[string]HealthCheckFunc),
	}
}

// Registry exposes the prometheus registry for scraping.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// OnLog subscribes to every entry published on the log bus.
func (m *Monitor) OnLog(fn func(LogEntry)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Emit publishes an entry: zap first, then every subscriber.
func (m *Monitor) Emit(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	logger := m.log.With("source", entry.Source)
	kv := make([]interface{}, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		kv = append(kv, k, v)
	}
	switch entry.Level {
	case "error":
		logger.Errorw(entry.Message, kv...)
	case "warn":
		logger.Warnw(entry.Message, kv...)
	default:
		logger.Infow(entry.Message, kv...)
	}

	m.mu.RLock()
	subs := append([]func(LogEntry){}, m.subs...)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(entry)
	}
}

// Info publishes an info-level entry from source.
func (m *Monitor) Info(source, message string, fields map[string]interface{}) {
	m.Emit(LogEntry{Source: source, Level: "info", Message: message, Fields: fields})
}

// Warn publishes a warn-level entry from source.
func (m *Monitor) Warn(source, message string, fields map[string]interface{}) {
	m.Emit(LogEntry{Source: source, Level: "warn", Message: message, Fields: fields})
}

// Error publishes an error-level entry from source.
func (m *Monitor) Error(source, message string, fields map[string]interface{}) {
	m.Emit(LogEntry{Source: source, Level: "error", Message: message, Fields: fields})
}

// RecordMetric increments the named counter and evaluates alert rules
// bound to it against the running total.
func (m *Monitor) RecordMetric(name string, value float64) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		counter = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		if err := m.registry.Register(counter); err == nil {
			m.counters[name] = counter
		}
	}
	m.totals[name] += value
	total := m.totals[name]
	m.mu.Unlock()

	counter.Add(value)
	m.evaluateRules(name, total)
}

// RecordGauge sets the named gauge.
func (m *Monitor) RecordGauge(name string, value float64) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
		if err := m.registry.Register(gauge); err == nil {
			m.gauges[name] = gauge
		}
	}
	m.mu.Unlock()
	gauge.Set(value)
}

// CreateAlert registers (or replaces) an alert rule.
func (m *Monitor) CreateAlert(rule AlertRule) {
	m.mu.Lock()
	m.rules[rule.Name] = &rule
	m.mu.Unlock()
}

func (m *Monitor) evaluateRules(metric string, total float64) {
	m.mu.RLock()
	var fired []*AlertRule
	for _, rule := range m.rules {
		if rule.Metric == metric && total >= rule.Threshold {
			fired = append(fired, rule)
		}
	}
	m.mu.RUnlock()
	for _, rule := range fired {
		m.TriggerAlert(rule.Name, total, "threshold crossed for "+metric)
	}
}

// TriggerAlert records an alert instance and logs it to every channel the
// rule names.
func (m *Monitor) TriggerAlert(ruleName string, value float64, message string) {
	m.mu.Lock()
	rule, ok := m.rules[ruleName]
	if !ok {
		m.mu.Unlock()
		return
	}
	alert := Alert{
		Rule:      ruleName,
		Severity:  rule.Severity,
		Message:   message,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	m.alerts = append(m.alerts, alert)
	channels := rule.Channels
	m.mu.Unlock()

	m.log.Warnw("alert triggered",
		"rule", ruleName, "severity", alert.Severity, "value", value, "channels", channels)
}

// Alerts returns the triggered alerts, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.alerts...)
}

// RegisterHealthCheck adds a named probe.
func (m *Monitor) RegisterHealthCheck(name string, fn HealthCheckFunc) {
	m.mu.Lock()
	m.checks[name] = fn
	m.mu.Unlock()
}

// HealthCheck runs every probe and returns per-name verdicts.
func (m *Monitor) HealthCheck(ctx context.Context) map[string]error {
	m.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, fn := range checks {
		results[name] = fn(ctx)
	}
	return results
}

// MetricTotal returns the running total for a counter.
func (m *Monitor) MetricTotal(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals[name]
}

// GetStats returns an operational snapshot.
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"counters":    len(m.counters),
		"gauges":      len(m.gauges),
		"alertRules":  len(m.rules),
		"alertsFired": len(m.alerts),
		"subscribers": len(m.subs),
	}
}
