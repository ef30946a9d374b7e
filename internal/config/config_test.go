package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
api:
  default_rate_limit:
    requests: 50
features:
  audit_export: true
  beta_dashboard: false
`)
	p, err := New(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 50, p.Get("api.default_rate_limit.requests"))
	assert.Equal(t, "50", p.GetString("api.default_rate_limit.requests"))
}

func TestMissingFileIsTolerated(t *testing.T) {
	p, err := New(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)

	assert.Nil(t, p.Get("anything"))
	p.Set("anything", "value")
	assert.Equal(t, "value", p.GetString("anything"))
}

func TestSetNotifiesWatchers(t *testing.T) {
	p, err := New("", nil)
	require.NoError(t, err)

	var observed []interface{}
	p.WatchConfig("security.policy.password_min_length", func(value interface{}) {
		observed = append(observed, value)
	})

	p.Set("security.policy.password_min_length", 16)
	p.Set("unrelated.key", true)

	require.Len(t, observed, 1)
	assert.Equal(t, 16, observed[0])
}

func TestMultipleWatchersOnOneKey(t *testing.T) {
	p, err := New("", nil)
	require.NoError(t, err)

	calls := 0
	p.WatchConfig("key", func(interface{}) { calls++ })
	p.WatchConfig("key", func(interface{}) { calls++ })

	p.Set("key", 1)
	assert.Equal(t, 2, calls)
}

func TestListFeatureFlags(t *testing.T) {
	path := writeConfigFile(t, `
features:
  audit_export: true
  beta_dashboard: false
other:
  setting: yes
`)
	p, err := New(path, nil)
	require.NoError(t, err)

	flags := p.ListFeatureFlags()
	assert.Equal(t, map[string]bool{
		"audit_export":   true,
		"beta_dashboard": false,
	}, flags)
}

func TestExportConfigurations(t *testing.T) {
	p, err := New("", nil)
	require.NoError(t, err)

	p.Set("a.b", 1)
	p.Set("a.c", "two")

	exported := p.ExportConfigurations()
	assert.Equal(t, 1, exported["a.b"])
	assert.Equal(t, "two", exported["a.c"])
}

func TestGetStats(t *testing.T) {
	p, err := New("", nil)
	require.NoError(t, err)

	p.Set("x", 1)
	p.WatchConfig("x", func(interface{}) {})

	stats := p.GetStats()
	assert.Equal(t, 1, stats["watchers"])
	assert.Equal(t, 0, stats["reloads"])
	assert.NotEmpty(t, stats["loadedAt"])
	require.NoError(t, p.HealthCheck())
}
