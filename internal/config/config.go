package config

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WatchFunc receives the new value whenever a watched key changes.
type WatchFunc func(value interface{})

// Provider is the configuration collaborator: file-backed settings with
// live reload, programmatic overrides, per-key watchers and feature flags
// under the `features.` prefix.
type Provider struct {
	v   *viper.Viper
	log *zap.SugaredLogger

	mu       sync.RWMutex
	watchers map[string][]WatchFunc
	loadedAt time.Time
	reloads  int
}

// New loads the optional config file at path and starts watching it.
// A missing file is not an error; settings can still be pushed with Set.
func New(path string, log *zap.SugaredLogger) (*Provider, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	v := viper.New()
	p := &Provider{
		v:        v,
		log:      log,
		watchers: make(map[string][]WatchFunc),
		loadedAt: time.Now(),
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Warnw("config file not loaded", "path", path, "error", err)
		} else {
			v.OnConfigChange(func(fsnotify.Event) {
				p.mu.Lock()
				p.reloads++
				p.loadedAt = time.Now()
				p.mu.Unlock()
				p.notifyAll()
			})
			v.WatchConfig()
		}
	}
	return p, nil
}

// Get returns the value for key, or nil.
func (p *Provider) Get(key string) interface{} {
	return p.v.Get(key)
}

// GetString returns the string value for key.
func (p *Provider) GetString(key string) string {
	return p.v.GetString(key)
}

// Set overrides a value and notifies that key's watchers.
func (p *Provider) Set(key string, value interface{}) {
	p.v.Set(key, value)
	p.notify(key)
}

// WatchConfig registers a callback fired whenever key changes, either via
// Set or a config file reload.
func (p *Provider) WatchConfig(key string, fn WatchFunc) {
	p.mu.Lock()
	p.watchers[key] = append(p.watchers[key], fn)
	p.mu.Unlock()
}

func (p *Provider) notify(key string) {
	p.mu.RLock()
	fns := append([]WatchFunc(nil), p.watchers[key]...)
	p.mu.RUnlock()
	value := p.v.Get(key)
	for _, fn := range fns {
		fn(value)
	}
}

func (p *Provider) notifyAll() {
	p.mu.RLock()
	keys := make([]string, 0, len(p.watchers))
	for key := range p.watchers {
		keys = append(keys, key)
	}
	p.mu.RUnlock()
	for _, key := range keys {
		p.notify(key)
	}
}

// ExportConfigurations returns a snapshot of every known setting.
func (p *Provider) ExportConfigurations() map[string]interface{} {
	out := make(map[string]interface{})
	for _, key := range p.v.AllKeys() {
		out[key] = p.v.Get(key)
	}
	return out
}

// ListFeatureFlags returns every `features.*` boolean.
func (p *Provider) ListFeatureFlags() map[string]bool {
	flags := make(map[string]bool)
	for _, key := range p.v.AllKeys() {
		if strings.HasPrefix(key, "features.") {
			flags[strings.TrimPrefix(key, "features.")] = p.v.GetBool(key)
		}
	}
	return flags
}

// HealthCheck always passes once constructed; the provider degrades to
// in-memory settings when the file is unavailable.
func (p *Provider) HealthCheck() error { return nil }

// GetStats returns an operational snapshot.
func (p *Provider) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	watcherCount := 0
	for _, fns := range p.watchers {
		watcherCount += len(fns)
	}
	return map[string]interface{}{
		"keys":     len(p.v.AllKeys()),
		"watchers": watcherCount,
		"reloads":  p.reloads,
		"loadedAt": p.loadedAt.UTC().Format(time.RFC3339),
	}
}
