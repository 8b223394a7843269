package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// OrgsConfig holds a map of per-organization config overrides.
type OrgsConfig struct {
	Organizations map[string]Config `yaml:"organizations"`
}

// Manager resolves the effective config for an organization, merging its
// overrides (rate limits, queue backend, webhook worker count) on top of the
// global config loaded at startup.
type Manager struct {
	globalConfig *Config
	orgConfigs   map[string]Config
	mu           sync.RWMutex
}

// NewManager loads both the global config and the per-organization overrides
// file. A missing overrides file is not an error — it just yields no overrides.
func NewManager(globalPath, orgsPath string) (*Manager, error) {
	global, err := LoadConfig(globalPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(orgsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: global, orgConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OrgsConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig: global,
		orgConfigs:   oc.Organizations,
	}, nil
}

// Get returns the effective config for an organization: the global config
// with that organization's override applied on top. The two rate-limit
// fields are merged one by one; the Webhook, Queue, Poller, Join and Token
// sections are each replaced whole when the override sets that section's
// WorkerCount, Backend, DefaultIntervalMinutes, DefaultTimeoutMinutes or
// RefreshSkewSeconds respectively. No other override field is applied.
func (m *Manager) Get(orgID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.orgConfigs[orgID]
	if !ok {
		return &effective
	}

	if override.Security.RateLimitPerMinute != 0 {
		effective.Security.RateLimitPerMinute = override.Security.RateLimitPerMinute
	}
	if override.Security.RateLimitBurst != 0 {
		effective.Security.RateLimitBurst = override.Security.RateLimitBurst
	}
	if override.Webhook.WorkerCount != 0 {
		effective.Webhook = override.Webhook
	}
	if override.Queue.Backend != "" {
		effective.Queue = override.Queue
	}
	if override.Poller.DefaultIntervalMinutes != 0 {
		effective.Poller = override.Poller
	}
	if override.Join.DefaultTimeoutMinutes != 0 {
		effective.Join = override.Join
	}
	if override.Token.RefreshSkewSeconds != 0 {
		effective.Token = override.Token
	}

	return &effective
}

// Reload re-reads the organization overrides file, replacing the in-memory
// map atomically.
func (m *Manager) Reload(orgsPath string) error {
	f, err := os.Open(orgsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var oc OrgsConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return err
	}

	m.mu.Lock()
	m.orgConfigs = oc.Organizations
	m.mu.Unlock()
	return nil
}
