// Package config manages the global scheduler configuration.
// Defaults are loaded from an embedded YAML file; the live config is stored
// in a single DB row and read/written via the ConfigStore interface.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration.
type Data struct {
	// DailyCap is the maximum number of successful sends (sent+delivered)
	// permitted within a single IST day. Must be a positive integer —
	// the core never allows disabling the cap.
	DailyCap int `json:"daily_cap" yaml:"daily_cap"`
	// WarnPct is the percentage of DailyCap at which RateLimitWarning
	// first fires (floor(dailyCap * warnPct / 100)).
	WarnPct int `json:"warn_pct" yaml:"warn_pct"`

	// MinDispatchDelayMS/MaxDispatchDelayMS bound the Dispatcher's
	// inter-send pacing sleep: U(min, max) milliseconds.
	MinDispatchDelayMS int `json:"min_dispatch_delay_ms" yaml:"min_dispatch_delay_ms"`
	MaxDispatchDelayMS int `json:"max_dispatch_delay_ms" yaml:"max_dispatch_delay_ms"`
	// JobConcurrencyGapMS is the Job Runtime's minimum gap between
	// dequeues, floored at 2000ms per the pacing invariant.
	JobConcurrencyGapMS int `json:"job_concurrency_gap_ms" yaml:"job_concurrency_gap_ms"`

	// ReconnectBaseDelay/MaxDelay/MaxRetryWindow are duration strings
	// (e.g. "1s", "60s", "30m") governing the Connection Manager's
	// exponential backoff and give-up window.
	ReconnectBaseDelay string `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  string `json:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	MaxRetryWindow     string `json:"max_retry_window" yaml:"max_retry_window"`

	// RetentionDays is the Retention Sweeper's terminal-intent cutoff;
	// 0 disables sweeping entirely.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// DefaultSendHour is the local hour (0-23) at which rules created by
	// SyncBirthdayReminder fire; other rules use the hour in their request.
	DefaultSendHour int `json:"default_send_hour" yaml:"default_send_hour"`
	// BirthdayTemplate is the content template for auto-synced birthday
	// rules; "{{name}}" is substituted with the contact's display name.
	BirthdayTemplate string `json:"birthday_template" yaml:"birthday_template"`

	// VaultKDFSaltLen/NonceLen/KeyLen are exposed for tests; production
	// values are fixed at 16/12/32 by the vault package itself.
	VaultKDFSaltLen int `json:"vault_kdf_salt_len" yaml:"vault_kdf_salt_len"`
	VaultNonceLen   int `json:"vault_nonce_len" yaml:"vault_nonce_len"`
	VaultKeyLen     int `json:"vault_key_len" yaml:"vault_key_len"`
}

// ConfigStore is the persistence interface for the live config row.
// Implemented by store/postgres.DB; defined here to avoid circular imports.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, DB-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initialises Global from the DB.
// If the DB row is empty/missing, the embedded default YAML is seeded.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, err
		}
		return g, nil
	}

	// Re-serialise the map → JSON → Data so we benefit from json tags.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// defaults returns the built-in configuration by parsing the embedded YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the DB.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}
