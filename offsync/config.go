// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ResolutionPolicy is the automatic conflict handling configured per
// entity type. The safe default is hold: conflicts wait for explicit
// user resolution.
type ResolutionPolicy string

const (
	PolicyHold       ResolutionPolicy = "hold"
	PolicyServerWins ResolutionPolicy = "serverWins"
	PolicyLocalWins  ResolutionPolicy = "localWins"
)

// Duration wraps time.Duration for YAML values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the sync layer configuration.
type Config struct {
	// SyncScope lists the entity types pulled during the pull phase.
	SyncScope []EntityType `yaml:"sync_scope"`

	// Resolution maps entity types to an automatic resolution policy.
	// Unlisted types default to hold. serverWins/localWins are rejected
	// for clinical and financial entity types.
	Resolution map[EntityType]ResolutionPolicy `yaml:"resolution"`

	NetworkTimeout Duration `yaml:"network_timeout"`
	CacheExpiry    Duration `yaml:"cache_expiry"`
	SyncInterval   Duration `yaml:"sync_interval"`
	DownloadLimit  int      `yaml:"download_limit"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the YAML shape of BackoffPolicy.
type BackoffConfig struct {
	Min         Duration `yaml:"min"`
	Max         Duration `yaml:"max"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// DefaultConfig returns the configuration used absent a config file:
// every clinic entity type in scope, hold-only resolution, timings
// matching the background sync loop defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncScope: []EntityType{
			EntityPatients, EntityVisits, EntityAppointments,
			EntityPrescriptions, EntityInvoices, EntityLabOrders,
			EntityPreferences,
		},
		Resolution:     map[EntityType]ResolutionPolicy{},
		NetworkTimeout: Duration(15 * time.Second),
		CacheExpiry:    Duration(24 * time.Hour),
		SyncInterval:   Duration(30 * time.Second),
		DownloadLimit:  500,
		Backoff: BackoffConfig{
			Min:         Duration(1 * time.Second),
			Max:         Duration(60 * time.Second),
			MaxAttempts: 5,
		},
	}
}

// LoadConfig reads and validates a YAML config file, applying defaults
// for absent fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects invalid or unsafe configurations.
func (c *Config) Validate() error {
	if len(c.SyncScope) == 0 {
		return fmt.Errorf("sync_scope must list at least one entity type")
	}
	for t, policy := range c.Resolution {
		switch policy {
		case PolicyHold, PolicyServerWins, PolicyLocalWins:
		default:
			return fmt.Errorf("unknown resolution policy %q for entity type %q", policy, t)
		}
		if policy != PolicyHold && IsClinical(t) {
			return fmt.Errorf("automatic resolution policy %q is not allowed for clinical/financial entity type %q", policy, t)
		}
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("backoff.max_attempts must be >= 1")
	}
	if c.Backoff.Min.Std() <= 0 || c.Backoff.Max.Std() < c.Backoff.Min.Std() {
		return fmt.Errorf("backoff.min must be > 0 and <= backoff.max")
	}
	if c.NetworkTimeout.Std() <= 0 {
		return fmt.Errorf("network_timeout must be > 0")
	}
	if c.DownloadLimit <= 0 {
		return fmt.Errorf("download_limit must be > 0")
	}
	return nil
}

// PolicyFor returns the resolution policy for an entity type.
func (c *Config) PolicyFor(t EntityType) ResolutionPolicy {
	if p, ok := c.Resolution[t]; ok {
		return p
	}
	return PolicyHold
}

// BackoffPolicy converts the YAML backoff section.
func (c *Config) BackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Min:         c.Backoff.Min.Std(),
		Max:         c.Backoff.Max.Std(),
		MaxAttempts: c.Backoff.MaxAttempts,
	}
}
