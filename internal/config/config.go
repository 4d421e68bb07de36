// Package config loads the collector's declarative configuration: a
// YAML file read through viper, with per-venue secrets (api_key,
// api_secret) overridable from a sibling .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// VenueConfig configures one venue's adaptor, scheduler and subscription
// manager.
type VenueConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Kind selects the adaptor implementation: "outcome" for venues that
	// subscribe by (market_id, outcome_id) ticker pairs, "token" for
	// venues that subscribe by a single per-outcome token.
	Kind                   string `mapstructure:"kind"`
	APIKey                 string `mapstructure:"api_key"`
	APISecret              string `mapstructure:"api_secret"`
	WSURL                  string `mapstructure:"ws_url"`
	RestURL                string `mapstructure:"rest_url"`
	MaxSubs                int    `mapstructure:"max_subs"`
	HotCount               int    `mapstructure:"hot_count"`
	RotationPeriodSecs     int    `mapstructure:"rotation_period_secs"`
	SnapshotIntervalMsHot  int    `mapstructure:"snapshot_interval_ms_hot"`
	SnapshotIntervalMsWarm int    `mapstructure:"snapshot_interval_ms_warm"`
	ChurnLimitPerMinute    int    `mapstructure:"subscription_churn_limit_per_minute"`
}

// RotationPeriod returns the rotation period as a time.Duration.
func (v VenueConfig) RotationPeriod() time.Duration {
	return time.Duration(v.RotationPeriodSecs) * time.Second
}

// HotInterval returns the HOT sampling interval as a time.Duration.
func (v VenueConfig) HotInterval() time.Duration {
	return time.Duration(v.SnapshotIntervalMsHot) * time.Millisecond
}

// WarmInterval returns the WARM sampling interval as a time.Duration.
func (v VenueConfig) WarmInterval() time.Duration {
	return time.Duration(v.SnapshotIntervalMsWarm) * time.Millisecond
}

// StorageConfig configures the columnar writer.
type StorageConfig struct {
	TopK          int `mapstructure:"top_k"`
	FlushRows     int `mapstructure:"flush_rows"`
	FlushSeconds  int `mapstructure:"flush_seconds"`
	BucketMinutes int `mapstructure:"bucket_minutes"`
}

// RotationConfig toggles the scheduler's rotation loop globally.
type RotationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MockConfig configures the in-process synthetic venue used for local
// development and the end-to-end test scenarios.
type MockConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MarketsPerVenue int  `mapstructure:"markets_per_venue"`
}

// Config is the top-level collector configuration.
type Config struct {
	DataDir  string                 `mapstructure:"data_dir"`
	Venues   map[string]VenueConfig `mapstructure:"venues"`
	Storage  StorageConfig          `mapstructure:"storage"`
	Rotation RotationConfig         `mapstructure:"rotation"`
	Mock     MockConfig             `mapstructure:"mock"`
}

// Load reads path through viper with the documented defaults set first,
// then layers in api_key/api_secret overrides from a sibling .env file
// named VENUE_API_KEY / VENUE_API_SECRET (venue name upper-cased).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SURVEILLANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("storage.top_k", 50)
	v.SetDefault("storage.flush_rows", 50000)
	v.SetDefault("storage.flush_seconds", 5)
	v.SetDefault("storage.bucket_minutes", 5)
	v.SetDefault("rotation.enabled", true)
	v.SetDefault("mock.enabled", false)
	v.SetDefault("mock.markets_per_venue", 50)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for name, vc := range cfg.Venues {
		applyVenueDefaults(&vc)
		overrideVenueSecrets(name, &vc)
		cfg.Venues[name] = vc
	}

	return &cfg, nil
}

func applyVenueDefaults(vc *VenueConfig) {
	if vc.MaxSubs == 0 {
		vc.MaxSubs = 200
	}
	if vc.HotCount == 0 {
		vc.HotCount = 40
	}
	if vc.RotationPeriodSecs == 0 {
		vc.RotationPeriodSecs = 180
	}
	if vc.SnapshotIntervalMsHot == 0 {
		vc.SnapshotIntervalMsHot = 2000
	}
	if vc.SnapshotIntervalMsWarm == 0 {
		vc.SnapshotIntervalMsWarm = 10000
	}
	if vc.ChurnLimitPerMinute == 0 {
		vc.ChurnLimitPerMinute = 20
	}
}

func overrideVenueSecrets(name string, vc *VenueConfig) {
	upper := strings.ToUpper(name)
	if key := os.Getenv(upper + "_API_KEY"); key != "" {
		vc.APIKey = key
	}
	if secret := os.Getenv(upper + "_API_SECRET"); secret != "" {
		vc.APISecret = secret
	}
}

// Validate checks cross-field invariants the YAML file alone cannot
// express: scheduler capacity discipline and enabled-venue sanity.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	anyEnabled := c.Mock.Enabled
	for name, vc := range c.Venues {
		if !vc.Enabled {
			continue
		}
		anyEnabled = true
		if vc.MaxSubs <= 0 {
			return fmt.Errorf("venues.%s.max_subs must be > 0", name)
		}
		if vc.HotCount > vc.MaxSubs {
			return fmt.Errorf("venues.%s.hot_count (%d) exceeds max_subs (%d)", name, vc.HotCount, vc.MaxSubs)
		}
		if vc.WSURL == "" {
			return fmt.Errorf("venues.%s.ws_url is required", name)
		}
		if vc.Kind != "outcome" && vc.Kind != "token" {
			return fmt.Errorf("venues.%s.kind must be \"outcome\" or \"token\", got %q", name, vc.Kind)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("no venue enabled (set venues.<name>.enabled or mock.enabled)")
	}
	return nil
}
