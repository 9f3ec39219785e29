// Package config loads the daemon's structured configuration: a YAML file
// parsed into typed structs and overlaid with AGENTOPS_-prefixed
// environment variables (SPEC_FULL §6 "Configuration loading").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fleetops/agentops/coordinator"
	"github.com/fleetops/agentops/router"
	"github.com/fleetops/agentops/streaming"
	"github.com/fleetops/agentops/subscribers/journal"
	"github.com/fleetops/agentops/subscribers/querystore"
)

// Config is the root of the daemon's configuration file.
type Config struct {
	Metrics     MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Router      RouterConfig       `yaml:"router" mapstructure:"router"`
	Coordinator coordinator.Config `yaml:"coordinator" mapstructure:"coordinator"`
	Streaming   streaming.Config   `yaml:"streaming" mapstructure:"streaming"`
	Journal     journal.Config     `yaml:"journal" mapstructure:"journal"`
	QueryStore  QueryStoreConfig   `yaml:"querystore" mapstructure:"querystore"`
	Cluster     ClusterConfig      `yaml:"cluster" mapstructure:"cluster"`
}

// ClusterConfig controls the optional Redis-backed cross-instance event
// bridge (streaming.ClusterBridge). Enabled is false by default: a single
// fleetd instance has no use for it, and most deployments run one.
type ClusterConfig struct {
	Enabled bool                          `yaml:"enabled" mapstructure:"enabled"`
	Redis   streaming.ClusterBridgeConfig `yaml:"redis" mapstructure:"redis"`
}

// MetricsConfig controls the Metrics Aggregator (C3) and its Prometheus
// namespace.
type MetricsConfig struct {
	MaxRecords int    `yaml:"max_records" mapstructure:"max_records"`
	Namespace  string `yaml:"namespace" mapstructure:"namespace"`
}

// RouterConfig is the YAML-facing shape of router.Config; Tiers is keyed by
// tier name as a string since YAML map keys can't be router.Tier directly
// through viper's mapstructure decoding.
type RouterConfig struct {
	Tiers              map[string]TierConfig `yaml:"tiers" mapstructure:"tiers"`
	DefaultTier        string                `yaml:"default_tier" mapstructure:"default_tier"`
	PreferFreeTier     bool                  `yaml:"prefer_free_tier" mapstructure:"prefer_free_tier"`
	UpgradeOnFailure   bool                  `yaml:"upgrade_on_failure" mapstructure:"upgrade_on_failure"`
	MaxUpgradeAttempts int                   `yaml:"max_upgrade_attempts" mapstructure:"max_upgrade_attempts"`
	ForceStrongFor     []string              `yaml:"force_strong_for" mapstructure:"force_strong_for"`
}

// TierConfig is the YAML-facing shape of router.TierConfig.
type TierConfig struct {
	Candidates        []CandidateConfig `yaml:"candidates" mapstructure:"candidates"`
	MaxContextWindow  int               `yaml:"max_context_window" mapstructure:"max_context_window"`
	MaxTaskComplexity int               `yaml:"max_task_complexity" mapstructure:"max_task_complexity"`
}

// CandidateConfig is the YAML-facing shape of router.Candidate.
type CandidateConfig struct {
	Name           string  `yaml:"name" mapstructure:"name"`
	Priority       int     `yaml:"priority" mapstructure:"priority"`
	CostMultiplier float64 `yaml:"cost_multiplier" mapstructure:"cost_multiplier"`
	Provider       string  `yaml:"provider" mapstructure:"provider"`
	ContextWindow  int     `yaml:"context_window" mapstructure:"context_window"`
}

// QueryStoreConfig is the YAML-facing shape of querystore.Config plus the
// Postgres DSN the composition root uses to open the connection pool.
type QueryStoreConfig struct {
	DSN           string        `yaml:"dsn" mapstructure:"dsn"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ToRouterConfig converts the YAML-facing RouterConfig into router.Config,
// the shape router.New actually consumes.
func (c RouterConfig) ToRouterConfig() (router.Config, error) {
	tiers := make(map[router.Tier]router.TierConfig, len(c.Tiers))
	for name, tc := range c.Tiers {
		tier := router.Tier(name)
		candidates := make([]router.Candidate, 0, len(tc.Candidates))
		for _, cc := range tc.Candidates {
			candidates = append(candidates, router.Candidate{
				Name:           cc.Name,
				Priority:       cc.Priority,
				CostMultiplier: cc.CostMultiplier,
				Provider:       cc.Provider,
				ContextWindow:  cc.ContextWindow,
			})
		}
		tiers[tier] = router.TierConfig{
			Name:              tier,
			Candidates:        candidates,
			MaxContextWindow:  tc.MaxContextWindow,
			MaxTaskComplexity: tc.MaxTaskComplexity,
		}
	}

	forceStrong := make(map[string]struct{}, len(c.ForceStrongFor))
	for _, t := range c.ForceStrongFor {
		forceStrong[t] = struct{}{}
	}

	if c.DefaultTier == "" {
		return router.Config{}, fmt.Errorf("config: router.default_tier is required")
	}

	return router.Config{
		Tiers:              tiers,
		DefaultTier:        router.Tier(c.DefaultTier),
		PreferFreeTier:     c.PreferFreeTier,
		UpgradeOnFailure:   c.UpgradeOnFailure,
		MaxUpgradeAttempts: c.MaxUpgradeAttempts,
		ForceStrongFor:     forceStrong,
	}, nil
}

// ToQueryStoreConfig converts the YAML-facing QueryStoreConfig into the
// plain querystore.Config the subscriber constructor consumes (the DSN is
// consumed separately by the composition root to open the *sqlx.DB).
func (c QueryStoreConfig) ToQueryStoreConfig() querystore.Config {
	return querystore.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		MaxRetries:    c.MaxRetries,
	}
}

// envPrefix is the prefix viper requires on every overriding environment
// variable (SPEC_FULL §6: "AGENTOPS_-prefixed env vars").
const envPrefix = "AGENTOPS"

// Load reads the YAML file at path, overlays AGENTOPS_-prefixed
// environment variables, and decodes the result into Config.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics.max_records", 10000)
	v.SetDefault("metrics.namespace", "agentops")
	v.SetDefault("router.prefer_free_tier", false)
	v.SetDefault("router.upgrade_on_failure", true)
	v.SetDefault("router.max_upgrade_attempts", 2)
	v.SetDefault("coordinator.max_parallel", 4)
	v.SetDefault("coordinator.task_timeout_ms", 30000)
	v.SetDefault("streaming.host", "0.0.0.0")
	v.SetDefault("streaming.port", 8080)
	v.SetDefault("streaming.max_connections", 1000)
	v.SetDefault("streaming.send_queue_max", 256)
	v.SetDefault("streaming.client_grace_ms", 5000)
	v.SetDefault("streaming.control_frame_rps", 5.0)
	v.SetDefault("streaming.retry_backoff_max", 30*time.Second)
	v.SetDefault("journal.max_segment_size", 64<<20)
	v.SetDefault("journal.max_segment_age", time.Hour)
	v.SetDefault("querystore.batch_size", 200)
	v.SetDefault("querystore.flush_interval", time.Second)
	v.SetDefault("querystore.max_retries", 3)
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.redis.addr", "localhost:6379")
	v.SetDefault("cluster.redis.channel", streaming.DefaultClusterChannel)
}

// Validate performs the structural checks `fleetd config validate` runs
// before a `serve` startup is attempted.
func Validate(cfg Config) error {
	if _, err := cfg.Router.ToRouterConfig(); err != nil {
		return err
	}
	if cfg.Streaming.Port <= 0 {
		return fmt.Errorf("config: streaming.port must be positive")
	}
	if cfg.Journal.Dir == "" {
		return fmt.Errorf("config: journal.dir is required")
	}
	if cfg.QueryStore.DSN == "" {
		return fmt.Errorf("config: querystore.dsn is required")
	}
	return nil
}

// MarshalYAML renders cfg back to YAML, used by `fleetd config validate
// --print` to show the fully-resolved configuration including defaults and
// environment overrides.
func MarshalYAML(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
