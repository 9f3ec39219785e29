package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/config"
	"github.com/fleetops/agentops/router"
	"github.com/fleetops/agentops/streaming"
)

const sampleYAML = `
metrics:
  max_records: 5000
  namespace: testops
router:
  default_tier: base
  prefer_free_tier: true
  tiers:
    weak:
      candidates:
        - name: claude-haiku
          priority: 0
          cost_multiplier: 0.25
    base:
      candidates:
        - name: claude-sonnet
          priority: 0
          cost_multiplier: 1.0
    strong:
      candidates:
        - name: claude-opus
          priority: 0
          cost_multiplier: 5.0
coordinator:
  max_parallel: 8
  task_timeout_ms: 15000
streaming:
  host: 127.0.0.1
  port: 9091
journal:
  dir: /var/log/agentops
querystore:
  dsn: postgres://localhost/agentops
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadDecodesYAMLIntoTypedConfig(t *testing.T) {
	path := writeSample(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, 5000, cfg.Metrics.MaxRecords)
	require.Equal(t, "testops", cfg.Metrics.Namespace)
	require.Equal(t, "base", cfg.Router.DefaultTier)
	require.True(t, cfg.Router.PreferFreeTier)
	require.Equal(t, 8, cfg.Coordinator.MaxParallel)
	require.EqualValues(t, 15000, cfg.Coordinator.TaskTimeoutMs)
	require.Equal(t, "127.0.0.1", cfg.Streaming.Host)
	require.Equal(t, 9091, cfg.Streaming.Port)
	require.Equal(t, "/var/log/agentops", cfg.Journal.Dir)
	require.Equal(t, "postgres://localhost/agentops", cfg.QueryStore.DSN)

	// Defaults fill in values the sample file leaves unset.
	require.Equal(t, 256, cfg.Streaming.SendQueueMax)
	require.Equal(t, 30*time.Second, cfg.Streaming.RetryBackoffMax)
	require.Equal(t, 200, cfg.QueryStore.BatchSize)
	require.False(t, cfg.Cluster.Enabled)
	require.Equal(t, "localhost:6379", cfg.Cluster.Redis.Addr)
	require.Equal(t, streaming.DefaultClusterChannel, cfg.Cluster.Redis.Channel)
}

func TestLoadDecodesClusterSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlWithCluster := sampleYAML + `
cluster:
  enabled: true
  redis:
    addr: redis.internal:6379
    channel: agentops:events:prod
`
	require.NoError(t, os.WriteFile(path, []byte(yamlWithCluster), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Cluster.Enabled)
	require.Equal(t, "redis.internal:6379", cfg.Cluster.Redis.Addr)
	require.Equal(t, "agentops:events:prod", cfg.Cluster.Redis.Channel)
}

func TestLoadAppliesEnvironmentOverride(t *testing.T) {
	path := writeSample(t)
	t.Setenv("AGENTOPS_STREAMING_PORT", "7000")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Streaming.Port)
}

func TestToRouterConfigBuildsTierMap(t *testing.T) {
	path := writeSample(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	rcfg, err := cfg.Router.ToRouterConfig()
	require.NoError(t, err)
	require.Equal(t, router.TierBase, rcfg.DefaultTier)
	require.Len(t, rcfg.Tiers, 3)
	require.Equal(t, "claude-sonnet", rcfg.Tiers[router.TierBase].Candidates[0].Name)

	_, err = router.New(rcfg)
	require.NoError(t, err)
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := config.Config{}
	require.Error(t, config.Validate(cfg))
}

func TestValidatePassesForCompleteSample(t *testing.T) {
	path := writeSample(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))
}
