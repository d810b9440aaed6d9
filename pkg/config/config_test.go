package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, uint64(20), cfg.Chain.RequiredConfirmations)
	assert.Equal(t, uint64(100), cfg.Chain.ScanChunk)
	assert.Equal(t, 1500, cfg.Chain.PlatformFeeBps)
	assert.Equal(t, 5*time.Minute, cfg.Billing.Interval)
	assert.Equal(t, 90*time.Second, cfg.Nodes.HeartbeatDeadline)
	assert.Equal(t, 4000.0, cfg.Sched.TierMinBenchmark["guaranteed"])
	assert.Equal(t, 1.0, cfg.Sched.TierOvercommit["guaranteed"])
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
domain: vms.example.com
chain:
  requiredConfirmations: 12
  platformFeeBps: 1000
billing:
  interval: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	t.Setenv("DECLOUD_RPC_URL", "https://rpc.example")
	t.Setenv("DECLOUD_TOKEN_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "vms.example.com", cfg.Domain)
	assert.Equal(t, uint64(12), cfg.Chain.RequiredConfirmations)
	assert.Equal(t, 1000, cfg.Chain.PlatformFeeBps)
	assert.Equal(t, 10*time.Minute, cfg.Billing.Interval)
	assert.Equal(t, "https://rpc.example", cfg.Chain.RPCURL)
	assert.Equal(t, "s3cret", cfg.API.TokenSecret)

	// untouched sections keep defaults
	assert.Equal(t, uint64(100), cfg.Chain.ScanChunk)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Chain.ScanChunk = 500
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Billing.Interval = time.Second
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Chain.PlatformFeeBps = 20000
	assert.Error(t, cfg.Validate())
}
