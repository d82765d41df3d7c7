package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /tmp/sf-test
scan:
  quiet_window: 5s
queue:
  high:
    capacity: 64
    weight: 4
    policy: reject
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/sf-test", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Scan.QuietWindow)
	assert.Equal(t, 64, cfg.Queue.High.Capacity)
	assert.Equal(t, PolicyReject, cfg.Queue.High.Policy)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Scan.AbortGrace)
	assert.Equal(t, 1024, cfg.Bus.WindowSize)
	assert.Equal(t, 5, cfg.Retry.Ceiling)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero window size", func(c *Config) { c.Bus.WindowSize = 0 }},
		{"zero lane capacity", func(c *Config) { c.Queue.Normal.Capacity = 0 }},
		{"zero lane weight", func(c *Config) { c.Queue.Low.Weight = 0 }},
		{"bogus lane policy", func(c *Config) { c.Queue.High.Policy = "spill" }},
		{"threshold above one", func(c *Config) { c.Queue.PressureThresholds = []float64{1.5} }},
		{"zero quiet window", func(c *Config) { c.Scan.QuietWindow = 0 }},
		{"zero retry ceiling", func(c *Config) { c.Retry.Ceiling = 0 }},
		{"retry factor below one", func(c *Config) { c.Retry.Factor = 0.5 }},
		{"unknown strategy", func(c *Config) { c.Coordinator.Strategy = "alphabetical" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWorkerCount(t *testing.T) {
	cfg := Default()
	cfg.Worker.Count = 12
	assert.Equal(t, 12, cfg.WorkerCount())

	cfg.Worker.Count = 0
	assert.Greater(t, cfg.WorkerCount(), 0)
}
