package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with manager", func(c *Config) { c.ManagerName = "x" }, true},
		{"missing manager name", func(c *Config) {}, false},
		{"min over max", func(c *Config) { c.ManagerName = "x"; c.MinWorkers = 5; c.MaxWorkers = 2 }, false},
		{"negative per-cycle", func(c *Config) { c.ManagerName = "x"; c.WorkersPerCycle = -1 }, false},
		{"negative factory timeout", func(c *Config) { c.ManagerName = "x"; c.FactoryTimeout = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
manager-name: "proj-.*"
batch-type: slurm
min-workers: 2
max-workers: 20
workers-per-cycle: 5
tasks-per-worker: 5
cores: 4
memory: 8192
consider-capacity: true
worker-extra-options: "--debug"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "proj-.*", cfg.ManagerName)
	assert.Equal(t, "slurm", cfg.BatchType)
	assert.Equal(t, 2, cfg.MinWorkers)
	assert.Equal(t, 20, cfg.MaxWorkers)
	assert.Equal(t, 5, cfg.TasksPerWorker)
	assert.Equal(t, int64(4), cfg.Cores)
	assert.Equal(t, int64(8192), cfg.MemoryMB)
	assert.True(t, cfg.ConsiderCapacity)
	assert.Equal(t, "--debug", cfg.WorkerExtraOptions)

	// Unset fields keep their defaults.
	assert.Equal(t, 300, cfg.WorkerTimeout)
	assert.Equal(t, "./burrow_worker", cfg.WorkerCommand)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("manager-name: x\nmin-workers: 9\nmax-workers: 3\n"), 0644))
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min-workers")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
