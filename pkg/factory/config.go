package factory

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds the factory's tunables. All fields may be changed between
// cycles by editing the config file; a file that fails validation leaves
// the previous values in force.
type Config struct {
	// ManagerName is the regular expression selecting managers to serve.
	ManagerName string `yaml:"manager-name"`

	// ForemenName optionally selects foremen; when set, tasks already
	// running on managers are assumed to be counted by the foremen.
	ForemenName string `yaml:"foremen-name"`

	BatchType string `yaml:"batch-type"`

	MinWorkers      int `yaml:"min-workers"`
	MaxWorkers      int `yaml:"max-workers"`
	WorkersPerCycle int `yaml:"workers-per-cycle"`
	TasksPerWorker  int `yaml:"tasks-per-worker"`

	// WorkerTimeout is the per-worker idle timeout, in seconds, passed to
	// each worker so unused workers drain away.
	WorkerTimeout int `yaml:"worker-timeout"`

	Cores    int64 `yaml:"cores"`
	MemoryMB int64 `yaml:"memory"`
	DiskMB   int64 `yaml:"disk"`
	GPUs     int64 `yaml:"gpus"`

	ConsiderCapacity bool `yaml:"consider-capacity"`
	Autosize         bool `yaml:"autosize"`

	// FactoryTimeout is how long, in seconds, the factory keeps running
	// with no matching manager before exiting. Zero disables the timeout.
	FactoryTimeout int `yaml:"factory-timeout"`

	// WorkerCommand is the worker executable submitted to the backend.
	WorkerCommand string `yaml:"worker-command"`

	// WorkerExtraOptions is pass-through option text appended to every
	// worker command line.
	WorkerExtraOptions string `yaml:"worker-extra-options"`

	// CondorRequirements is extra requirements text for the condor backend.
	CondorRequirements string `yaml:"condor-requirements"`

	// BatchOptions is extra flag text for every backend submission.
	BatchOptions string `yaml:"batch-options"`
}

// DefaultConfig returns the baseline the config file overrides.
func DefaultConfig() Config {
	return Config{
		BatchType:       "local",
		MinWorkers:      0,
		MaxWorkers:      100,
		WorkersPerCycle: 5,
		TasksPerWorker:  -1,
		WorkerTimeout:   300,
		Cores:           1,
		MemoryMB:        types.ResourceUnset,
		DiskMB:          types.ResourceUnset,
		GPUs:            types.ResourceUnset,
		WorkerCommand:   "./burrow_worker",
	}
}

// Validate rejects configurations the control loop cannot run with.
func (c *Config) Validate() error {
	if c.ManagerName == "" {
		return fmt.Errorf("manager-name is required")
	}
	if c.MinWorkers < 0 || c.MaxWorkers < 0 || c.WorkersPerCycle < 0 {
		return fmt.Errorf("worker counts must be non-negative")
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min-workers (%d) exceeds max-workers (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.FactoryTimeout < 0 {
		return fmt.Errorf("factory-timeout must be non-negative")
	}
	if c.WorkerTimeout < 0 {
		return fmt.Errorf("worker-timeout must be non-negative")
	}
	return nil
}

// LoadConfig reads and validates a config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// resources renders the configured per-worker request.
func (c *Config) resources() *types.Resources {
	r := types.NewResources()
	r.Cores = c.Cores
	r.MemoryMB = c.MemoryMB
	r.DiskMB = c.DiskMB
	r.GPUs = c.GPUs
	return r
}
