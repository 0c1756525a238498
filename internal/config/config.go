// Package config loads the supervisor daemon's YAML configuration file,
// grounded on provider-daemon/internal/config/config.go's
// LoadConfig/SaveConfig/applyDefaultsIfNotSet trio: create a default file
// if absent, else unmarshal and backfill zero-valued fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

// EventsConfig configures the optional NATS observability publisher
// (spec_full §4.6). Empty URL disables it.
type EventsConfig struct {
	NatsURL        string        `yaml:"nats_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Config holds daemon-level settings: everything that governs the
// supervisor's tick loop rather than any individual run.
type Config struct {
	StateDir       string        `yaml:"state_dir"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	CLITimeout     time.Duration `yaml:"cli_timeout"`
	LogLevel       string        `yaml:"log_level"`
	LogDir         string        `yaml:"log_dir"`

	Events EventsConfig `yaml:"events"`

	// PolicyDefaults seeds model.Policy for runs that do not set a given
	// field themselves.
	PolicyDefaults model.Policy `yaml:"policy_defaults"`
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir:       filepath.Join(home, ".slurm_shepherd"),
		TickInterval:   5 * time.Second,
		WorkerPoolSize: 8,
		CLITimeout:     15 * time.Second,
		LogLevel:       "info",
		LogDir:         filepath.Join(home, ".slurm_shepherd", "logs"),
		Events: EventsConfig{
			NatsURL:        "",
			ConnectTimeout: 5 * time.Second,
		},
		PolicyDefaults: model.DefaultPolicy(),
	}
}

// Load reads path, creating it with defaults if it does not yet exist.
// An existing file has any zero-valued field backfilled from the
// defaults, the same "create-or-backfill" shape as the teacher's
// LoadConfig.
func Load(path string) (*Config, error) {
	defaults := defaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(defaults, path); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	applyDefaultsIfNotSet(&cfg, defaults)
	return &cfg, nil
}

func applyDefaultsIfNotSet(cfg, defaults *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaults.StateDir
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if cfg.CLITimeout == 0 {
		cfg.CLITimeout = defaults.CLITimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaults.LogDir
	}
	if cfg.Events.ConnectTimeout == 0 {
		cfg.Events.ConnectTimeout = defaults.Events.ConnectTimeout
	}

	p, d := &cfg.PolicyDefaults, defaults.PolicyDefaults
	if p.MaxRetries == 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.HeartbeatIntervalSec == 0 {
		p.HeartbeatIntervalSec = d.HeartbeatIntervalSec
	}
	if p.HeartbeatGraceSec == 0 {
		p.HeartbeatGraceSec = d.HeartbeatGraceSec
	}
	if p.BackoffBaseSec == 0 {
		p.BackoffBaseSec = d.BackoffBaseSec
	}
	if p.BackoffMaxSec == 0 {
		p.BackoffMaxSec = d.BackoffMaxSec
	}
	if p.BlacklistLimit == 0 {
		p.BlacklistLimit = d.BlacklistLimit
	}
	if p.BlacklistTTLNodeFaultSec == 0 {
		p.BlacklistTTLNodeFaultSec = d.BlacklistTTLNodeFaultSec
	}
	if p.BlacklistTTLCudaFailureSec == 0 {
		p.BlacklistTTLCudaFailureSec = d.BlacklistTTLCudaFailureSec
	}
	if p.BlacklistTTLTrespasserSec == 0 {
		p.BlacklistTTLTrespasserSec = d.BlacklistTTLTrespasserSec
	}
	if p.UnknownLookupTicks == 0 {
		p.UnknownLookupTicks = d.UnknownLookupTicks
	}
}

// Save marshals cfg to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// EnvStateDirOverride is the environment variable from spec §6 that
// overrides the state root regardless of what the config file says.
const EnvStateDirOverride = "SHEPHERD_STATE_DIR"

// ResolveStateDir applies the SHEPHERD_STATE_DIR override rule.
func (c *Config) ResolveStateDir() string {
	if v := os.Getenv(EnvStateDirOverride); v != "" {
		return v
	}
	return c.StateDir
}
