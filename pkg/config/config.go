// Package config loads the controller configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/helmstead/helmstead/pkg/engine"
	"github.com/helmstead/helmstead/pkg/installer"
	"github.com/helmstead/helmstead/pkg/telemetry"
)

// Config is the root controller configuration.
type Config struct {
	// ControllerID identifies this controller in join grants and events.
	ControllerID string `yaml:"controller_id" validate:"required"`

	// DataDir is the root directory for controller state.
	DataDir string `yaml:"data_dir"`

	// StorePath is the SQLite database path. Defaults to
	// <data_dir>/helmstead.db.
	StorePath string `yaml:"store_path"`

	// CAFingerprint is the cluster CA fingerprint embedded in join grants.
	CAFingerprint string `yaml:"ca_fingerprint"`

	// Nodes declares the cluster topology.
	Nodes []NodeConfig `yaml:"nodes" validate:"dive"`

	// Source configures the desired-state manifests.
	Source SourceConfig `yaml:"source"`

	// Sync configures the executor and differ.
	Sync SyncConfig `yaml:"sync"`

	// Join configures the join coordinator.
	Join JoinConfig `yaml:"join"`

	// Policy configures plan gating.
	Policy PolicyConfig `yaml:"policy"`

	// Addons lists Helm releases ensured at bootstrap.
	Addons []installer.Release `yaml:"addons"`

	// Telemetry configures logging, metrics, tracing, and events.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// NodeConfig declares one topology node.
type NodeConfig struct {
	ID      string          `yaml:"id" validate:"required"`
	Address string          `yaml:"address" validate:"required"`
	Role    engine.NodeRole `yaml:"role" validate:"required,oneof=controller worker"`
}

// SourceConfig configures the desired-state source.
type SourceConfig struct {
	// Dir is the manifest directory.
	Dir string `yaml:"dir" validate:"required"`

	// PollInterval is the drift polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SyncConfig configures plan computation and execution.
type SyncConfig struct {
	// MaxParallel bounds concurrent actions within a level.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// MaxRetries bounds transient-failure retries per action.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// BaseBackoff is the initial retry delay.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// ActionTimeout bounds a single action attempt.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// Prune enables deletion of orphan workloads during explicit syncs.
	Prune bool `yaml:"prune"`

	// SelfHeal enables corrective passes from the drift watcher.
	SelfHeal bool `yaml:"self_heal"`
}

// JoinConfig configures the join coordinator.
type JoinConfig struct {
	// TokenTTL bounds join token validity.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// MaxRetries bounds registration handshake attempts.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// HandshakeTimeout bounds a single registration attempt.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// PolicyConfig configures plan gating.
type PolicyConfig struct {
	// Dir holds additional operator .rego policies.
	Dir string `yaml:"dir"`

	// AllowedRegistries restricts workload images when non-empty.
	AllowedRegistries []string `yaml:"allowed_registries"`

	// Protected lists workloads that must never be deleted.
	Protected []string `yaml:"protected"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	cfg := &Config{
		ControllerID: "helmstead",
		DataDir:      "/var/lib/helmstead",
		Source: SourceConfig{
			Dir:          "manifests",
			PollInterval: 30 * time.Second,
		},
		Sync: SyncConfig{
			MaxParallel:   4,
			MaxRetries:    3,
			BaseBackoff:   500 * time.Millisecond,
			ActionTimeout: 5 * time.Minute,
			SelfHeal:      true,
		},
		Join: JoinConfig{
			TokenTTL:         15 * time.Minute,
			MaxRetries:       3,
			HandshakeTimeout: 30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
	return cfg
}

// Load reads and validates a YAML configuration file, filling unset
// fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "helmstead.db")
	}
	if c.Source.PollInterval <= 0 {
		c.Source.PollInterval = 30 * time.Second
	}
	if c.Sync.MaxParallel == 0 {
		c.Sync.MaxParallel = 4
	}
	if c.Sync.BaseBackoff <= 0 {
		c.Sync.BaseBackoff = 500 * time.Millisecond
	}
	if c.Sync.ActionTimeout <= 0 {
		c.Sync.ActionTimeout = 5 * time.Minute
	}
	if c.Join.TokenTTL <= 0 {
		c.Join.TokenTTL = 15 * time.Minute
	}
	if c.Join.MaxRetries == 0 {
		c.Join.MaxRetries = 3
	}
	if c.Join.HandshakeTimeout <= 0 {
		c.Join.HandshakeTimeout = 30 * time.Second
	}
}

// Validate checks the configuration, including duplicate node IDs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, node := range c.Nodes {
		if seen[node.ID] {
			return fmt.Errorf("duplicate node id: %s", node.ID)
		}
		seen[node.ID] = true
	}
	return nil
}
