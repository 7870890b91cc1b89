package remotecache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenthands/remotecache/pkg/core"
	"gopkg.in/yaml.v3"
)

type Config = core.Config
type LocalDiskConfig = core.LocalDiskConfig
type CloudConfig = core.CloudConfig
type TransformConfig = core.TransformConfig
type FetchConfig = core.FetchConfig
type LimitsConfig = core.LimitsConfig
type LogConfig = core.LogConfig
type MetricsConfig = core.MetricsConfig
type SweepConfig = core.SweepConfig

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config: %v", core.ErrInvalidInput, err)
	}
	return cfg, nil
}

// withDefaults fills in the directory layout and backend choice.
func withDefaults(cfg Config) (Config, error) {
	if cfg.Backend == "" {
		cfg.Backend = core.BackendMemory
		if cfg.LocalDisk.Dir != "" {
			cfg.Backend = core.BackendLocalDisk
		}
	}
	switch cfg.Backend {
	case core.BackendMemory:
	case core.BackendLocalDisk:
		if cfg.LocalDisk.Dir == "" {
			return cfg, fmt.Errorf("%w: local_disk.dir is required", core.ErrInvalidInput)
		}
	case core.BackendCloud:
	default:
		return cfg, fmt.Errorf("%w: unknown backend %q", core.ErrInvalidInput, cfg.Backend)
	}

	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "remotecache-staging")
	}
	if cfg.Cloud.StagingDir == "" {
		cfg.Cloud.StagingDir = cfg.StagingDir
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "remotecache"
	}
	return cfg, nil
}
