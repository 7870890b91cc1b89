package core

import (
	"time"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory    = "memory"
	BackendLocalDisk = "local_disk"
	BackendCloud     = "cloud"
)

type Config struct {
	Backend string `yaml:"backend"`

	// StagingDir holds temp files produced by streaming ingestion.
	StagingDir string `yaml:"staging_dir"`

	LocalDisk LocalDiskConfig `yaml:"local_disk"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Limits    LimitsConfig    `yaml:"limits"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

type LocalDiskConfig struct {
	Dir string `yaml:"dir"` // repo root; holds database/ and large_blob/

	// Engine selects the embedded ordered store: pebble (default), badger or bolt.
	Engine    string          `yaml:"engine"`
	Transform TransformConfig `yaml:"transform"`
	SyncWrite bool            `yaml:"sync_write"`
}

type TransformConfig struct {
	Name      string `yaml:"name"` // none | zstd
	ZstdLevel int    `yaml:"zstd_level"`
}

type CloudConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"` // optional S3-compatible endpoint

	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`

	MetadataEndpoint string `yaml:"metadata_endpoint"` // redis host:port
	MetadataPassword string `yaml:"metadata_password"`
	MetadataDB       int    `yaml:"metadata_db"`

	StagingDir string `yaml:"staging_dir"`

	// Blobs up to InlineBlobBytes are downloaded into memory instead of a staged file.
	InlineBlobBytes int64 `yaml:"inline_blob_bytes"`
	// HotCacheMB bounds the in-process cache of small downloaded blobs. Zero disables it.
	HotCacheMB   int           `yaml:"hot_cache_mb"`
	HotCacheTTL  time.Duration `yaml:"hot_cache_ttl"`
	HeadParallel int           `yaml:"head_parallel"`
}

type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type LimitsConfig struct {
	MaxOutputFiles  int `yaml:"max_output_files"`
	MaxPathLen      int `yaml:"max_path_len"`
	MaxInlineOutput int `yaml:"max_inline_output"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
	File   string `yaml:"file"`

	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RunEvery time.Duration `yaml:"run_every"`
	// MaxAge is judged by mtime. Staged downloads refresh theirs while read, but
	// an upload that sends nothing for longer than MaxAge loses its temp file
	// and fails, so MaxAge must exceed the longest tolerated client stall.
	MaxAge time.Duration `yaml:"max_age"`
}
