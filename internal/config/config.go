// Package config provides configuration loading and validation for the
// storage engine. Supports YAML files with environment variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a storage node.
type Config struct {
	Cluster       ClusterConfig       `yaml:"cluster"`
	Storage       StorageConfig       `yaml:"storage"`
	Sweep         SweepConfig         `yaml:"sweep"`
	GC            GCConfig            `yaml:"gc"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Remote        RemoteConfig        `yaml:"remote"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ClusterConfig struct {
	// ClusterID is the id assigned by the cluster coordinator. -1 means
	// not yet assigned.
	ClusterID int32 `yaml:"clusterId" env:"QUARRY_CLUSTER_ID"`
}

// StorePath configures one storage directory.
type StorePath struct {
	Path          string `yaml:"path"`
	CapacityBytes int64  `yaml:"capacityBytes"`
	Medium        string `yaml:"medium"`
}

type StorageConfig struct {
	// RootPaths is the semicolon-separated store path list, e.g.
	// "/data/disk1;/data/disk2.SSD,50". It overrides Paths when set.
	RootPaths string `yaml:"rootPaths" env:"QUARRY_STORAGE_ROOT_PATHS"`

	Paths []StorePath `yaml:"paths"`

	FloodStagePercent      int    `yaml:"floodStagePercent" env:"QUARRY_FLOOD_STAGE_PERCENT"`
	FloodStageLeftBytes    int64  `yaml:"floodStageLeftBytes"`
	MaxErrorDiskPercent    int    `yaml:"maxErrorDiskPercent"`
	MinFileDescriptorLimit uint64 `yaml:"minFileDescriptorLimit"`
	MaxShardsPerStore      uint64 `yaml:"maxShardsPerStore"`

	// BrokenPathsFile persists the broken-path set across restarts.
	BrokenPathsFile string `yaml:"brokenPathsFile"`

	PlacementCursorCacheSize int `yaml:"placementCursorCacheSize"`
}

type SweepConfig struct {
	IntervalSeconds            int `yaml:"intervalSeconds" env:"QUARRY_SWEEP_INTERVAL_SECONDS"`
	TrashExpirySeconds         int `yaml:"trashExpirySeconds" env:"QUARRY_TRASH_EXPIRY_SECONDS"`
	SnapshotExpirySeconds      int `yaml:"snapshotExpirySeconds"`
	DeleteBatchSize            int `yaml:"deleteBatchSize"`
	DeleteBatchIntervalMs      int `yaml:"deleteBatchIntervalMs"`
	DiskStatIntervalSeconds    int `yaml:"diskStatIntervalSeconds"`
	UnusedRowsetIntervalSecond int `yaml:"unusedRowsetIntervalSeconds"`
}

type GCConfig struct {
	UnusedRowsetGraceSeconds int `yaml:"unusedRowsetGraceSeconds"`
	RemoteBatch              int `yaml:"remoteBatch"`
}

type CompactionConfig struct {
	EnablePriorityScheduling bool `yaml:"enablePriorityScheduling"`
	MaxLowPriorityJobs       int  `yaml:"maxLowPriorityJobs"`
}

type RemoteConfig struct {
	Enabled      bool   `yaml:"enabled" env:"QUARRY_REMOTE_ENABLED"`
	Endpoint     string `yaml:"endpoint" env:"QUARRY_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"QUARRY_S3_BUCKET"`
	Region       string `yaml:"region" env:"QUARRY_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"QUARRY_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"QUARRY_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"QUARRY_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"QUARRY_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"QUARRY_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			ClusterID: -1,
		},
		Storage: StorageConfig{
			FloodStagePercent:        90,
			FloodStageLeftBytes:      1 * 1024 * 1024 * 1024, // 1GB
			MaxErrorDiskPercent:      0,
			MinFileDescriptorLimit:   60000,
			MaxShardsPerStore:        1024,
			PlacementCursorCacheSize: 1024,
		},
		Sweep: SweepConfig{
			IntervalSeconds:            60,
			TrashExpirySeconds:         259200, // 72h
			SnapshotExpirySeconds:      172800, // 48h
			DeleteBatchSize:            10,
			DeleteBatchIntervalMs:      100,
			DiskStatIntervalSeconds:    5,
			UnusedRowsetIntervalSecond: 30,
		},
		GC: GCConfig{
			UnusedRowsetGraceSeconds: 1800,
			RemoteBatch:              1000,
		},
		Compaction: CompactionConfig{
			EnablePriorityScheduling: true,
			MaxLowPriorityJobs:       2,
		},
		Remote: RemoteConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// LoadFromPath reads a YAML config, applies env overrides and validates.
// An empty path uses defaults plus env overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QUARRY_CLUSTER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 32); err == nil {
			c.Cluster.ClusterID = int32(id)
		}
	}
	if v := os.Getenv("QUARRY_STORAGE_ROOT_PATHS"); v != "" {
		c.Storage.RootPaths = v
	}
	if v := os.Getenv("QUARRY_FLOOD_STAGE_PERCENT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Storage.FloodStagePercent = p
		}
	}
	if v := os.Getenv("QUARRY_SWEEP_INTERVAL_SECONDS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Sweep.IntervalSeconds = p
		}
	}
	if v := os.Getenv("QUARRY_TRASH_EXPIRY_SECONDS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Sweep.TrashExpirySeconds = p
		}
	}
	if v := os.Getenv("QUARRY_REMOTE_ENABLED"); v != "" {
		c.Remote.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("QUARRY_S3_ENDPOINT"); v != "" {
		c.Remote.Endpoint = v
	}
	if v := os.Getenv("QUARRY_S3_BUCKET"); v != "" {
		c.Remote.Bucket = v
	}
	if v := os.Getenv("QUARRY_S3_REGION"); v != "" {
		c.Remote.Region = v
	}
	if v := os.Getenv("QUARRY_S3_ACCESS_KEY"); v != "" {
		c.Remote.AccessKey = v
	}
	if v := os.Getenv("QUARRY_S3_SECRET_KEY"); v != "" {
		c.Remote.SecretKey = v
	}
	if v := os.Getenv("QUARRY_METRICS_ADDR"); v != "" {
		c.Observability.MetricsAddr = v
	}
	if v := os.Getenv("QUARRY_LOG_LEVEL"); v != "" {
		c.Observability.LogLevel = v
	}
	if v := os.Getenv("QUARRY_LOG_FORMAT"); v != "" {
		c.Observability.LogFormat = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Storage.RootPaths == "" && len(c.Storage.Paths) == 0 {
		return errors.New("config: no storage paths configured")
	}
	if c.Storage.FloodStagePercent <= 0 || c.Storage.FloodStagePercent > 100 {
		return fmt.Errorf("config: floodStagePercent must be in (0, 100], got %d", c.Storage.FloodStagePercent)
	}
	if c.Storage.MaxErrorDiskPercent < 0 || c.Storage.MaxErrorDiskPercent > 100 {
		return fmt.Errorf("config: maxErrorDiskPercent must be in [0, 100], got %d", c.Storage.MaxErrorDiskPercent)
	}
	if c.Cluster.ClusterID < -1 {
		return fmt.Errorf("config: clusterId must be -1 or a non-negative id, got %d", c.Cluster.ClusterID)
	}
	if c.Remote.Enabled && c.Remote.Bucket == "" {
		return errors.New("config: remote storage enabled but no bucket configured")
	}
	return nil
}

// StorePaths resolves the configured storage directories. RootPaths, if
// set, wins over the structured list.
func (c *Config) StorePaths() ([]StorePath, error) {
	if c.Storage.RootPaths != "" {
		return ParseRootPaths(c.Storage.RootPaths)
	}
	return c.Storage.Paths, nil
}

// ParseRootPaths parses the compact semicolon-separated store path
// syntax: "path[.SSD|.HDD][,capacityGB]". The medium suffix attaches to
// the directory name; capacity is in gigabytes.
func ParseRootPaths(s string) ([]StorePath, error) {
	var out []StorePath
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		sp := StorePath{Medium: "HDD"}
		if i := strings.IndexByte(item, ','); i >= 0 {
			gb, err := strconv.ParseInt(strings.TrimSpace(item[i+1:]), 10, 64)
			if err != nil || gb < 0 {
				return nil, fmt.Errorf("config: bad capacity in store path %q", item)
			}
			sp.CapacityBytes = gb * 1024 * 1024 * 1024
			item = item[:i]
		}
		upper := strings.ToUpper(item)
		switch {
		case strings.HasSuffix(upper, ".SSD"):
			sp.Medium = "SSD"
			item = item[:len(item)-4]
		case strings.HasSuffix(upper, ".HDD"):
			item = item[:len(item)-4]
		}
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, fmt.Errorf("config: empty store path in %q", s)
		}
		sp.Path = item
		out = append(out, sp)
	}
	if len(out) == 0 {
		return nil, errors.New("config: no store paths parsed")
	}
	return out, nil
}
