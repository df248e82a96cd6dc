package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRootPaths(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []StorePath
		wantErr bool
	}{
		{
			name: "single plain path",
			in:   "/data/disk1",
			want: []StorePath{{Path: "/data/disk1", Medium: "HDD"}},
		},
		{
			name: "medium suffix",
			in:   "/data/disk1.SSD",
			want: []StorePath{{Path: "/data/disk1", Medium: "SSD"}},
		},
		{
			name: "explicit hdd suffix",
			in:   "/data/disk1.HDD",
			want: []StorePath{{Path: "/data/disk1", Medium: "HDD"}},
		},
		{
			name: "medium and capacity",
			in:   "/data/disk1.SSD,50",
			want: []StorePath{{Path: "/data/disk1", Medium: "SSD", CapacityBytes: 50 << 30}},
		},
		{
			name: "capacity only",
			in:   "/data/disk1,10",
			want: []StorePath{{Path: "/data/disk1", Medium: "HDD", CapacityBytes: 10 << 30}},
		},
		{
			name: "multiple paths with whitespace",
			in:   " /data/disk1 ; /data/disk2.SSD ",
			want: []StorePath{
				{Path: "/data/disk1", Medium: "HDD"},
				{Path: "/data/disk2", Medium: "SSD"},
			},
		},
		{
			name: "lowercase medium suffix",
			in:   "/data/disk1.ssd",
			want: []StorePath{{Path: "/data/disk1", Medium: "SSD"}},
		},
		{name: "bad capacity", in: "/data/disk1,fast", wantErr: true},
		{name: "negative capacity", in: "/data/disk1,-1", wantErr: true},
		{name: "only suffix", in: ".SSD", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "only separators", in: ";;", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRootPaths(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRootPaths(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRootPaths(%q): %v", tt.in, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d paths, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("path %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Cluster.ClusterID != -1 {
		t.Errorf("default clusterId = %d, want -1", cfg.Cluster.ClusterID)
	}
	if cfg.Storage.FloodStagePercent != 90 {
		t.Errorf("default floodStagePercent = %d, want 90", cfg.Storage.FloodStagePercent)
	}
	if cfg.Sweep.TrashExpirySeconds != 259200 {
		t.Errorf("default trashExpirySeconds = %d, want 259200", cfg.Sweep.TrashExpirySeconds)
	}
	if !cfg.Compaction.EnablePriorityScheduling {
		t.Error("priority scheduling should default on")
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarry.yaml")
	body := `
cluster:
  clusterId: 42
storage:
  paths:
    - path: /data/disk1
      medium: SSD
  floodStagePercent: 80
sweep:
  trashExpirySeconds: 3600
remote:
  enabled: true
  bucket: quarry-data
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Cluster.ClusterID != 42 {
		t.Errorf("clusterId = %d, want 42", cfg.Cluster.ClusterID)
	}
	if cfg.Storage.FloodStagePercent != 80 {
		t.Errorf("floodStagePercent = %d, want 80", cfg.Storage.FloodStagePercent)
	}
	if cfg.Sweep.TrashExpirySeconds != 3600 {
		t.Errorf("trashExpirySeconds = %d, want 3600", cfg.Sweep.TrashExpirySeconds)
	}
	// Untouched sections keep their defaults.
	if cfg.Sweep.IntervalSeconds != 60 {
		t.Errorf("intervalSeconds = %d, want default 60", cfg.Sweep.IntervalSeconds)
	}
	if cfg.Remote.Region != "us-east-1" {
		t.Errorf("region = %q, want default us-east-1", cfg.Remote.Region)
	}

	paths, err := cfg.StorePaths()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0].Path != "/data/disk1" || paths[0].Medium != "SSD" {
		t.Errorf("store paths = %+v", paths)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUARRY_CLUSTER_ID", "7")
	t.Setenv("QUARRY_STORAGE_ROOT_PATHS", "/data/env1;/data/env2.SSD")
	t.Setenv("QUARRY_FLOOD_STAGE_PERCENT", "75")
	t.Setenv("QUARRY_S3_BUCKET", "env-bucket")
	t.Setenv("QUARRY_LOG_LEVEL", "debug")

	cfg, err := LoadFromPath("")
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Cluster.ClusterID != 7 {
		t.Errorf("clusterId = %d, want 7", cfg.Cluster.ClusterID)
	}
	if cfg.Storage.FloodStagePercent != 75 {
		t.Errorf("floodStagePercent = %d, want 75", cfg.Storage.FloodStagePercent)
	}
	if cfg.Remote.Bucket != "env-bucket" {
		t.Errorf("bucket = %q", cfg.Remote.Bucket)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.Observability.LogLevel)
	}

	paths, err := cfg.StorePaths()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[1].Medium != "SSD" {
		t.Errorf("store paths = %+v", paths)
	}
}

func TestRootPathsWinOverStructuredPaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.Paths = []StorePath{{Path: "/data/structured"}}
	cfg.Storage.RootPaths = "/data/compact"

	paths, err := cfg.StorePaths()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0].Path != "/data/compact" {
		t.Errorf("store paths = %+v, want the compact form to win", paths)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Storage.RootPaths = "/data/disk1"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no paths", func(c *Config) { c.Storage.RootPaths = "" }},
		{"flood stage zero", func(c *Config) { c.Storage.FloodStagePercent = 0 }},
		{"flood stage over 100", func(c *Config) { c.Storage.FloodStagePercent = 101 }},
		{"negative error disk percent", func(c *Config) { c.Storage.MaxErrorDiskPercent = -1 }},
		{"cluster id below sentinel", func(c *Config) { c.Cluster.ClusterID = -2 }},
		{"remote without bucket", func(c *Config) { c.Remote.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestBrokenPathsRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "broken.json")

	paths, err := LoadBrokenPaths(file)
	if err != nil {
		t.Fatalf("LoadBrokenPaths on missing file: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("missing file should load empty, got %v", paths)
	}

	want := []string{"/data/disk2", "/data/disk5"}
	if err := SaveBrokenPaths(file, want); err != nil {
		t.Fatalf("SaveBrokenPaths: %v", err)
	}
	got, err := LoadBrokenPaths(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}
