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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./output", cfg.OutputDir)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, 4, cfg.MaxRollbacks)
	assert.True(t, cfg.VerifyGRIB)
	assert.Equal(t, 60*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 5, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 2, cfg.HTTP.ProbeAttempts)
	assert.InDelta(t, 1.6, cfg.HTTP.Multiplier, 1e-9)
	assert.Equal(t, 1<<20, cfg.HTTP.ChunkSize)
	assert.Equal(t, "none", cfg.Storage.Backend)
	assert.Equal(t, "zstd", cfg.Inventory.Compression)
	assert.False(t, cfg.Lineage.Enabled)
	assert.Equal(t, "./lineage", cfg.Lineage.Dir)

	fc := cfg.FetchConfig()
	assert.Equal(t, time.Second, fc.InitialBackoff)
	assert.Equal(t, 30*time.Second, fc.MaxBackoff)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
output_dir: /data/grib
workers: 4
verify_grib: false
http:
  timeout: 15s
  max_attempts: 3
storage:
  backend: s3
  bucket: wx-artifacts
  s3_region: us-east-1
schedule:
  rrfs: "15 * * * *"
products:
  - name: href
    disabled: true
  - name: custom
    cycles: [0, 12]
    lag: 2h
    hours: {from: 0, to: 6}
    urls: ["https://example.test/{{.Date}}/{{.Cycle}}/f{{.FHR}}.grib2"]
    output: "custom.f{{.FHR}}.grib2"
    patterns: [":TMP:"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/grib", cfg.OutputDir)
	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.VerifyGRIB)
	assert.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 2, cfg.HTTP.ProbeAttempts, "unset fields keep defaults")
	assert.Equal(t, "15 * * * *", cfg.Schedule["rrfs"])

	sc := cfg.StoreConfig()
	assert.Equal(t, "wx-artifacts", sc.S3Bucket)
	assert.Equal(t, "us-east-1", sc.S3Region)

	require.Len(t, cfg.Products, 2)
	assert.Equal(t, 2*time.Hour, cfg.Products[1].Lag)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Contains(t, reg.Names(), "custom")
	assert.NotContains(t, reg.Names(), "href")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRIB_FETCHER_OUTPUT_DIR", "/tmp/out")
	t.Setenv("GRIB_FETCHER_WORKERS", "3")
	t.Setenv("GRIB_FETCHER_VERIFY_GRIB", "false")
	t.Setenv("GRIB_FETCHER_STORAGE_BACKEND", "local")
	t.Setenv("GRIB_FETCHER_STORAGE_LOCAL_DIR", "/tmp/publish")
	t.Setenv("GRIB_FETCHER_MAX_ROLLBACKS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, 3, cfg.Workers)
	assert.False(t, cfg.VerifyGRIB)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/publish", cfg.StoreConfig().LocalDir)
	assert.Equal(t, 4, cfg.MaxRollbacks, "unparseable values are ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output dir", func(c *Config) { c.OutputDir = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative rollbacks", func(c *Config) { c.MaxRollbacks = -1 }},
		{"zero attempts", func(c *Config) { c.HTTP.MaxAttempts = 0 }},
		{"shrinking backoff", func(c *Config) { c.HTTP.Multiplier = 0.5 }},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"unknown compression", func(c *Config) { c.Inventory.Compression = "lz4" }},
		{"lineage without dir", func(c *Config) { c.Lineage.Enabled = true; c.Lineage.Dir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
