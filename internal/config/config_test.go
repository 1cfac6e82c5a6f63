package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8*time.Second, cfg.Extraction.VisionTimeout)
	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.Equal(t, 2, cfg.Ingestion.MaxAttempts)
	assert.Equal(t, 0.5, cfg.Ingestion.DefaultThreshold)
	assert.Equal(t, 0.3, cfg.Ingestion.WordThreshold)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
extraction:
  enabled: true
  vision_url: http://vision:9000
  max_pages: 12
queue:
  concurrency: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	t.Setenv("VISION_WORKER_TIMEOUT_MS", "2500")
	t.Setenv("VISION_EXTRACTOR_VERSION", "vision_v2")
	t.Setenv("UPLOAD_DIR", "/srv/uploads")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Extraction.Enabled)
	assert.Equal(t, "http://vision:9000", cfg.Extraction.VisionURL)
	assert.Equal(t, 12, cfg.Extraction.MaxPages)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 2500*time.Millisecond, cfg.Extraction.VisionTimeout)
	assert.Equal(t, "vision_v2", cfg.Extraction.ExtractorVersion)
	assert.Equal(t, "/srv/uploads", cfg.Extraction.UploadRoot)
}

func TestLoad_EnvSelectsDrivers(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app?sslmode=disable")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("VISUAL_EXTRACTION_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "cache:6379", cfg.Queue.Redis.Addr)
	assert.False(t, cfg.Extraction.Enabled)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":         func(c *Config) { c.Server.Port = 0 },
		"bad db driver":    func(c *Config) { c.Database.Driver = "sqlite" },
		"postgres no dsn":  func(c *Config) { c.Database.Driver = "postgres" },
		"bad queue driver": func(c *Config) { c.Queue.Driver = "kafka" },
		"zero concurrency": func(c *Config) { c.Queue.Concurrency = 0 },
		"threshold range":  func(c *Config) { c.Ingestion.WordThreshold = 1.5 },
		"vision url":       func(c *Config) { c.Extraction.Enabled = true; c.Extraction.VisionURL = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
