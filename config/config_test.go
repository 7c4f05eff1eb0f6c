package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, uint64(1024), cfg.Qdrant.VectorSize)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1000, cfg.Indexer.ChunkSize)
	assert.Equal(t, 2*time.Hour, cfg.Session.StaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.Session.ResumeWindow)
	assert.NotEmpty(t, cfg.Indexer.IncludePatterns)
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
indexer:
  chunk_size: 500
  include_patterns: ["*.go"]
session:
  stale_after: 1h
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Indexer.ChunkSize)
	assert.Equal(t, []string{"*.go"}, cfg.Indexer.IncludePatterns)
	assert.Equal(t, time.Hour, cfg.Session.StaleAfter)
	// Untouched sections still get defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_QDRANT_HOST", "qdrant.internal")
	path := writeConfig(t, `
qdrant:
  host: ${TEST_QDRANT_HOST}
redis:
  addr: ${TEST_REDIS_ADDR:-fallback:6379}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, "fallback:6379", cfg.Redis.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("REDIS_ADDR", "override:6380")
	t.Setenv("QDRANT_PORT", "7000")
	path := writeConfig(t, `
redis:
  addr: file:6379
qdrant:
  port: 6334
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override:6380", cfg.Redis.Addr)
	assert.Equal(t, 7000, cfg.Qdrant.Port)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
indexer:
  chunk_size: 10
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidatePortRange(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}
