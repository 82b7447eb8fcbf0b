package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `
embedding:
  api_key: "test-key"
mysql:
  host: "localhost"
  port: 3306
  username: "root"
  database: "cvmatch"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.Embedding.APIKey)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 8191, cfg.Embedding.MaxTokens)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 60, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 0.7, cfg.Matching.MinSimilarity)
	assert.Equal(t, 50, cfg.Matching.Limit)
	assert.Equal(t, 24, cfg.Matching.FreshnessHours)
	assert.Equal(t, 3600, cfg.Tasks.SoftTimeLimitSeconds)
	assert.Equal(t, 4200, cfg.Tasks.HardTimeLimitSeconds)
	assert.Equal(t, 3, cfg.Tasks.Retry.MaxAttempts)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
embedding:
  api_key: "from-file"
`)
	t.Setenv("EMBEDDING_API_KEY", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Embedding.APIKey)
}

func TestLoadConfigRejectsInvertedTimeLimits(t *testing.T) {
	path := writeTempConfig(t, `
tasks:
  soft_time_limit_seconds: 600
  hard_time_limit_seconds: 300
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "软时限")
}

func TestLoadConfigRejectsDimensionMismatch(t *testing.T) {
	path := writeTempConfig(t, `
embedding:
  dimensions: 1536
qdrant:
  endpoint: "http://localhost:6333"
  dimension: 1024
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestMySQLDSN(t *testing.T) {
	cfg := MySQLConfig{
		Host:     "db.internal",
		Port:     3307,
		Username: "matcher",
		Password: "secret",
		Database: "cvmatch",
	}
	assert.Equal(t,
		"matcher:secret@tcp(db.internal:3307)/cvmatch?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.DSN())
}
