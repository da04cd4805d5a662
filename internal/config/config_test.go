package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultEmbeddingModel, cfg.EmbeddingModel)
	assert.Equal(t, DefaultEmbeddingDimensions, cfg.EmbeddingDimensions)
	assert.InDelta(t, 0.95, cfg.DedupeSkipThreshold, 0.0001)
	assert.Greater(t, cfg.JobWorkers, 0)
	// The client appends /embeddings, so the default must carry the /v1 prefix
	assert.Equal(t, "https://api.openai.com/v1", cfg.EmbeddingBaseURL)
}

func TestLoad_SettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9100\nembedding_model: custom-model\n"), 0600))
	t.Setenv("PRSNL_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "custom-model", cfg.EmbeddingModel)
	// Untouched fields keep defaults
	assert.Equal(t, DefaultEmbeddingDimensions, cfg.EmbeddingDimensions)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PRSNL_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9100\n"), 0600))
	t.Setenv("PRSNL_CONFIG", path)
	t.Setenv("PRSNL_HTTP_PORT", "9200")
	t.Setenv("PRSNL_GITHUB_TOKEN", "ghp_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.HTTPPort)
	assert.Equal(t, "ghp_test", cfg.GitHubToken)
}

func TestLoad_InvalidYAMLFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml::"), 0600))
	t.Setenv("PRSNL_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
}
