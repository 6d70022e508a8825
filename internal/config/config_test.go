package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryBackendDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TEXT_PROVIDERS", "ollama")
	t.Setenv("IMAGE_PROVIDERS", "sana")
	t.Setenv("AUDIO_PROVIDERS", "sovits")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ollama"}, cfg.TextProviders)
	assert.Equal(t, 60*time.Second, cfg.TextTimeout)
	assert.False(t, cfg.UsesPostgres())
	assert.False(t, cfg.NeedsAPIKey())
	assert.Empty(t, cfg.DBPassword)
}

func TestLoad_ReadsSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db_password"), []byte("s3cret\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ai_api_key"), []byte("sk-test"), 0o600))
	t.Setenv("SECRETS_DIR", dir)
	t.Setenv("STORE_BACKEND", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.DBPassword)
	assert.Equal(t, "sk-test", cfg.AIAPIKey)
	assert.Contains(t, cfg.GetDSN(), "s3cret")
	assert.NotContains(t, cfg.MaskedDSN(), "s3cret")
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("SECRETS_DIR", t.TempDir())
	t.Setenv("STORE_BACKEND", "postgres")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")
	_, err := Load()
	assert.ErrorContains(t, err, "STORE_BACKEND")
}

func TestLoad_WriteTimeoutCoversTextChain(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TEXT_PROVIDERS", "ollama,ollama")
	t.Setenv("IMAGE_PROVIDERS", "sana")
	t.Setenv("AUDIO_PROVIDERS", "sovits")
	t.Setenv("TEXT_PROVIDER_TIMEOUT", "60s")
	t.Setenv("SERVER_WRITE_TIMEOUT", "90s")

	_, err := Load()
	assert.ErrorContains(t, err, "SERVER_WRITE_TIMEOUT")

	t.Setenv("SERVER_WRITE_TIMEOUT", "0s")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoad_DefaultWriteTimeoutCoversDefaultTextChain(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("IMAGE_PROVIDERS", "sana")
	t.Setenv("AUDIO_PROVIDERS", "sovits")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ai_api_key"), []byte("sk-test"), 0o600))
	t.Setenv("SECRETS_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"openai", "ollama"}, cfg.TextProviders)
	assert.Greater(t, cfg.WriteTimeout, cfg.TextStageBudget())
	assert.Equal(t, 135*time.Second, cfg.TextStageBudget())
}
