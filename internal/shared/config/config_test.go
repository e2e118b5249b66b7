package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "error", cfg.Engine.LogLevel)
	assert.True(t, cfg.Engine.UseWorker)
	assert.Equal(t, 4, cfg.Fetch.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.ExportTimeout)
	assert.Equal(t, 44100, cfg.AudioSampleRate)
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.OutputRetention)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 9091, cfg.MetricsPort)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FFMPEG_CORE_PATH", "/opt/ffmpeg/bin")
	t.Setenv("FFMPEG_USE_WORKER", "false")
	t.Setenv("FETCH_CONCURRENCY", "8")
	t.Setenv("FETCH_MAX_BYTES", "1048576")
	t.Setenv("EXPORT_TIMEOUT_MINUTES", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://editor.example.com, https://admin.example.com,")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/opt/ffmpeg/bin", cfg.Engine.CorePath)
	assert.False(t, cfg.Engine.UseWorker)
	assert.Equal(t, 8, cfg.Fetch.Concurrency)
	assert.Equal(t, int64(1048576), cfg.Fetch.MaxBytes)
	assert.Equal(t, 5*time.Minute, cfg.ExportTimeout)
	assert.Equal(t, []string{"https://editor.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")
	t.Setenv("TEST_BOOL", "yes")

	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, "fallback", getEnv("TEST_MISSING", "fallback"))
	assert.Equal(t, int64(3), getEnvInt64("TEST_MISSING", 3))
}
