package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{"ENVIRONMENT", "HOST", "PORT", "DEBUG", "ALLOWED_ORIGINS", "CONFIG_DB_PATH", "WEB_ROOT"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 12450, cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Equal(t, "data/blivecast.db", cfg.ConfigDBPath)
	assert.Equal(t, "frontend/dist", cfg.WebRoot)
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PORT", "8080")
	t.Setenv("DEBUG", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://overlay.example.com, https://studio.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t,
		[]string{"https://overlay.example.com", "https://studio.example.com"},
		cfg.AllowedOrigins,
	)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	clearEnv(t)

	t.Setenv("PORT", "not-a-port")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("PORT", "80")
	_, err = LoadConfig()
	assert.Error(t, err, "privileged ports are rejected")

	t.Setenv("PORT", "12450")
	t.Setenv("DEBUG", "maybe")
	_, err = LoadConfig()
	assert.Error(t, err)
}
