package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		cfile := filepath.Join(dir, "devicelink.yml")
		content := `
system:
  workdir: ` + dir + `
database:
  type: sqlite
  name: devicelink.db
session:
  max_attempts: 3
  base_delay: 500ms
auth:
  jwt_secret: s3cret
`
		require.NoError(t, os.WriteFile(cfile, []byte(content), 0o600))

		cfg, err := LoadConfig(cfile)
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Database.Type)
		assert.Equal(t, 3, cfg.Session.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Session.BaseDelay)
		assert.Equal(t, 1816, cfg.Web.Port)
		assert.DirExists(t, cfg.GetLogDir())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
		require.Error(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DEVICELINK_WEB_PORT":             "9090",
		"DEVICELINK_SESSION_MAX_ATTEMPTS": "7",
		"DEVICELINK_SESSION_BASE_DELAY":   "2s",
		"DEVICELINK_AUTH_DISABLED":        "true",
		"DEVICELINK_DB_TYPE":              "",
	}
	cfg := DefaultAppConfig()
	applyEnv(cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, 7, cfg.Session.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Session.BaseDelay)
	assert.True(t, cfg.Auth.Disabled)
	assert.Equal(t, "postgres", cfg.Database.Type, "empty values keep the default")
}

func TestValidate(t *testing.T) {
	cfg := DefaultAppConfig()
	require.Error(t, cfg.Validate(), "secret required while auth is enabled")

	cfg.Auth.JwtSecret = "x"
	require.NoError(t, cfg.Validate())

	cfg.Database.Type = "mysql"
	require.Error(t, cfg.Validate())

	cfg.Database.Type = "sqlite"
	cfg.Session.BaseDelay = 0
	require.Error(t, cfg.Validate())
}
