package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "member", cfg.Marketplace.DefaultCollaboratorRole)
	assert.Equal(t, 2000, cfg.Marketplace.MaxMessageLength)
	assert.Equal(t, "@hourly", cfg.Marketplace.Applications.SweepSchedule)
	assert.Zero(t, cfg.PendingTTL())
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("marketplace:\n  applications:\n    pending_ttl: 72h\n"))
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.PendingTTL())
	assert.Equal(t, "member", cfg.Marketplace.DefaultCollaboratorRole)
	assert.Equal(t, 200, cfg.Notifications.MaxPageSize)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad ttl":       "marketplace:\n  applications:\n    pending_ttl: soon\n",
		"negative ttl":  "marketplace:\n  applications:\n    pending_ttl: -1h\n",
		"bad schedule":  "marketplace:\n  applications:\n    sweep_schedule: whenever\n",
		"page sizes":    "notifications:\n  default_page_size: 100\n  max_page_size: 10\n",
		"empty webhook": "webhooks:\n  - url: \"\"\n",
		"no role":       "marketplace:\n  default_collaborator_role: \"\"\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(yml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.RateLimit.RequestsPerSecond)
}

func TestParseEnv(t *testing.T) {
	env, err := ParseEnv(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", env.DatabaseDriver)
	assert.Equal(t, "info", env.LogLevel)
	assert.False(t, env.AllowDevHeader)

	env, err = ParseEnv(map[string]string{
		"CL_DATABASE_DRIVER":  "postgres",
		"CL_DATABASE_DSN":     "postgres://localhost/collabline",
		"CL_ALLOW_DEV_HEADER": "true",
		"CL_LOG_JSON":         "true",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres", env.DatabaseDriver)
	assert.True(t, env.AllowDevHeader)
	assert.True(t, env.LogJSON)

	_, err = ParseEnv(map[string]string{"CL_DATABASE_DRIVER": "postgres"})
	assert.Error(t, err)
	_, err = ParseEnv(map[string]string{"CL_DATABASE_DRIVER": "mysql"})
	assert.Error(t, err)
}
