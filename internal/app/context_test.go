package app

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabline/internal/config"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), dir, config.Env{DatabaseDriver: "sqlite"}, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "member", rt.Config.Marketplace.DefaultCollaboratorRole)
	u, err := rt.Engine.UpsertUser(context.Background(), "u1", "One", "")
	require.NoError(t, err)
	assert.Equal(t, "One", u.Name)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "marketplace:\n  default_collaborator_role: contributor\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	rt, err := Open(context.Background(), dir, config.Env{DatabaseDriver: "sqlite"}, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "contributor", rt.Config.Marketplace.DefaultCollaboratorRole)
	assert.Equal(t, 50, rt.Config.Notifications.DefaultPageSize)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("marketplace:\n  default_collaborator_role: \"\"\n"), 0o644))
	_, err := Open(context.Background(), dir, config.Env{DatabaseDriver: "sqlite"}, zerolog.Nop())
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(config.Env{LogLevel: "warn", LogJSON: true}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
}
