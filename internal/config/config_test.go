package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"MICROPUB_ENDPOINT",
		"MICROPUB_TOKEN",
		"WORKSPACE_DIR",
		"MEDIA_ENDPOINT",
		"CONFLICT_POLICY",
		"PUBLISH_HTML",
		"LISTEN_ADDR",
		"WATCH",
		"ENVIRONMENT",
		"STATE_DB",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimumEnv sets the required env vars.
func setMinimumEnv(t *testing.T, workspaceDir string) {
	t.Helper()
	t.Setenv("MICROPUB_ENDPOINT", "https://example.com/micropub")
	t.Setenv("MICROPUB_TOKEN", "secret-token")
	t.Setenv("WORKSPACE_DIR", workspaceDir)
}

func TestLoad_Minimum(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setMinimumEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/micropub", cfg.Endpoint)
	assert.Equal(t, "secret-token", cfg.Token)
	assert.Equal(t, dir, cfg.WorkspaceDir)
	assert.Equal(t, "manual", cfg.ConflictPolicy)
	assert.Equal(t, ":8095", cfg.ListenAddr)
	assert.False(t, cfg.PublishHTML)
	assert.False(t, cfg.Watch)
}

func TestLoad_MissingEndpoint(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MICROPUB_TOKEN", "tok")
	t.Setenv("WORKSPACE_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MICROPUB_ENDPOINT")
}

func TestLoad_NonHTTPEndpointRejected(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t, t.TempDir())
	t.Setenv("MICROPUB_ENDPOINT", "ftp://example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http(s)")
}

func TestLoad_MissingToken(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t, t.TempDir())
	os.Unsetenv("MICROPUB_TOKEN")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MICROPUB_TOKEN")
}

func TestLoad_MissingWorkspaceDir(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MICROPUB_ENDPOINT", "https://example.com/micropub")
	t.Setenv("MICROPUB_TOKEN", "tok")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKSPACE_DIR")
}

func TestLoad_InvalidConflictPolicy(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t, t.TempDir())
	t.Setenv("CONFLICT_POLICY", "ask-me-later")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFLICT_POLICY")
}

func TestLoad_WorkspaceDirResolvedToAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t, "content")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.WorkspaceDir))
}

func TestStateDBPath_Override(t *testing.T) {
	cfg := &Config{StateDB: "/tmp/custom.db"}
	path, err := cfg.StateDBPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", path)
}

func TestStateDBPath_Default(t *testing.T) {
	cfg := &Config{}
	path, err := cfg.StateDBPath()
	require.NoError(t, err)
	assert.Contains(t, path, filepath.Join(".pubsync", "state.db"))
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}
