package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	unsetEnvKeys("SERVER_URL", "DEVICE_ID", "DEVICE_NAME", "LOG_LEVEL")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Server.URL)
	assert.Equal(t, 10, cfg.Server.ReconnectMaxAttempt)
	assert.Equal(t, "downloads/temp", cfg.Paths.TempDir)
	assert.Equal(t, 10, cfg.Backup.MaxHistoricalBackups)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	unsetEnvKeys("SERVER_URL", "LOG_LEVEL")

	yaml := `
server:
  url: "https://control.example.com"
  reconnect_max_attempts: 7
paths:
  temp_dir: "/tmp/agent/temp"
  package_dir: "/tmp/agent/packages"
  frontend_deploy: "/srv/frontend"
  backend_deploy: "/srv/backend"
  backup_root: "/srv/backup"
  config_dir: "/srv/config"
log:
  level: "debug"
`
	path := writeTempYAML(t, yaml)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://control.example.com", cfg.Server.URL)
	assert.Equal(t, 7, cfg.Server.ReconnectMaxAttempt)
	assert.Equal(t, "/tmp/agent/temp", cfg.Paths.TempDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	yaml := `
server:
  url: "https://file.example.com"
`
	path := writeTempYAML(t, yaml)

	require.NoError(t, os.Setenv("SERVER_URL", "https://env.example.com"))
	t.Cleanup(func() { unsetEnvKeys("SERVER_URL") })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Server.URL, "env should override file")
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	unsetEnvKeys("SERVER_URL")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Server.URL)
}

func TestLoad_ValidationError(t *testing.T) {
	yaml := `
server:
  url: "not-a-url-%"
`
	path := writeTempYAML(t, yaml)

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestValidate_MaxDelayBelowBaseDelay(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			URL:                 "https://host",
			Timeout:             1,
			ReconnectBaseDelay:  2,
			ReconnectMaxDelay:   1,
			ReconnectMaxAttempt: 1,
			HeartbeatInterval:   1,
		},
		Paths: PathsConfig{
			TempDir: "t", PackageDir: "p", FrontendDeploy: "f",
			BackendDeploy: "b", BackupRoot: "bk", ConfigDir: "c",
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestDeployRoot(t *testing.T) {
	cfg := &Config{Paths: PathsConfig{FrontendDeploy: "/a", BackendDeploy: "/b"}}

	root, err := cfg.DeployRoot("frontend")
	require.NoError(t, err)
	assert.Equal(t, "/a", root)

	_, err = cfg.DeployRoot("bogus")
	require.Error(t, err)
}
