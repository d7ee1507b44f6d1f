package rollback

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenvor/remote-upgrader/internal/backupstore"
	"github.com/zenvor/remote-upgrader/internal/deploypaths"
	"github.com/zenvor/remote-upgrader/internal/progress"
	"github.com/zenvor/remote-upgrader/internal/version"
)

func newEngine(t *testing.T) (*Engine, *backupstore.Store, string) {
	backupRoot := t.TempDir()
	store := backupstore.New(backupRoot)
	dp := deploypaths.New(filepath.Join(t.TempDir(), "deploy-paths.json"))

	engine := &Engine{
		DeviceID:    "dev-1",
		Backups:     store,
		DeployPaths: dp,
		Bus:         progress.New(),
	}
	return engine, store, backupRoot
}

func seedSnapshot(t *testing.T, store *backupstore.Store, project, version, sourceDir string) string {
	t.Helper()
	staged := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staged, "index.html"), []byte(version), 0o644))

	name := backupstore.CreateUpgradeSnapshotName(project, "0.9.0", time.Now())
	path, err := store.Create(name, backupstore.BackupInfo{
		Project:         project,
		OriginalVersion: version,
		SourceDir:       sourceDir,
		Type:            "upgrade",
	}, staged, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetLatest(project, path))
	return path
}

func TestRollback_NoSnapshotFails(t *testing.T) {
	engine, _, _ := newEngine(t)

	res := engine.Rollback(Options{Project: "frontend", DefaultDeployPath: t.TempDir()})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "没有可用的备份版本")
}

func TestRollback_RestoresLatest(t *testing.T) {
	engine, store, _ := newEngine(t)
	deployDir := t.TempDir()
	seedSnapshot(t, store, "frontend", "1.0.0", deployDir)

	require.NoError(t, os.WriteFile(filepath.Join(deployDir, "index.html"), []byte("2.0.0"), 0o644))

	res := engine.Rollback(Options{Project: "frontend", DefaultDeployPath: deployDir})
	require.True(t, res.Success)
	assert.Equal(t, "1.0.0", res.Version)

	data, err := os.ReadFile(filepath.Join(deployDir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(data))

	rec, ok := version.Read(deployDir)
	require.True(t, ok)
	assert.Equal(t, "rollback", rec.Source)
}

func TestRollback_RewritesLiteralErrorVersion(t *testing.T) {
	engine, store, _ := newEngine(t)
	deployDir := t.TempDir()
	staged := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staged, "index.html"), []byte("1.0.0"), 0o644))
	require.NoError(t, version.Write(staged, version.Record{Project: "frontend", Version: "error"}))

	name := backupstore.CreateUpgradeSnapshotName("frontend", "0.9.0", time.Now())
	path, err := store.Create(name, backupstore.BackupInfo{Project: "frontend", SourceDir: deployDir, Type: "upgrade"}, staged, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetLatest("frontend", path))

	res := engine.Rollback(Options{Project: "frontend", DefaultDeployPath: deployDir})
	require.True(t, res.Success)

	rec, ok := version.Read(deployDir)
	require.True(t, ok)
	assert.Equal(t, "rollback", rec.Source)
	assert.NotEqual(t, "error", rec.Version)
}

func TestRollback_RespectsPreservedPaths(t *testing.T) {
	engine, store, _ := newEngine(t)
	deployDir := t.TempDir()
	seedSnapshot(t, store, "frontend", "1.0.0", deployDir)

	require.NoError(t, os.MkdirAll(filepath.Join(deployDir, "conf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deployDir, "conf", "db.json"), []byte("keep"), 0o644))

	res := engine.Rollback(Options{
		Project:           "frontend",
		DefaultDeployPath: deployDir,
		PreservedPaths:    []string{"conf/"},
	})
	require.True(t, res.Success)

	data, err := os.ReadFile(filepath.Join(deployDir, "conf", "db.json"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestRollback_TargetVersionSelectsNamedSnapshot(t *testing.T) {
	engine, store, _ := newEngine(t)
	deployDir := t.TempDir()
	seedSnapshot(t, store, "frontend", "1.0.0", deployDir)

	explicitName := backupstore.CreateExplicitSnapshotName("frontend", "0.5.0", time.Now())
	staged := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staged, "index.html"), []byte("0.5.0"), 0o644))
	_, err := store.Create(explicitName, backupstore.BackupInfo{Project: "frontend", OriginalVersion: "0.5.0", SourceDir: deployDir}, staged, nil)
	require.NoError(t, err)

	res := engine.Rollback(Options{Project: "frontend", TargetVersion: "0.5.0", DefaultDeployPath: deployDir})
	require.True(t, res.Success)
	assert.Equal(t, "0.5.0", res.Version)
}

func TestRollback_UnknownTargetVersionFails(t *testing.T) {
	engine, store, _ := newEngine(t)
	deployDir := t.TempDir()
	seedSnapshot(t, store, "frontend", "1.0.0", deployDir)

	res := engine.Rollback(Options{Project: "frontend", TargetVersion: "9.9.9", DefaultDeployPath: t.TempDir()})
	assert.False(t, res.Success)
}
