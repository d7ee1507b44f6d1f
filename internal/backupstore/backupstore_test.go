package backupstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndList(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.html"), []byte("v1"), 0o644))

	store := New(root)
	name := CreateUpgradeSnapshotName("frontend", "1.0.0", time.Now())

	path, err := store.Create(name, BackupInfo{
		Project:         "frontend",
		OriginalVersion: "1.0.0",
		BackupTime:      time.Now().UTC().Format(time.RFC3339),
		SourceDir:       src,
		DeviceID:        "dev-1",
		Type:            "upgrade",
	}, src, nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(path, "backup-info.json"))
	require.NoError(t, err)

	snaps, err := store.List("frontend")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, name, snaps[0].Name)
}

func TestList_ExcludesLatestAlias(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "frontend-latest"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "frontend-backup-2024-01-01-00-00-from-1.0.0"), 0o755))

	store := New(root)
	snaps, err := store.List("frontend")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestList_SortsExplicitSnapshotsByRFC3339Timestamp(t *testing.T) {
	root := t.TempDir()
	store := New(root)

	older := CreateExplicitSnapshotName("frontend", "1.0.0", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := CreateExplicitSnapshotName("frontend", "2.0.0", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, os.MkdirAll(filepath.Join(root, older), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, newer), 0o755))

	snaps, err := store.List("frontend")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, newer, snaps[0].Name, "the RFC3339 'Z' suffix must parse so explicit snapshots sort by actual time, not a zero time")
	assert.False(t, snaps[0].Time.IsZero())
	assert.False(t, snaps[1].Time.IsZero())
}

func TestSetLatestAndResolve(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))

	store := New(root)
	snapPath, err := store.Create("frontend-backup-2024-01-01-00-00-from-1.0.0", BackupInfo{}, src, nil)
	require.NoError(t, err)

	require.NoError(t, store.SetLatest("frontend", snapPath))

	resolved, ok := store.LatestPath("frontend")
	require.True(t, ok)

	_, err = os.Stat(filepath.Join(resolved, "a.txt"))
	require.NoError(t, err)
}

func TestPrune_NoopWhenKeepNonPositive(t *testing.T) {
	root := t.TempDir()
	store := New(root)
	deleted, failed := store.Prune("frontend", 0)
	assert.Empty(t, deleted)
	assert.Empty(t, failed)
}

func TestPrune_DeletesExcess(t *testing.T) {
	root := t.TempDir()
	store := New(root)
	src := t.TempDir()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		name := CreateUpgradeSnapshotName("frontend", "1.0.0", base.Add(time.Duration(i)*time.Hour))
		_, err := store.Create(name, BackupInfo{}, src, nil)
		require.NoError(t, err)
	}

	deleted, failed := store.Prune("frontend", 2)
	assert.Len(t, deleted, 3)
	assert.Empty(t, failed)

	remaining, err := store.List("frontend")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
