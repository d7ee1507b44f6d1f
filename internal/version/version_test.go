package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	rec := Record{Project: "frontend", Version: "1.0.0", DeployTime: NowRFC3339(), DeviceID: "d1"}

	require.NoError(t, Write(dir, rec))

	got, ok := Read(dir)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestRead_MissingFileIsAbsent(t *testing.T) {
	dir := t.TempDir()
	_, ok := Read(dir)
	assert.False(t, ok)
}

func TestRead_UnknownIsAbsent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, Record{Version: Unknown}))

	_, ok := Read(dir)
	assert.False(t, ok)
}

func TestCurrentVersionOrUnknown(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, Unknown, CurrentVersionOrUnknown(dir))

	require.NoError(t, Write(dir, Record{Version: "2.0.0"}))
	assert.Equal(t, "2.0.0", CurrentVersionOrUnknown(dir))
}
