//go:build !windows

package backupstore

import (
	"os"

	"github.com/zenvor/remote-upgrader/internal/fsutil"
)

// createLatestPointer attempts a POSIX symlink; on failure it falls back to
// a full recursive copy. Callers see a uniform "pointer exists" contract
// regardless of which method succeeded.
func createLatestPointer(target, link string) error {
	if err := os.Symlink(target, link); err == nil {
		return nil
	}

	if err := os.MkdirAll(link, 0o755); err != nil {
		return err
	}
	_, err := fsutil.CopyTree(target, link, nil)
	return err
}
