//go:build windows

package backupstore

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/zenvor/remote-upgrader/internal/fsutil"
)

// createLatestPointer attempts a directory junction via mklink, then a
// directory symlink, then falls back to a full recursive copy.
func createLatestPointer(target, link string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	junction := exec.CommandContext(ctx, "cmd", "/C", "mklink", "/J", link, target)
	if err := junction.Run(); err == nil {
		return nil
	}

	if err := os.Symlink(target, link); err == nil {
		return nil
	}

	if err := os.MkdirAll(link, 0o755); err != nil {
		return err
	}
	_, err := fsutil.CopyTree(target, link, nil)
	return err
}
