// Package deploy implements the extract/deploy engine: preparing the
// target directory, snapshotting it, clearing it, extracting the package
// archive, verifying post-conditions, and recovering from a snapshot on
// failure.
package deploy

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zenvor/remote-upgrader/internal/backupstore"
	"github.com/zenvor/remote-upgrader/internal/deploypaths"
	"github.com/zenvor/remote-upgrader/internal/fsutil"
	"github.com/zenvor/remote-upgrader/internal/pathsafety"
	"github.com/zenvor/remote-upgrader/internal/progress"
	"github.com/zenvor/remote-upgrader/internal/version"
)

// Options parameterizes a single deploy operation.
type Options struct {
	Project             string
	PackagePath          string
	Version              string
	DeployPathOverride    string
	DefaultDeployPath     string
	PreservedPaths        []string
	SessionID             string
	MaxHistoricalBackups  int
}

// Result is the outcome of Deploy.
type Result struct {
	Success    bool
	Error      string
	DeployPath string
}

// Engine wires the deploy operation to its collaborators.
type Engine struct {
	DeviceID          string
	Backups           *backupstore.Store
	DeployPaths       *deploypaths.Store
	Bus               *progress.Bus
	OnDeployPathUpdated func(project, deployPath, version string)
}

// Deploy runs the full extract/deploy sequence described by the deploy
// engine's spec, emitting progress under the sessionId supplied in opts.
func (e *Engine) Deploy(opts Options) Result {
	emit := func(step progress.Step, pct int, msg, errMsg string) {
		if e.Bus != nil {
			e.Bus.Emit(opts.SessionID, e.DeviceID, step, pct, msg, errMsg, map[string]interface{}{"operationType": "upgrade"})
		}
	}

	preserve := fsutil.PatternSet(opts.PreservedPaths)

	// Step 1: Preparing (0-20%)
	validated := pathsafety.ValidateDeployPath(opts.DeployPathOverride, opts.DefaultDeployPath)
	deployDir := validated.Path
	access := pathsafety.CheckAccessibility(deployDir)
	if !access.Accessible || !access.Writable {
		emit(progress.StepFailed, 0, "部署目录不可访问", "部署目录不可访问")
		return Result{Error: "部署目录不可访问"}
	}
	emit(progress.StepPreparing, 20, "目标目录已就绪", "")

	// Step 2: Backup (20-40%)
	backedUp := false
	if fsutil.HasNonHiddenEntry(deployDir) {
		currentVersion := version.CurrentVersionOrUnknown(deployDir)
		name := backupstore.CreateUpgradeSnapshotName(opts.Project, currentVersion, time.Now())

		snapPath, err := e.Backups.Create(name, backupstore.BackupInfo{
			Project:         opts.Project,
			OriginalVersion: currentVersion,
			BackupTime:      time.Now().UTC().Format(time.RFC3339),
			SourceDir:       deployDir,
			DeviceID:        e.DeviceID,
			Type:            "upgrade",
		}, deployDir, preserve)
		if err != nil {
			emit(progress.StepFailed, 20, "快照创建失败", err.Error())
			return Result{Error: err.Error()}
		}
		if err := e.Backups.SetLatest(opts.Project, snapPath); err != nil {
			// symlink/junction failure already falls back to copy inside
			// SetLatest; reaching here means even the copy fallback failed,
			// which we treat as a warning, not a fatal deploy error.
		}
		backedUp = true
	}
	emit(progress.StepBackup, 40, "快照阶段完成", "")

	// Step 3: Clearing (40-60%)
	if _, err := fsutil.ClearDirectory(deployDir, preserve); err != nil {
		return e.failAndRestore(opts, deployDir, emit, backedUp, err.Error())
	}
	emit(progress.StepPreparing, 60, "目标目录已清空", "")

	// Step 4: Extracting (60-80%)
	if err := extractZip(opts.PackagePath, deployDir, preserve); err != nil {
		return e.failAndRestore(opts, deployDir, emit, backedUp, err.Error())
	}
	emit(progress.StepExtracting, 80, "解压完成", "")

	// Step 5: Deploying / Verifying (80-95%)
	if !fsutil.HasNonHiddenEntry(deployDir) {
		return e.failAndRestore(opts, deployDir, emit, backedUp, "部署目录在解压后为空")
	}
	rec := version.Record{
		Project:     opts.Project,
		Version:     opts.Version,
		DeployTime:  time.Now().UTC().Format(time.RFC3339),
		PackagePath: opts.PackagePath,
		DeviceID:    e.DeviceID,
	}
	if err := version.Write(deployDir, rec); err != nil {
		return e.failAndRestore(opts, deployDir, emit, backedUp, err.Error())
	}
	if e.DeployPaths != nil {
		if err := e.DeployPaths.Update(opts.Project, deployDir, opts.Version); err != nil {
			return e.failAndRestore(opts, deployDir, emit, backedUp, err.Error())
		}
	}
	if e.OnDeployPathUpdated != nil {
		e.OnDeployPathUpdated(opts.Project, deployDir, opts.Version)
	}
	emit(progress.StepVerifying, 95, "版本记录已更新", "")

	// Step 6: Cleaning (95-100%)
	if opts.MaxHistoricalBackups > 0 && e.Backups != nil {
		e.Backups.Prune(opts.Project, opts.MaxHistoricalBackups)
	}
	emit(progress.StepCompleted, 100, "部署完成", "")

	return Result{Success: true, DeployPath: deployDir}
}

// failAndRestore recovers from the most recent snapshot when one was taken,
// then surfaces the original failure — the restore's own success or
// failure is discarded and never changes the outer result. It restores into
// deployDir, the actual validated deploy target (which may differ from
// opts.DefaultDeployPath when the command supplied a deployPath
// override), so recovery leaves the real target as it was before the
// operation rather than half-clearing a directory nothing ever touched.
func (e *Engine) failAndRestore(opts Options, deployDir string, emit func(progress.Step, int, string, string), backedUp bool, originalErr string) Result {
	if backedUp && e.Backups != nil {
		if snapPath, ok := e.Backups.LatestPath(opts.Project); ok {
			_ = e.Backups.Restore(snapPath, deployDir, nil)
		}
	}
	emit(progress.StepFailed, 0, "部署失败", originalErr)
	return Result{Error: originalErr}
}

// extractZip extracts archivePath into destDir, skipping entries matched by
// preserve. Only the .zip extension is supported.
func extractZip(archivePath, destDir string, preserve fsutil.PatternSet) error {
	if strings.ToLower(filepath.Ext(archivePath)) != ".zip" {
		return fmt.Errorf("不支持的压缩格式")
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("ZIP 文件为空或损坏")
	}
	defer r.Close()

	hasContent := false
	for _, f := range r.File {
		if !f.FileInfo().IsDir() && f.UncompressedSize64 > 0 {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return fmt.Errorf("ZIP 文件为空或损坏")
	}

	skipped := map[string]bool{}
	for _, f := range r.File {
		rel := filepath.ToSlash(f.Name)
		if preserve.Matches(rel) {
			top := strings.SplitN(rel, "/", 2)[0]
			skipped[top] = true
			continue
		}

		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			_ = os.MkdirAll(target, 0o755)
			continue
		}

		if err := extractEntry(f, target); err != nil {
			// per-entry extraction errors skip that entry (nothing is
			// logged) and do not abort the archive.
			continue
		}
	}

	return nil
}

func extractEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
