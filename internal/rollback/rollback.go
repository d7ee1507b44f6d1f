// Package rollback implements the rollback engine: locating a snapshot
// (latest or a specific version), restoring it into the deploy target, and
// reconciling the version record.
package rollback

import (
	"strings"
	"time"

	"github.com/zenvor/remote-upgrader/internal/backupstore"
	"github.com/zenvor/remote-upgrader/internal/deploypaths"
	"github.com/zenvor/remote-upgrader/internal/fsutil"
	"github.com/zenvor/remote-upgrader/internal/progress"
	"github.com/zenvor/remote-upgrader/internal/version"
)

// Options parameterizes a single rollback operation.
type Options struct {
	Project           string
	TargetVersion     string // empty means "most recent"
	DefaultDeployPath string
	PreservedPaths    []string
	SessionID         string
}

// Result is the outcome of Rollback.
type Result struct {
	Success    bool
	Error      string
	DeployPath string
	Version    string
}

// Engine wires the rollback operation to its collaborators.
type Engine struct {
	DeviceID            string
	Backups             *backupstore.Store
	DeployPaths         *deploypaths.Store
	Bus                 *progress.Bus
	OnDeployPathUpdated func(project, deployPath, version string)
}

// Rollback runs the rollback sequence described by the rollback engine's
// spec, emitting progress under the sessionId supplied in opts.
func (e *Engine) Rollback(opts Options) Result {
	emit := func(step progress.Step, pct int, msg, errMsg string) {
		if e.Bus != nil {
			e.Bus.Emit(opts.SessionID, e.DeviceID, step, pct, msg, errMsg, map[string]interface{}{"operationType": "rollback"})
		}
	}
	emit(progress.StepPreparing, 10, "定位备份快照", "")

	snapshotPath, ok := e.locateSnapshot(opts.Project, opts.TargetVersion)
	if !ok {
		const msg = "没有可用的备份版本"
		emit(progress.StepFailed, 0, msg, msg)
		return Result{Error: msg}
	}

	info, _ := backupstore.ReadInfo(snapshotPath)

	targetDir := e.resolveTargetDir(opts, info)
	resolvedVersion := e.resolveVersion(info, snapshotPath)

	emit(progress.StepPreparing, 40, "正在恢复目标目录", "")

	preserve := fsutil.PatternSet(opts.PreservedPaths)
	if err := e.Backups.Restore(snapshotPath, targetDir, preserve); err != nil {
		emit(progress.StepFailed, 0, "恢复失败", err.Error())
		return Result{Error: err.Error()}
	}
	emit(progress.StepDeploying, 70, "快照已恢复", "")

	// §4.5 step 7: rewrite version.json when it is missing, "unknown" (both
	// already folded into version.Read's ok=false), or the literal "error".
	if rec, ok := version.Read(targetDir); !ok || rec.Version == "error" {
		_ = version.Write(targetDir, version.Record{
			Project:    opts.Project,
			Version:    resolvedVersion,
			DeployTime: time.Now().UTC().Format(time.RFC3339),
			DeviceID:   e.DeviceID,
			Source:     "rollback",
		})
	}

	if e.DeployPaths != nil {
		_ = e.DeployPaths.Update(opts.Project, targetDir, resolvedVersion)
	}
	if e.OnDeployPathUpdated != nil {
		e.OnDeployPathUpdated(opts.Project, targetDir, resolvedVersion)
	}

	emit(progress.StepCompleted, 100, "回滚完成", "")
	return Result{Success: true, DeployPath: targetDir, Version: resolvedVersion}
}

// locateSnapshot resolves the snapshot to restore: the "-latest" pointer
// when no target version is requested, otherwise the named historical
// snapshot.
func (e *Engine) locateSnapshot(project, targetVersion string) (string, bool) {
	if targetVersion == "" {
		if path, ok := e.Backups.LatestPath(project); ok {
			return path, true
		}
	}

	snapshots, err := e.Backups.List(project)
	if err != nil || len(snapshots) == 0 {
		return "", false
	}

	if targetVersion == "" {
		return snapshots[0].Path, true
	}

	suffix := "-v" + targetVersion
	for _, s := range snapshots {
		if strings.Contains(s.Name, suffix) {
			return s.Path, true
		}
	}
	return "", false
}

// resolveTargetDir picks the restore destination: deploy-paths.json, then
// the snapshot's recorded source directory, then the caller's default.
func (e *Engine) resolveTargetDir(opts Options, info backupstore.BackupInfo) string {
	if e.DeployPaths != nil {
		if entry, ok := e.DeployPaths.Get(opts.Project); ok && entry.DeployPath != "" {
			return entry.DeployPath
		}
	}
	if info.SourceDir != "" {
		return info.SourceDir
	}
	return opts.DefaultDeployPath
}

// resolveVersion picks the version to record: the snapshot's recorded
// original version, then the version.json inside the snapshot (the record
// the restore puts back; a literal "error" value is skipped), then a
// timestamp-derived placeholder.
func (e *Engine) resolveVersion(info backupstore.BackupInfo, snapshotPath string) string {
	if info.OriginalVersion != "" && info.OriginalVersion != version.Unknown {
		return info.OriginalVersion
	}
	if rec, ok := version.Read(snapshotPath); ok && rec.Version != "error" {
		return rec.Version
	}
	return time.Now().UTC().Format("200601021504")
}
