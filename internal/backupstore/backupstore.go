// Package backupstore manages the versioned-snapshot filesystem layout under
// the backup root: snapshot directories, the per-project "-latest" pointer,
// and pruning of excess history.
package backupstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zenvor/remote-upgrader/internal/fsutil"
)

// BackupInfo is the backup-info.json sidecar written into every snapshot.
type BackupInfo struct {
	Project         string `json:"project"`
	OriginalVersion string `json:"originalVersion"`
	BackupTime      string `json:"backupTime"`
	SourceDir       string `json:"sourceDir"`
	BackupPath      string `json:"backupPath"`
	DeviceID        string `json:"deviceId"`
	Type            string `json:"type"` // "upgrade" or "explicit"
}

// Snapshot describes a single entry returned by List.
type Snapshot struct {
	Name string
	Path string
	Time time.Time
}

// Store operates on a single backup root directory.
type Store struct {
	root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

// snapshotTimestampPattern matches both the upgrade-time name's
// "2006-01-02-15-04" stamp and CreateExplicitSnapshotName's
// time.RFC3339 stamp (which needs "Z"/"+" for the UTC/offset suffix and
// "." for fractional seconds on RFC3339Nano-style inputs).
var snapshotTimestampPattern = regexp.MustCompile(`-backup-([0-9T:\-+.Z]+)-`)

// List returns project's historical snapshots, sorted newest first by the
// timestamp embedded in the snapshot name. The "-latest" alias is excluded.
func (s *Store) List(project string) ([]Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	prefix := project + "-backup-"
	latestName := project + "-latest"

	var snapshots []Snapshot
	for _, e := range entries {
		if e.Name() == latestName || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		t := parseSnapshotTime(e.Name())
		snapshots = append(snapshots, Snapshot{
			Name: e.Name(),
			Path: filepath.Join(s.root, e.Name()),
			Time: t,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Time.After(snapshots[j].Time) })
	return snapshots, nil
}

func parseSnapshotTime(name string) time.Time {
	m := snapshotTimestampPattern.FindStringSubmatch(name)
	if len(m) < 2 {
		return time.Time{}
	}
	layouts := []string{"2006-01-02-15-04", time.RFC3339, "20060102T150405Z"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CreateUpgradeSnapshotName builds an upgrade-time snapshot directory name.
func CreateUpgradeSnapshotName(project, originalVersion string, at time.Time) string {
	if originalVersion == "" {
		originalVersion = "unknown"
	}
	return fmt.Sprintf("%s-backup-%s-from-%s", project, at.Format("2006-01-02-15-04"), originalVersion)
}

// CreateExplicitSnapshotName builds an explicit-backup directory name.
func CreateExplicitSnapshotName(project, version string, at time.Time) string {
	return fmt.Sprintf("%s-backup-%s-v%s", project, at.UTC().Format(time.RFC3339), version)
}

// Create copies sourceDir into a new snapshot directory named name,
// excluding entries matched by preserve, then writes the backup-info.json
// sidecar. It returns the snapshot's absolute path.
func (s *Store) Create(name string, info BackupInfo, sourceDir string, preserve fsutil.PatternSet) (string, error) {
	dest := filepath.Join(s.root, name)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	if _, err := fsutil.CopyTree(sourceDir, dest, preserve); err != nil {
		return "", fmt.Errorf("copy snapshot contents: %w", err)
	}

	info.BackupPath = dest
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup-info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "backup-info.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write backup-info: %w", err)
	}

	return dest, nil
}

// ReadInfo reads the backup-info.json sidecar of a snapshot directory.
func ReadInfo(snapshotDir string) (BackupInfo, error) {
	raw, err := os.ReadFile(filepath.Join(snapshotDir, "backup-info.json"))
	if err != nil {
		return BackupInfo{}, err
	}
	var info BackupInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return BackupInfo{}, err
	}
	return info, nil
}

// latestMu serializes pointer swaps across goroutines touching the same
// store; the underlying filesystem operations are not otherwise atomic.
var latestMu sync.Mutex

// SetLatest removes the previous "<project>-latest" pointer (if any) and
// creates a new one referencing snapshotPath, using the platform's
// createLatestPointer fallback ladder.
func (s *Store) SetLatest(project, snapshotPath string) error {
	latestMu.Lock()
	defer latestMu.Unlock()

	link := filepath.Join(s.root, project+"-latest")
	_ = os.RemoveAll(link)
	return createLatestPointer(snapshotPath, link)
}

// LatestPath resolves "<project>-latest" to the snapshot it currently
// references, following a symlink/junction if that's how it was created.
func (s *Store) LatestPath(project string) (string, bool) {
	link := filepath.Join(s.root, project+"-latest")
	if resolved, err := filepath.EvalSymlinks(link); err == nil {
		if _, err := os.Stat(resolved); err == nil {
			return resolved, true
		}
	}
	if info, err := os.Stat(link); err == nil && info.IsDir() {
		return link, true
	}
	return "", false
}

// Restore clears targetDir (respecting preserve) and recursive-copies
// snapshotDir into it, always excluding the backup-info.json sidecar.
// Shared by the deploy engine's failure-path restore and the rollback
// engine's primary restore.
func (s *Store) Restore(snapshotDir, targetDir string, preserve fsutil.PatternSet) error {
	if _, err := fsutil.ClearDirectory(targetDir, preserve); err != nil {
		return fmt.Errorf("clear target before restore: %w", err)
	}

	skip := append(fsutil.PatternSet{"backup-info.json"}, preserve...)
	if _, err := fsutil.CopyTree(snapshotDir, targetDir, skip); err != nil {
		return fmt.Errorf("copy snapshot into target: %w", err)
	}
	return nil
}

// Prune deletes project's historical snapshots in excess of keep, never
// touching "-latest". keep <= 0 means unlimited retention (a no-op).
// Deletions are attempted in parallel; per-entry failures are reported but
// do not abort the batch.
func (s *Store) Prune(project string, keep int) (deleted []string, failed map[string]error) {
	failed = map[string]error{}
	if keep <= 0 {
		return nil, failed
	}

	snapshots, err := s.List(project)
	if err != nil || len(snapshots) <= keep {
		return nil, failed
	}

	toDelete := snapshots[keep:]
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, snap := range toDelete {
		wg.Add(1)
		go func(snap Snapshot) {
			defer wg.Done()
			err := os.RemoveAll(snap.Path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[snap.Name] = err
				return
			}
			deleted = append(deleted, snap.Name)
		}(snap)
	}
	wg.Wait()

	return deleted, failed
}
