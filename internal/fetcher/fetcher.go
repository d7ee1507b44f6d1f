// Package fetcher implements resumable package acquisition from the
// control plane: metadata lookup, ranged download with MD5 verification,
// cached-artifact reuse, and temp-file cleanup.
package fetcher

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Metadata describes a package as advertised by the control plane.
type Metadata struct {
	FileName string `json:"fileName"`
	FileMD5  string `json:"fileMD5"`
	Size     int64  `json:"size,omitempty"`
	Project  string `json:"project"`
}

// ProgressSink receives download progress updates, throttled to at most
// once per second by the caller.
type ProgressSink func(receivedBytes, totalBytes int64)

// DownloadResult is the outcome of Download.
type DownloadResult struct {
	Success  bool
	FilePath string
	Cached   bool
	Error    string
}

type verifiedHash struct {
	hash    string
	size    int64
	modTime time.Time
}

// Fetcher fetches package metadata and binaries from the control plane.
type Fetcher struct {
	serverURL  string
	httpClient *http.Client
	tempDir    string
	packageDir string
	hashCache  *lru.Cache[string, verifiedHash]
}

// New returns a Fetcher rooted at tempDir/packageDir, talking to serverURL
// with the given timeout.
func New(serverURL, tempDir, packageDir string, timeout time.Duration) *Fetcher {
	cache, _ := lru.New[string, verifiedHash](256)
	return &Fetcher{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: timeout},
		tempDir:    tempDir,
		packageDir: packageDir,
		hashCache:  cache,
	}
}

// Info fetches package metadata for project/fileName. It returns (nil, nil)
// on any non-success response, per contract — metadata absence is not an
// error at this layer.
func (f *Fetcher) Info(project, fileName string) (*Metadata, error) {
	url := fmt.Sprintf("%s/packages/%s/%s", f.serverURL, project, fileName)
	resp, err := f.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch package metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var envelope struct {
		Success bool     `json:"success"`
		Package Metadata `json:"package"`
		Data    Metadata `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode package metadata: %w", err)
	}
	if !envelope.Success {
		return nil, nil
	}

	meta := envelope.Package
	if meta.FileMD5 == "" {
		meta = envelope.Data
	}
	meta.Project = project
	meta.FileName = fileName
	return &meta, nil
}

// Download runs the resumable download algorithm described by the package
// fetcher's spec: cached-artifact short-circuit, range-resumed streaming,
// MD5 verification, and atomic promotion to the final path.
func (f *Fetcher) Download(meta *Metadata, progress ProgressSink) DownloadResult {
	targetPath := filepath.Join(f.packageDir, meta.Project, meta.FileName)

	if hash, ok := f.hashOf(targetPath); ok && hash == meta.FileMD5 {
		return DownloadResult{Success: true, FilePath: targetPath, Cached: true}
	}

	tempPath := filepath.Join(f.tempDir, fmt.Sprintf("%s-%s", meta.Project, meta.FileName))
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return DownloadResult{Error: err.Error()}
	}

	offset := int64(0)
	if info, err := os.Stat(tempPath); err == nil {
		offset = info.Size()
	}

	if err := f.stream(meta, tempPath, offset, progress); err != nil {
		return DownloadResult{Error: err.Error()}
	}

	actual, err := hashFile(tempPath)
	if err != nil {
		return DownloadResult{Error: fmt.Sprintf("hash downloaded file: %v", err)}
	}
	if actual != meta.FileMD5 {
		_ = os.Remove(tempPath)
		return DownloadResult{Error: fmt.Sprintf("content hash mismatch: expected %s, got %s", meta.FileMD5, actual)}
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return DownloadResult{Error: err.Error()}
	}
	if err := promote(tempPath, targetPath); err != nil {
		return DownloadResult{Error: err.Error()}
	}

	f.cacheHash(targetPath, actual)
	return DownloadResult{Success: true, FilePath: targetPath, Cached: false}
}

func (f *Fetcher) stream(meta *Metadata, tempPath string, offset int64, progress ProgressSink) error {
	url := fmt.Sprintf("%s/packages/%s/%s/download", f.serverURL, meta.Project, meta.FileName)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download request failed: status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	total := resp.ContentLength + offset
	return copyWithProgress(out, resp.Body, offset, total, progress)
}

// copyWithProgress streams src into dst, invoking sink at most once per
// second with cumulative bytes received.
func copyWithProgress(dst io.Writer, src io.Reader, startAt, total int64, sink ProgressSink) error {
	buf := make([]byte, 32*1024)
	received := startAt
	lastEmit := time.Time{}

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			received += int64(n)
			if sink != nil && time.Since(lastEmit) >= time.Second {
				sink(received, total)
				lastEmit = time.Now()
			}
		}
		if readErr == io.EOF {
			if sink != nil {
				sink(received, total)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// promote atomically moves tempPath to targetPath, overwriting any existing
// file. Falls back to copy+remove across filesystem boundaries.
func promote(tempPath, targetPath string) error {
	if err := os.Rename(tempPath, targetPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(tempPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(targetPath, data, 0o644); err != nil {
		return err
	}
	return os.Remove(tempPath)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashOf returns path's content hash, reusing the cache entry when the
// file's size and modtime haven't changed since the last verification.
func (f *Fetcher) hashOf(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	key := cacheKey(path, info.Size(), info.ModTime())
	if f.hashCache != nil {
		if v, ok := f.hashCache.Get(key); ok {
			return v.hash, true
		}
	}

	hash, err := hashFile(path)
	if err != nil {
		return "", false
	}
	f.cacheHash(path, hash)
	return hash, true
}

func (f *Fetcher) cacheHash(path, hash string) {
	if f.hashCache == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	key := cacheKey(path, info.Size(), info.ModTime())
	f.hashCache.Add(key, verifiedHash{hash: hash, size: info.Size(), modTime: info.ModTime()})
}

func cacheKey(path string, size int64, modTime time.Time) string {
	return fmt.Sprintf("%s:%d:%d", path, size, modTime.UnixNano())
}

// PurgeVerifiedCache drops every cached hash, forcing the next Download's
// cached-artifact check to rehash from disk.
func (f *Fetcher) PurgeVerifiedCache() {
	if f.hashCache != nil {
		f.hashCache.Purge()
	}
}

// CleanupTempFiles removes files in tempDir older than 24 hours. Per-file
// failures do not stop the sweep.
func (f *Fetcher) CleanupTempFiles() {
	cutoff := time.Now().Add(-24 * time.Hour)
	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(f.tempDir, e.Name()))
		}
	}
}
