// Package pathsafety validates deploy-target paths before any filesystem
// mutation touches them.
package pathsafety

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// maxPathLength rejects absolute resolved paths longer than this many
// characters, mirroring the Windows MAX_PATH constraint agents must respect
// regardless of host OS.
const maxPathLength = 260

// denylistPrefixes are resolved-path prefixes that must never be a deploy
// target, independent of the allowlist.
var denylistPrefixes = []string{
	"/etc", "/var/log", "/usr", "/bin", "/sbin", "/root", "/home",
	`C:\Windows`, `C:\Program`,
}

// ValidationResult is the outcome of ValidateDeployPath.
type ValidationResult struct {
	Valid  bool
	Path   string
	Reason string
}

// AccessibilityResult is the outcome of CheckAccessibility.
type AccessibilityResult struct {
	Accessible bool
	Writable   bool
	Reason     string
}

// defaultAllowlist returns the directories a deploy path is allowed to
// resolve under, in addition to the process's own working directory.
func defaultAllowlist() []string {
	list := []string{}
	if cwd, err := os.Getwd(); err == nil {
		list = append(list, cwd)
	}
	list = append(list, os.TempDir(), "/tmp", "/var/tmp")
	if runtime.GOOS == "windows" {
		if tmp := os.Getenv("TEMP"); tmp != "" {
			list = append(list, tmp)
		}
		if tmp := os.Getenv("TMP"); tmp != "" {
			list = append(list, tmp)
		}
	}
	return list
}

// ValidateDeployPath validates input against the denylist and allowlist,
// falling back to def when input is rejected, and to def itself (marked
// valid with an explanatory reason) when even the default fails.
func ValidateDeployPath(input, def string) ValidationResult {
	if res, ok := validateCandidate(input); ok {
		return res
	}

	if res, ok := validateCandidate(def); ok {
		return res
	}

	return ValidationResult{
		Valid:  true,
		Path:   def,
		Reason: "both supplied and default paths failed validation; proceeding with default, relying on accessibility check",
	}
}

// validateCandidate reports whether candidate passes validation, and if so
// returns its resolved result.
func validateCandidate(candidate string) (ValidationResult, bool) {
	if strings.TrimSpace(candidate) == "" {
		return ValidationResult{}, false
	}
	if strings.Contains(candidate, "..") {
		return ValidationResult{}, false
	}

	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return ValidationResult{}, false
	}
	resolved = filepath.Clean(resolved)

	if len(resolved) > maxPathLength {
		return ValidationResult{}, false
	}

	if matchesDenylist(resolved) {
		return ValidationResult{}, false
	}

	if !matchesAllowlist(resolved) {
		return ValidationResult{}, false
	}

	return ValidationResult{Valid: true, Path: resolved}, true
}

func matchesDenylist(resolved string) bool {
	cmp := resolved
	if runtime.GOOS == "windows" {
		cmp = strings.ToLower(cmp)
	}
	for _, prefix := range denylistPrefixes {
		p := prefix
		if runtime.GOOS == "windows" {
			p = strings.ToLower(p)
		}
		if strings.HasPrefix(cmp, p) {
			return true
		}
	}
	return false
}

func matchesAllowlist(resolved string) bool {
	for _, allowed := range defaultAllowlist() {
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		allowedAbs = filepath.Clean(allowedAbs)
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CheckAccessibility ensures path exists (creating it if necessary) and is
// readable and writable, probed with a write-then-remove sentinel file.
func CheckAccessibility(path string) AccessibilityResult {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return AccessibilityResult{Accessible: false, Writable: false, Reason: "create directory: " + err.Error()}
	}

	sentinel := filepath.Join(path, ".accessibility-probe")
	if err := os.WriteFile(sentinel, []byte("probe"), 0o644); err != nil {
		return AccessibilityResult{Accessible: true, Writable: false, Reason: "write probe: " + err.Error()}
	}
	_ = os.Remove(sentinel)

	return AccessibilityResult{Accessible: true, Writable: true}
}
