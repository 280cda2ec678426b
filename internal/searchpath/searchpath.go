// Package searchpath resolves kpack archive search paths: joining an
// embedded relative archive path against the containing binary's directory,
// and canonicalizing paths for use as cache keys (component C8).
package searchpath

import (
	"os"
	"path/filepath"
	"strings"
)

// SplitList splits a configured path list on the platform's path-list
// separator (':' on POSIX, ';' on Windows, i.e. os.PathListSeparator),
// skipping empty components.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolve joins candidate against the directory of baseBinaryPath when
// candidate is relative, then weakly canonicalizes the result (symlinks
// and "."/".." are resolved where the path exists; nonexistent trailing
// components are preserved unchanged). Any filesystem error is swallowed:
// the unresolved path is returned so the caller reports a clean "not
// found" later, per spec.md §4.8.
func Resolve(baseBinaryPath, candidate string) string {
	if filepath.IsAbs(candidate) {
		return candidate
	}
	joined := filepath.Join(filepath.Dir(baseBinaryPath), candidate)
	return weaklyCanonical(joined)
}

// Canonicalize returns the canonical (symlink-resolved, absolute) form of
// path, best-effort. If canonicalization fails for any reason, path is
// returned unchanged, matching spec.md §4.6 step 4's "raw path is used if
// canonicalization fails".
func Canonicalize(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return resolved
	}
	return abs
}

// weaklyCanonical resolves as much of path as exists on disk (symlinks,
// "."/".."), then reattaches any trailing components that do not exist,
// unchanged. This mirrors std::filesystem::weakly_canonical, which the
// reference implementation relies on: a path may legitimately point to an
// archive that hasn't been materialized yet relative to a symlinked
// install root.
func weaklyCanonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}

	var suffix []string
	dir := abs
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the filesystem root without finding an existing ancestor.
			return abs
		}
		suffix = append(suffix, filepath.Base(dir))
		dir = parent

		if _, err := os.Lstat(dir); err != nil {
			continue
		}
		resolvedDir, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return abs
		}
		full := resolvedDir
		for i := len(suffix) - 1; i >= 0; i-- {
			full = filepath.Join(full, suffix[i])
		}
		return full
	}
}
