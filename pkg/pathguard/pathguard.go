// Package pathguard confines user-supplied relative paths to a per-user
// content root.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadPath is returned for any traversal escape or resolution failure.
// Callers map it to a 400 without exposing the offending path.
var ErrBadPath = errors.New("bad path")

// CheckInside resolves root/rel and returns the absolute target path if it
// is a proper descendant of root. The final element need not exist, but its
// parent directory must — symlinks in the parent chain are resolved before
// the containment check, so a symlink pointing outside the root fails here
// rather than at use time.
//
// The containment comparison is segment-wise: /data/u1 does not contain
// /data/u1_evil.
func CheckInside(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}

	// Lexical check first: ".."-bearing and absolute paths are rejected
	// before any filesystem access.
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || rel == "" {
		return "", fmt.Errorf("%w: path resolves to the root itself", ErrBadPath)
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: path escapes the root", ErrBadPath)
	}

	full := filepath.Join(rootReal, rel)
	parentReal, err := filepath.EvalSymlinks(filepath.Dir(full))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	if !contains(rootReal, parentReal) {
		return "", fmt.Errorf("%w: path escapes the root", ErrBadPath)
	}

	base := filepath.Base(full)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: path resolves to the root itself", ErrBadPath)
	}
	return filepath.Join(parentReal, base), nil
}

// CheckDir is CheckInside for a path that must already exist as a
// directory inside the root (folder queries).
func CheckDir(root, rel string) (string, error) {
	target, err := CheckInside(root, rel)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	if !contains(rootReal, real) || real == rootReal {
		return "", fmt.Errorf("%w: path escapes the root", ErrBadPath)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: not a directory", ErrBadPath)
	}
	return real, nil
}

// contains reports whether p equals root or sits below it, comparing whole
// path segments.
func contains(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
