// Package fsutil guards filesystem paths that are derived from API input.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot marks a candidate path that would land outside its
// confinement root after cleaning and symlink resolution.
var ErrOutsideRoot = errors.New("path escapes confinement root")

// ConfineRelPath joins relTarget onto root and returns the physical
// location, guaranteeing it stays underneath root even when symlinks sit
// anywhere along the way. Session auth dirs are keyed by instance IDs that
// arrive over the API, so every path built from one goes through here
// before it touches the disk.
//
// relTarget must be relative; absolute targets and backslashes are
// rejected outright rather than normalized.
func ConfineRelPath(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, "\\") {
		return "", fmt.Errorf("backslash in %q: %w", relTarget, ErrOutsideRoot)
	}

	rel := filepath.Clean(relTarget)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute target %q: %w", relTarget, ErrOutsideRoot)
	}
	if escapesUpward(rel) {
		return "", fmt.Errorf("traversal in %q: %w", relTarget, ErrOutsideRoot)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}

	physical, err := physicalPath(filepath.Join(realRoot, rel))
	if err != nil {
		return "", err
	}

	if !contained(realRoot, physical) {
		return "", fmt.Errorf("%q resolves outside %q: %w", relTarget, root, ErrOutsideRoot)
	}
	return physical, nil
}

// escapesUpward reports whether the cleaned relative path starts by leaving
// its directory. ".." embedded in a file name stays legal.
func escapesUpward(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveRoot anchors the confinement boundary at the physical root, so a
// symlinked data dir (common with mounted volumes) still confines its
// children. A root that exists but cannot be resolved is used as-is.
func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return abs, nil
	}
	return real, nil
}

// physicalPath resolves candidate through symlinks. A candidate that does
// not exist yet (the common case right before a session dir is created) is
// resolved via its parent with the leaf re-appended; one that exists but
// cannot be resolved fails closed.
func physicalPath(candidate string) (string, error) {
	if _, err := os.Lstat(candidate); err == nil {
		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", candidate, err)
		}
		return real, nil
	}

	parent := filepath.Dir(candidate)
	real, err := filepath.EvalSymlinks(parent)
	if err != nil {
		if _, statErr := os.Stat(parent); statErr == nil {
			return "", fmt.Errorf("resolve parent of %q: %w", candidate, err)
		}
		// Parent missing too; containment falls back to the lexical path.
		return candidate, nil
	}
	return filepath.Join(real, filepath.Base(candidate)), nil
}

func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsRegularFile reports an error unless path exists and is a regular file.
// Guards registry and idempotency reads against directories and devices
// showing up where a JSON file is expected.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
