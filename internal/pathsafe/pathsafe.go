// Package pathsafe validates user-supplied filesystem paths before they are
// opened for writing. It is deliberately small and dependency-free: the
// checks are string/path manipulation plus symlink resolution through
// path/filepath, with no natural home in any third-party library in the
// stack.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmpty is returned for an empty path.
	ErrEmpty = errors.New("pathsafe: path is empty")
	// ErrNUL is returned for a path containing an embedded NUL byte.
	ErrNUL = errors.New("pathsafe: path contains a NUL byte")
	// ErrDotDot is returned for a path containing a ".." component.
	ErrDotDot = errors.New("pathsafe: path contains a \"..\" component")
	// ErrNotAbsolute is returned when no base directory is supplied and the
	// path is not absolute.
	ErrNotAbsolute = errors.New("pathsafe: path must be absolute")
	// ErrEscapesBase is returned when the path resolves outside a supplied
	// base directory.
	ErrEscapesBase = errors.New("pathsafe: path escapes the base directory")
)

// Validate checks path against the rules of §6: reject empty paths, NUL
// bytes, and ".." components. If base is non-empty, the canonicalized path
// (or its parent's canonicalization, for a path that does not yet exist)
// must lie under the canonicalized base. If base is empty, path must be
// absolute.
func Validate(path string, base string) error {
	if path == "" {
		return ErrEmpty
	}
	if strings.ContainsRune(path, 0) {
		return ErrNUL
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return ErrDotDot
		}
	}

	if base == "" {
		if !filepath.IsAbs(path) {
			return ErrNotAbsolute
		}
		return nil
	}

	cleanBase, err := filepath.Abs(base)
	if err != nil {
		return err
	}
	cleanBase = filepath.Clean(cleanBase)
	// The base directory may not exist yet on a first run (it is often
	// created by the component that calls Validate); in that case there is
	// nothing to resolve, and the containment check below still runs
	// against the unresolved, absolute base.
	if resolved, err := filepath.EvalSymlinks(cleanBase); err == nil {
		cleanBase = resolved
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(cleanBase, target)
	}
	target = filepath.Clean(target)

	if !withinBase(target, cleanBase) {
		return ErrEscapesBase
	}

	// The nominal, cleaned path can still escape base through a symlink:
	// the account being observed may fully control directories under base
	// and can plant a symlink there pointing anywhere on the filesystem.
	// Canonicalize the longest existing ancestor of target (the file
	// itself if it exists, its parent directory otherwise) and re-check,
	// mirroring the original implementation's canonicalize-then-check.
	resolved, err := resolveExistingAncestor(target)
	if err != nil {
		return err
	}
	if !withinBase(resolved, cleanBase) {
		return ErrEscapesBase
	}

	return nil
}

// withinBase reports whether target is base itself or a descendant of it.
func withinBase(target, base string) bool {
	return target == base || strings.HasPrefix(target+string(filepath.Separator), base+string(filepath.Separator))
}

// resolveExistingAncestor resolves symlinks on the longest existing prefix
// of target and rejoins the not-yet-existing suffix (if any) unchanged. A
// target with no existing ancestor at all (not even the filesystem root's
// siblings) is returned as-is: there is nothing left to resolve.
func resolveExistingAncestor(target string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("pathsafe: resolve %q: %w", target, err)
	}

	suffix := filepath.Base(target)
	dir := filepath.Dir(target)
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("pathsafe: resolve %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return target, nil
		}
		suffix = filepath.Join(filepath.Base(dir), suffix)
		dir = parent
	}
}
