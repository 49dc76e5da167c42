// Package pathutil holds path checks that guard destructive filesystem
// operations on session workspaces.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Within reports whether candidate equals parent or lies below it. Both paths
// are compared lexically after cleaning; symlinks are not resolved.
func Within(candidate, parent string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(candidate))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// StrictlyWithin is Within without the equality case.
func StrictlyWithin(candidate, parent string) bool {
	return filepath.Clean(candidate) != filepath.Clean(parent) && Within(candidate, parent)
}

// IsFilesystemRoot reports whether path points to filesystem root (POSIX or Windows volume root).
func IsFilesystemRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(clean)
	return volume != "" && clean == volume+string(filepath.Separator)
}
