package system

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ResolveContainerPath returns the canonical absolute path of an existing
// container file, rejecting directories and devices.
func ResolveContainerPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("container not found: %s", path)
		}
		return "", fmt.Errorf("failed to resolve container path: %w", err)
	}
	resolved = filepath.Clean(resolved)

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("container not accessible: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("container must be a regular file, not a directory or device: %s", resolved)
	}

	return resolved, nil
}

// GetAvailableSpace returns available space in bytes for the filesystem containing path
func GetAvailableSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
		return 0, fmt.Errorf("failed to get filesystem stats: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
