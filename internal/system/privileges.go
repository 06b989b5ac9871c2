package system

import (
	"os"

	"github.com/nace/ved/internal/errs"
)

// IsRoot reports whether the effective user can configure block devices.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// RequireRoot fails with a Driver error unless running as root. Attaching
// devices and mounting filesystems both need it.
func RequireRoot() error {
	if IsRoot() {
		return nil
	}
	return errs.New(errs.KindDriver, errs.PermissionDenied,
		"this command must be run as root (uid %d; try with sudo)", os.Geteuid())
}
