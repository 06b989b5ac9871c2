// Package driver binds unlocked containers to OS virtual block devices.
//
// The Bridge runs the mount and unmount protocol. The OS side is hidden
// behind Facility so the protocol can be exercised without kernel support;
// MemoryFacility keeps attached devices in-process and the nbd subpackage
// exposes them as Linux network block devices.
package driver

import "io"

// BlockIO is the plaintext view of a mounted container that a facility
// serves to the OS.
type BlockIO interface {
	io.ReaderAt
	io.WriterAt

	// Flush makes all completed writes durable.
	Flush() error

	// Trim marks whole sectors inside [off, off+length) as unwritten.
	Trim(off, length int64) error

	// Size is the logical capacity in bytes.
	Size() int64

	// SectorSize is the device block size in bytes.
	SectorSize() int
}

// AttachRequest describes a device to expose.
type AttachRequest struct {
	Path      string
	Letter    string
	SizeBytes uint64
	Device    BlockIO
}

// Handle identifies an attached device.
type Handle interface {
	DevicePath() string
}

// Facility is the OS virtual block device mechanism.
type Facility interface {
	Name() string
	Attach(req AttachRequest) (Handle, error)
	Detach(h Handle) error
}

// Reconciler is implemented by facilities that can tear down a device left
// attached by a previous process.
type Reconciler interface {
	ForceDetach(letter, device string) error
}
