//go:build linux

package nbd

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ioctl request numbers from linux/nbd.h.
const (
	ioctlSetSock    = 0xab00
	ioctlSetBlksize = 0xab01
	ioctlSetSize    = 0xab02
	ioctlDoIt       = 0xab03
	ioctlClearSock  = 0xab04
	ioctlClearQueue = 0xab05
	ioctlDisconnect = 0xab08
	ioctlSetTimeout = 0xab09
	ioctlSetFlags   = 0xab0a
)

// socketPair returns the kernel end and the server end of a stream socket.
func socketPair() (kernel, server *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "nbd-kernel"), os.NewFile(uintptr(fds[1]), "nbd-server"), nil
}

func configure(dev, sock *os.File, size uint64, blockSize uint32, timeout time.Duration) error {
	fd := int(dev.Fd())
	steps := []struct {
		name string
		req  uint
		arg  int
	}{
		{"NBD_CLEAR_SOCK", ioctlClearSock, 0},
		{"NBD_SET_BLKSIZE", ioctlSetBlksize, int(blockSize)},
		{"NBD_SET_SIZE", ioctlSetSize, int(size)},
		{"NBD_SET_FLAGS", ioctlSetFlags, int(flagHasFlags | flagSendFlush | flagSendTrim)},
		{"NBD_SET_TIMEOUT", ioctlSetTimeout, int(timeout / time.Second)},
		{"NBD_SET_SOCK", ioctlSetSock, int(sock.Fd())},
	}
	for _, s := range steps {
		if err := unix.IoctlSetInt(fd, s.req, s.arg); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// doIt blocks serving the device until it is disconnected.
func doIt(dev *os.File) error {
	fd := int(dev.Fd())
	err := unix.IoctlSetInt(fd, ioctlDoIt, 0)
	unix.IoctlSetInt(fd, ioctlClearQueue, 0)
	unix.IoctlSetInt(fd, ioctlClearSock, 0)
	if err != nil {
		return fmt.Errorf("NBD_DO_IT: %w", err)
	}
	return nil
}

func disconnect(dev *os.File) error {
	if err := unix.IoctlSetInt(int(dev.Fd()), ioctlDisconnect, 0); err != nil {
		return fmt.Errorf("NBD_DISCONNECT: %w", err)
	}
	return nil
}

func clearSock(dev *os.File) error {
	if err := unix.IoctlSetInt(int(dev.Fd()), ioctlClearSock, 0); err != nil {
		return fmt.Errorf("NBD_CLEAR_SOCK: %w", err)
	}
	return nil
}
