//go:build !linux

package nbd

import (
	"os"
	"time"

	"github.com/nace/ved/internal/errs"
)

var errUnsupported = errs.New(errs.KindDriver, errs.DriverUnavailable, "nbd is only available on linux")

func socketPair() (kernel, server *os.File, err error) {
	return nil, nil, errUnsupported
}

func configure(dev, sock *os.File, size uint64, blockSize uint32, timeout time.Duration) error {
	return errUnsupported
}

func doIt(dev *os.File) error {
	return errUnsupported
}

func disconnect(dev *os.File) error {
	return errUnsupported
}

func clearSock(dev *os.File) error {
	return errUnsupported
}
