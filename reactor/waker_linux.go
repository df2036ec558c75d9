//go:build linux
// +build linux

// File: reactor/waker_linux.go
// Author: momentics <momentics@gmail.com>
//
// eventfd based wake-up descriptor.

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

type waker struct {
	efd int
}

func newWaker() (*waker, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &waker{efd: efd}, nil
}

func (w *waker) fd() int { return w.efd }

// wake may be called from any goroutine.
func (w *waker) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.efd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: counter saturated, a wake-up is already pending.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("eventfd write: %w", err)
		}
	}
}

func (w *waker) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.efd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (w *waker) close() error {
	return unix.Close(w.efd)
}
