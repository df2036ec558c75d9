//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/momentics/hioload-reactor/api"
	"golang.org/x/sys/unix"
)

// FdConn is a non-blocking stream socket owned by the caller until it is
// registered with a reactor.
type FdConn struct {
	fd     int
	closed atomic.Bool
}

// NewFdConn wraps fd, switching it to non-blocking mode.
func NewFdConn(fd int) (*FdConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}
	unix.CloseOnExec(fd)
	return &FdConn{fd: fd}, nil
}

// Fd returns the raw descriptor.
func (c *FdConn) Fd() int { return c.fd }

// Read returns api.ErrWouldBlock when no data is available and io.EOF once
// the peer closed its side.
func (c *FdConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch err {
		case nil:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Write returns the bytes accepted by the kernel; api.ErrWouldBlock when
// none were.
func (c *FdConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, os.NewSyscallError("write", err)
		}
	}
}

// SocketError returns the pending socket error, e.g. a failed asynchronous
// connect.
func (c *FdConn) SocketError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return os.NewSyscallError("connect", unix.Errno(v))
	}
	return nil
}

// CloseWrite shuts down the sending side.
func (c *FdConn) CloseWrite() error {
	return os.NewSyscallError("shutdown", unix.Shutdown(c.fd, unix.SHUT_WR))
}

// Close releases the descriptor. Safe to call twice.
func (c *FdConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(c.fd))
}
