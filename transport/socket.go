//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/momentics/hioload-reactor/api"
	"golang.org/x/sys/unix"
)

// listenBacklog is the accept queue length passed to listen(2).
const listenBacklog = 128

// Socketpair returns two connected non-blocking unix stream sockets.
func Socketpair() (*FdConn, *FdConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	a, err := NewFdConn(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := NewFdConn(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

func sockaddr(addr string) (unix.Sockaddr, int, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := ta.IP.To4(); ip4 != nil || ta.IP == nil {
		sa := &unix.SockaddrInet4{Port: ta.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: ta.Port}
	copy(sa.Addr[:], ta.IP.To16())
	return sa, unix.AF_INET6, nil
}

func tcpAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	default:
		return nil
	}
}

// Dial starts a non-blocking TCP connect to addr. The connection completes
// asynchronously; it becomes writable once established and a failed
// connect surfaces on the first read or write (see FdConn.SocketError).
func Dial(addr string) (*FdConn, error) {
	sa, family, err := sockaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	c, err := NewFdConn(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	switch err := unix.Connect(fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EAGAIN, unix.EINTR:
		return c, nil
	case unix.EALREADY:
		c.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, api.ErrAlreadyExists)
	default:
		c.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, os.NewSyscallError("connect", err))
	}
}

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	fd   int
	addr net.Addr
}

// Listen binds addr and starts listening.
func Listen(addr string) (*Listener, error) {
	sa, family, err := sockaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	fail := func(op string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, os.NewSyscallError(op, err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("setnonblock", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	return &Listener{fd: fd, addr: tcpAddr(local)}, nil
}

// Addr returns the bound address, with the actual port when 0 was requested.
func (l *Listener) Addr() net.Addr { return l.addr }

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Accept returns the next pending connection, or api.ErrWouldBlock.
func (l *Listener) Accept() (*FdConn, error) {
	for {
		nfd, _, err := unix.Accept(l.fd)
		switch err {
		case nil:
			c, err := NewFdConn(nfd)
			if err != nil {
				unix.Close(nfd)
				return nil, err
			}
			_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return c, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, api.ErrWouldBlock
		default:
			return nil, os.NewSyscallError("accept", err)
		}
	}
}

// AcceptContext waits for a connection until ctx ends.
func (l *Listener) AcceptContext(ctx context.Context) (*FdConn, error) {
	pfd := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	for {
		c, err := l.Accept()
		if !errors.Is(err, api.ErrWouldBlock) {
			return c, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := unix.Poll(pfd, 50); err != nil && err != unix.EINTR {
			return nil, os.NewSyscallError("poll", err)
		}
	}
}

// Close shuts the listener down.
func (l *Listener) Close() error {
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	return os.NewSyscallError("close", unix.Close(l.fd))
}
