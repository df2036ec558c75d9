//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/reactor_bsd.go
// Author: momentics <momentics@gmail.com>
//
// Self-pipe wake-up for platforms without eventfd.

package reactor

import (
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const defaultKind = KindPoll

type waker struct {
	r, w int
}

func newWaker() (*waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	return &waker{r: p[0], w: p[1]}, nil
}

func (w *waker) fd() int { return w.r }

func (w *waker) wake() error {
	for {
		_, err := unix.Write(w.w, []byte{1})
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: pipe full, a wake-up is already pending.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("pipe write: %w", err)
		}
	}
}

func (w *waker) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (w *waker) close() error {
	return multierr.Append(unix.Close(w.r), unix.Close(w.w))
}
