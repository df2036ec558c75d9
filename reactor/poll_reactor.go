//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

// File: reactor/poll_reactor.go
// Author: momentics <momentics@gmail.com>
//
// Portable poll(2) backend. Always level-triggered.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"golang.org/x/sys/unix"
)

type pollBackend struct {
	waker  *waker
	fds    map[int]api.Interest
	order  []int // registration order, keeps reports deterministic
	pfds   []unix.PollFd
	closed bool
}

func newPollBackend(opts Options) (Backend, error) {
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	return &pollBackend{
		waker: w,
		fds:   make(map[int]api.Interest),
		pfds:  make([]unix.PollFd, 0, opts.maxEvents()+1),
	}, nil
}

func (b *pollBackend) Kind() Kind { return KindPoll }

func (b *pollBackend) Register(fd int, interest api.Interest) error {
	if b.closed {
		return ErrClosed
	}
	if err := validInterest(interest); err != nil {
		return err
	}
	if _, ok := b.fds[fd]; ok {
		return fmt.Errorf("poll register fd %d: %w", fd, api.ErrAlreadyExists)
	}
	b.fds[fd] = interest
	b.order = append(b.order, fd)
	return nil
}

func (b *pollBackend) Modify(fd int, interest api.Interest) error {
	if b.closed {
		return ErrClosed
	}
	if err := validInterest(interest); err != nil {
		return err
	}
	if _, ok := b.fds[fd]; !ok {
		return fmt.Errorf("poll modify fd %d: %w", fd, api.ErrNotFound)
	}
	b.fds[fd] = interest
	return nil
}

func (b *pollBackend) Unregister(fd int) error {
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.fds[fd]; !ok {
		return fmt.Errorf("poll unregister fd %d: %w", fd, api.ErrNotFound)
	}
	delete(b.fds, fd)
	for i, v := range b.order {
		if v == fd {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *pollBackend) Poll(timeout time.Duration, out []Readiness) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("poll: empty output buffer: %w", api.ErrInvalidArgument)
	}

	b.pfds = b.pfds[:0]
	b.pfds = append(b.pfds, unix.PollFd{Fd: int32(b.waker.fd()), Events: unix.POLLIN})
	for _, fd := range b.order {
		var events int16
		interest := b.fds[fd]
		if interest&api.Readable != 0 {
			events |= unix.POLLIN
		}
		if interest&api.Writable != 0 {
			events |= unix.POLLOUT
		}
		b.pfds = append(b.pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	n, err := unix.Poll(b.pfds, pollTimeoutMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if b.pfds[0].Revents != 0 {
		b.waker.drain()
	}
	count := 0
	for _, p := range b.pfds[1:] {
		if p.Revents == 0 {
			continue
		}
		if count == len(out) {
			// Level-triggered: the rest is reported again by the next poll.
			break
		}
		var ready api.Interest
		if p.Revents&unix.POLLIN != 0 {
			ready |= api.Readable
		}
		if p.Revents&unix.POLLOUT != 0 {
			ready |= api.Writable
		}
		if p.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ready |= api.Hangup
		}
		out[count] = Readiness{Fd: int(p.Fd), Ready: ready}
		count++
	}
	return count, nil
}

func (b *pollBackend) Wake() error { return b.waker.wake() }

func (b *pollBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.fds = nil
	b.order = nil
	return b.waker.close()
}
