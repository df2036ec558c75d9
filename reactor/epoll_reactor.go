//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll backend.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"golang.org/x/sys/unix"
)

const defaultKind = KindEpoll

// epollBackend implements Backend using Linux epoll.
type epollBackend struct {
	epfd   int // epoll file descriptor
	waker  *waker
	edge   bool
	fds    map[int]api.Interest
	events []unix.EpollEvent
	closed bool
}

func newEpollBackend(opts Options) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	w, err := newWaker()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(w.fd())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, w.fd(), &ev); err != nil {
		w.close()
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add waker: %w", err)
	}
	return &epollBackend{
		epfd:   epfd,
		waker:  w,
		edge:   opts.EdgeTriggered,
		fds:    make(map[int]api.Interest),
		events: make([]unix.EpollEvent, opts.maxEvents()),
	}, nil
}

func (b *epollBackend) Kind() Kind { return KindEpoll }

func (b *epollBackend) mask(interest api.Interest) uint32 {
	// EPOLLRDHUP reports a peer half-close even when only writes are watched.
	events := uint32(unix.EPOLLRDHUP)
	if interest&api.Readable != 0 {
		events |= unix.EPOLLIN
	}
	if interest&api.Writable != 0 {
		events |= unix.EPOLLOUT
	}
	if b.edge {
		events |= unix.EPOLLET
	}
	return events
}

// Register adds a file descriptor to the epoll watch list.
func (b *epollBackend) Register(fd int, interest api.Interest) error {
	if b.closed {
		return ErrClosed
	}
	if err := validInterest(interest); err != nil {
		return err
	}
	if _, ok := b.fds[fd]; ok {
		return fmt.Errorf("epoll register fd %d: %w", fd, api.ErrAlreadyExists)
	}
	ev := unix.EpollEvent{Events: b.mask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if err == unix.EEXIST {
			return fmt.Errorf("epoll register fd %d: %w", fd, api.ErrAlreadyExists)
		}
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	b.fds[fd] = interest
	return nil
}

func (b *epollBackend) Modify(fd int, interest api.Interest) error {
	if b.closed {
		return ErrClosed
	}
	if err := validInterest(interest); err != nil {
		return err
	}
	cur, ok := b.fds[fd]
	if !ok {
		return fmt.Errorf("epoll modify fd %d: %w", fd, api.ErrNotFound)
	}
	if cur == interest && !b.edge {
		return nil
	}
	ev := unix.EpollEvent{Events: b.mask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	b.fds[fd] = interest
	return nil
}

// Unregister removes a file descriptor from the epoll watch list.
func (b *epollBackend) Unregister(fd int) error {
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.fds[fd]; !ok {
		return fmt.Errorf("epoll unregister fd %d: %w", fd, api.ErrNotFound)
	}
	delete(b.fds, fd)
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		// A descriptor closed behind our back is already gone from the set.
		if err == unix.EBADF || err == unix.ENOENT {
			return nil
		}
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Poll blocks and waits for events on registered file descriptors.
func (b *epollBackend) Poll(timeout time.Duration, out []Readiness) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("epoll poll: empty output buffer: %w", api.ErrInvalidArgument)
	}
	events := b.events
	if len(out) < len(events) {
		events = events[:len(out)]
	}

	n, err := unix.EpollWait(b.epfd, events, pollTimeoutMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	count := 0
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == b.waker.fd() {
			b.waker.drain()
			continue
		}
		if _, ok := b.fds[fd]; !ok {
			continue
		}
		var ready api.Interest
		if ev.Events&unix.EPOLLIN != 0 {
			ready |= api.Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= api.Writable
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ready |= api.Hangup
		}
		out[count] = Readiness{Fd: fd, Ready: ready}
		count++
	}
	return count, nil
}

func (b *epollBackend) Wake() error { return b.waker.wake() }

// Close releases the epoll and wake descriptors.
func (b *epollBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.fds = nil
	werr := b.waker.close()
	if err := unix.Close(b.epfd); err != nil {
		return fmt.Errorf("epoll close: %w", err)
	}
	return werr
}
