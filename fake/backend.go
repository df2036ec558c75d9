// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"fmt"
	"sync"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/reactor"
)

// Backend is an in-memory reactor.Backend. Readiness is injected by tests;
// with AutoWritable set, every fd whose interest includes Writable is reported
// writable on each poll, which pairs well with Conn.
type Backend struct {
	mu           sync.Mutex
	fds          map[int]api.Interest
	pending      []reactor.Readiness
	pollErr      error
	autoWritable bool
	wakes        int
	closed       bool
	signal       chan struct{}
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		fds:    make(map[int]api.Interest),
		signal: make(chan struct{}, 1),
	}
}

func (b *Backend) Kind() reactor.Kind { return "fake" }

func (b *Backend) Register(fd int, interest api.Interest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return reactor.ErrClosed
	}
	if _, ok := b.fds[fd]; ok {
		return fmt.Errorf("fake register fd %d: %w", fd, api.ErrAlreadyExists)
	}
	b.fds[fd] = interest
	return nil
}

func (b *Backend) Modify(fd int, interest api.Interest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fds[fd]; !ok {
		return fmt.Errorf("fake modify fd %d: %w", fd, api.ErrNotFound)
	}
	b.fds[fd] = interest
	return nil
}

func (b *Backend) Unregister(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fds[fd]; !ok {
		return fmt.Errorf("fake unregister fd %d: %w", fd, api.ErrNotFound)
	}
	delete(b.fds, fd)
	return nil
}

func (b *Backend) Poll(timeout time.Duration, out []reactor.Readiness) (int, error) {
	if n, ready, err := b.collect(out); ready {
		return n, err
	}
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-b.signal:
	case <-timer:
	}
	n, _, err := b.collect(out)
	return n, err
}

func (b *Backend) collect(out []reactor.Readiness) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, true, reactor.ErrClosed
	}
	if b.pollErr != nil {
		return 0, true, b.pollErr
	}
	n := 0
	for len(b.pending) > 0 && n < len(out) {
		r := b.pending[0]
		b.pending = b.pending[1:]
		if _, ok := b.fds[r.Fd]; !ok {
			continue
		}
		out[n] = r
		n++
	}
	if b.autoWritable {
		for fd, interest := range b.fds {
			if n == len(out) {
				break
			}
			if interest.Has(api.Writable) {
				out[n] = reactor.Readiness{Fd: fd, Ready: api.Writable}
				n++
			}
		}
	}
	return n, n > 0, nil
}

func (b *Backend) Wake() error {
	b.mu.Lock()
	b.wakes++
	b.mu.Unlock()
	b.notify()
	return nil
}

func (b *Backend) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Inject queues a readiness report for the next poll.
func (b *Backend) Inject(fd int, ready api.Interest) {
	b.mu.Lock()
	b.pending = append(b.pending, reactor.Readiness{Fd: fd, Ready: ready})
	b.mu.Unlock()
	b.notify()
}

// FailPoll makes every following poll return err.
func (b *Backend) FailPoll(err error) {
	b.mu.Lock()
	b.pollErr = err
	b.mu.Unlock()
	b.notify()
}

// SetAutoWritable toggles automatic writable reports.
func (b *Backend) SetAutoWritable(on bool) {
	b.mu.Lock()
	b.autoWritable = on
	b.mu.Unlock()
	b.notify()
}

// Interest returns the registered interest of fd.
func (b *Backend) Interest(fd int) (api.Interest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.fds[fd]
	return i, ok
}

// Registered reports the number of watched descriptors.
func (b *Backend) Registered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fds)
}

// Wakes reports how many times Wake was called.
func (b *Backend) Wakes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakes
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var _ reactor.Backend = (*Backend)(nil)
