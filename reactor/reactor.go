// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness backend contract and factory.

package reactor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/momentics/hioload-reactor/api"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("reactor: backend is closed")

// ErrNotSupported is returned when a backend kind is unavailable on this platform.
var ErrNotSupported = errors.New("reactor: backend not supported on this platform")

// Kind selects a backend implementation.
type Kind string

const (
	KindEpoll Kind = "epoll"
	KindPoll  Kind = "poll"
)

// DefaultKind is the preferred backend for the running platform.
func DefaultKind() Kind { return defaultKind }

// Readiness is a single readiness report.
type Readiness struct {
	Fd    int
	Ready api.Interest
}

// Backend abstracts the OS readiness primitive. A backend is owned by a single
// goroutine, except Wake which may be called from anywhere.
type Backend interface {
	// Register starts watching fd. Registering an fd twice fails with
	// api.ErrAlreadyExists.
	Register(fd int, interest api.Interest) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd int, interest api.Interest) error

	// Unregister stops watching fd. The descriptor itself is not closed.
	Unregister(fd int) error

	// Poll blocks up to timeout (forever when negative) and writes ready
	// descriptors into out. It returns early when Wake is called.
	Poll(timeout time.Duration, out []Readiness) (int, error)

	// Wake interrupts a concurrent or the next Poll.
	Wake() error

	// Close releases the backend and its wake descriptor.
	Close() error

	Kind() Kind
}

// Options tune backend construction.
type Options struct {
	// MaxEvents bounds the events collected by a single Poll.
	MaxEvents int
	// EdgeTriggered selects EPOLLET for the epoll backend. poll(2) is always
	// level-triggered and ignores it.
	EdgeTriggered bool
}

func (o Options) maxEvents() int {
	if o.MaxEvents <= 0 {
		return 128
	}
	return o.MaxEvents
}

// New constructs a backend of the requested kind.
func New(kind Kind, opts Options) (Backend, error) {
	switch kind {
	case "":
		return New(defaultKind, opts)
	case KindEpoll:
		return newEpollBackend(opts)
	case KindPoll:
		return newPollBackend(opts)
	default:
		return nil, fmt.Errorf("reactor: unknown backend %q: %w", kind, api.ErrInvalidArgument)
	}
}

// pollTimeoutMs converts a timeout to milliseconds, rounding up so a poll
// never returns before a deadline it was sized for.
func pollTimeoutMs(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func validInterest(interest api.Interest) error {
	if interest&^(api.Readable|api.Writable) != 0 {
		return fmt.Errorf("reactor: interest %s: %w", interest, api.ErrInvalidArgument)
	}
	return nil
}
