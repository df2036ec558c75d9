// File: core/concurrency/pump.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// eventPump is the bounded event stream from the loop to its consumer. Only
// the loop goroutine pushes and closes it; buffered events stay readable
// after close.

package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
)

type eventPump struct {
	out      chan api.Event
	policy   control.OverflowPolicy
	released chan struct{}
	once     sync.Once
	dropped  atomic.Uint64
	closed   bool
}

func newEventPump(size int, policy control.OverflowPolicy) *eventPump {
	return &eventPump{
		out:      make(chan api.Event, size),
		policy:   policy,
		released: make(chan struct{}),
	}
}

// push delivers ev. With OverflowBlock it waits for the consumer until the
// pump is released; otherwise a full stream drops ev. It reports whether ev
// was queued.
func (p *eventPump) push(ev api.Event) bool {
	if p.closed {
		return false
	}
	select {
	case p.out <- ev:
		return true
	default:
	}
	if p.policy == control.OverflowBlock {
		select {
		case p.out <- ev:
			return true
		case <-p.released:
		}
	}
	p.dropped.Add(1)
	return false
}

// release stops push from waiting on the consumer. Safe from any goroutine.
func (p *eventPump) release() {
	p.once.Do(func() { close(p.released) })
}

func (p *eventPump) close() {
	if p.closed {
		return
	}
	p.closed = true
	p.release()
	close(p.out)
}

func (p *eventPump) pending() int { return len(p.out) }
