// File: core/concurrency/controller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Controller is the thread-safe handle to a Loop. It is a small value and may
// be copied freely across goroutines.

package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/core/resource"
)

// Controller submits commands to a running loop.
type Controller struct {
	l *Loop
}

// Valid reports whether the controller is bound to a loop.
func (c Controller) Valid() bool { return c.l != nil }

// Events returns the loop's bounded event stream. It closes once the loop
// exits; events buffered by then remain readable.
func (c Controller) Events() <-chan api.Event { return c.l.pump.out }

// Done is closed once the loop has exited.
func (c Controller) Done() <-chan struct{} { return c.l.done }

// Register hands conn to the loop and waits for its ResourceID. On error the
// caller keeps ownership of conn and the loop never touches it. When ctx
// ends after the loop picked the command up, Register still waits for the
// outcome, so a nil error always means the resource is live. A Writable bit
// in interest requests a single WritableEvent once the descriptor can be
// written.
func (c Controller) Register(ctx context.Context, conn resource.Conn, interest api.Interest, h Handler) (api.ResourceID, error) {
	reply := make(chan registerReply, 1)
	cmd := registerCmd{conn: conn, interest: interest, handler: h, reply: reply, claim: new(atomic.Int32)}
	if err := c.submit(ctx, cmd); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-c.l.done:
		select {
		case r := <-reply:
			return r.id, r.err
		default:
			return 0, c.closedErr()
		}
	case <-ctx.Done():
		if cmd.abandon() {
			return 0, ctx.Err()
		}
		// The loop owns the command and answers it before touching anything else.
		r := <-reply
		return r.id, r.err
	}
}

// Unregister removes id and closes its descriptor.
func (c Controller) Unregister(ctx context.Context, id api.ResourceID) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, unregisterCmd{id: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.l.done:
		select {
		case err := <-reply:
			return err
		default:
			return c.closedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues data for id. The slice is copied. Delivery failures surface
// as ErrorEvents on the event stream.
func (c Controller) Send(ctx context.Context, id api.ResourceID, data []byte) error {
	return c.submit(ctx, sendCmd{id: id, data: append([]byte(nil), data...)})
}

// SetTimer schedules a TimerFiredEvent with zero Owner on the event stream.
func (c Controller) SetTimer(ctx context.Context, d time.Duration) (api.TimerID, error) {
	if d < 0 {
		return 0, fmt.Errorf("set timer %s: %w", d, api.ErrInvalidArgument)
	}
	id := c.l.nextTimerID()
	if err := c.submit(ctx, setTimerCmd{id: id, d: d}); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelTimer cancels a pending timer. Cancelling an expired or unknown
// timer is a no-op.
func (c Controller) CancelTimer(ctx context.Context, id api.TimerID) error {
	return c.submit(ctx, cancelTimerCmd{id: id})
}

// Shutdown asks the loop to stop and waits until it has released every
// descriptor or ctx ends. From here on the loop no longer waits for a slow
// event consumer; events that do not fit are dropped and counted.
func (c Controller) Shutdown(ctx context.Context) error {
	if c.l != nil {
		c.l.pump.release()
	}
	if err := c.submit(ctx, shutdownCmd{}); err != nil {
		return err
	}
	select {
	case <-c.l.done:
		if c.l.state.Load() == stateCrashed {
			return api.ErrLoopCrashed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c Controller) closedErr() error {
	switch c.l.state.Load() {
	case stateRunning:
		return nil
	case stateCrashed:
		return api.ErrLoopCrashed
	default:
		return api.ErrChannelClosed
	}
}

// submit enqueues cmd according to the overflow policy and wakes the loop.
func (c Controller) submit(ctx context.Context, cmd command) error {
	if c.l == nil {
		return fmt.Errorf("controller: %w", api.ErrInvalidArgument)
	}
	if err := c.closedErr(); err != nil {
		return err
	}
	if c.l.opts.Overflow == control.OverflowFail {
		select {
		case c.l.cmds <- cmd:
		default:
			return api.ErrChannelFull
		}
	} else {
		select {
		case c.l.cmds <- cmd:
		case <-c.l.done:
			return c.closedErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.l.wake()
	return nil
}
