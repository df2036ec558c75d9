// File: core/concurrency/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handler contracts and the loop-local Context handed to them.

package concurrency

import (
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
	"go.uber.org/zap"
)

// Handler receives the events of one resource on the loop goroutine.
type Handler interface {
	HandleEvent(ctx *Context, ev api.Event)
}

// Attacher is implemented by handlers that act right after registration,
// before the first poll.
type Attacher interface {
	Attached(ctx *Context)
}

// Detacher is implemented by handlers that release state when their
// resource goes away. err is nil for an explicit unregister.
type Detacher interface {
	Detached(ctx *Context, err error)
}

// SendInterceptor is implemented by handlers that transform controller Send
// payloads before they reach the write queue.
type SendInterceptor interface {
	HandleSend(ctx *Context, data []byte)
}

// Context gives a handler loop-local access to its resource. It must not be
// retained or used from other goroutines.
type Context struct {
	loop *Loop
	id   api.ResourceID
}

// ID returns the resource id.
func (c *Context) ID() api.ResourceID { return c.id }

// Send queues p for writing. The bytes are copied.
func (c *Context) Send(p []byte) error {
	s, err := c.loop.live(c.id)
	if err != nil {
		return err
	}
	if s.closing {
		return ErrUnregistering
	}
	if err := s.res.Enqueue(p); err != nil {
		return err
	}
	c.loop.syncInterest(s)
	return nil
}

// Pending returns the bytes still queued for writing.
func (c *Context) Pending() int {
	s, err := c.loop.live(c.id)
	if err != nil {
		return 0
	}
	return s.res.Pending()
}

// Unregister removes the resource at the end of the current iteration.
func (c *Context) Unregister() {
	c.loop.scheduleUnregister(c.id, nil)
}

// SetTimer schedules a TimerFiredEvent for this resource.
func (c *Context) SetTimer(d time.Duration) api.TimerID {
	id := c.loop.nextTimerID()
	c.loop.timers.Add(id, c.id, d)
	return id
}

// CancelTimer cancels a pending timer; it reports whether one was pending.
func (c *Context) CancelTimer(id api.TimerID) bool {
	return c.loop.timers.Cancel(id)
}

// Emit forwards ev to the controller event stream.
func (c *Context) Emit(ev api.Event) {
	c.loop.emit(ev)
}

// Logger returns the loop logger annotated with the resource id.
func (c *Context) Logger() *zap.Logger {
	return c.loop.log.With(zap.Uint64("resource", uint64(c.id)))
}

// Metrics returns the loop metrics; it may be nil.
func (c *Context) Metrics() *control.Metrics { return c.loop.metrics }

// Now returns the loop clock's current time.
func (c *Context) Now() time.Time { return c.loop.timers.Now() }
