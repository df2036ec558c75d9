// File: api/events.go
// Package api defines core event types for hioload-reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Event is one of ReadableEvent, WritableEvent, ErrorEvent, TimerFiredEvent or
// LoopCrashedEvent.
type Event interface {
	isEvent()
}

// ReadableEvent carries bytes read from a resource.
type ReadableEvent struct {
	ID   ResourceID
	Data []byte
}

// WritableEvent reports that the write queue of a resource drained, or that a
// one-shot writable notification requested at registration fired.
type WritableEvent struct {
	ID ResourceID
}

// ErrorEvent reports a failure of a single resource. Transport, oversize and
// internal failures are followed by an automatic unregister.
type ErrorEvent struct {
	ID   ResourceID
	Kind ErrorCode
	Err  error
}

// TimerFiredEvent reports an expired timer. Owner is zero for timers set
// through the controller.
type TimerFiredEvent struct {
	ID    TimerID
	Owner ResourceID
}

// LoopCrashedEvent is the last event of a reactor whose backend failed.
type LoopCrashedEvent struct {
	Reason error
}

func (ReadableEvent) isEvent()    {}
func (WritableEvent) isEvent()    {}
func (ErrorEvent) isEvent()       {}
func (TimerFiredEvent) isEvent()  {}
func (LoopCrashedEvent) isEvent() {}
