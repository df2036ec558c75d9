// File: core/concurrency/commands.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Commands travel from Controller handles to the loop over a bounded
// channel. Only this package constructs them.

package concurrency

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/resource"
)

type command interface {
	kind() string
	// reject answers a command the loop will never apply.
	reject(err error)
}

type registerReply struct {
	id  api.ResourceID
	err error
}

// Register commands are claimed by exactly one side: the loop before it
// touches conn, or the caller when its context ends first.
const (
	registerQueued int32 = iota
	registerClaimed
	registerAbandoned
)

type registerCmd struct {
	conn     resource.Conn
	interest api.Interest
	handler  Handler
	reply    chan registerReply
	claim    *atomic.Int32
}

func (c registerCmd) take() bool {
	return c.claim.CompareAndSwap(registerQueued, registerClaimed)
}

func (c registerCmd) abandon() bool {
	return c.claim.CompareAndSwap(registerQueued, registerAbandoned)
}

type unregisterCmd struct {
	id    api.ResourceID
	reply chan error
}

type sendCmd struct {
	id   api.ResourceID
	data []byte
}

type setTimerCmd struct {
	id api.TimerID
	d  time.Duration
}

type cancelTimerCmd struct {
	id api.TimerID
}

type shutdownCmd struct{}

func (registerCmd) kind() string    { return "register" }
func (unregisterCmd) kind() string  { return "unregister" }
func (sendCmd) kind() string        { return "send" }
func (setTimerCmd) kind() string    { return "set_timer" }
func (cancelTimerCmd) kind() string { return "cancel_timer" }
func (shutdownCmd) kind() string    { return "shutdown" }

func (c registerCmd) reject(err error)   { c.reply <- registerReply{err: err} }
func (c unregisterCmd) reject(err error) { c.reply <- err }
func (sendCmd) reject(error)             {}
func (setTimerCmd) reject(error)         {}
func (cancelTimerCmd) reject(error)      {}
func (shutdownCmd) reject(error)         {}
