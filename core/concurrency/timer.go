// File: core/concurrency/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TimerManager keeps reactor timers in a min-heap ordered by deadline.
// Cancellation is lazy: a cancelled entry stays in the heap and is skipped
// when it reaches the top. Owned by the loop goroutine.

package concurrency

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-reactor/api"
)

// FiredTimer is an expired timer returned by TimerManager.Expired.
type FiredTimer struct {
	ID    api.TimerID
	Owner api.ResourceID
}

type timerEntry struct {
	id       api.TimerID
	owner    api.ResourceID
	deadline time.Time
	seq      uint64
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerManager schedules one-shot timers.
type TimerManager struct {
	clock clock.Clock
	queue timerHeap
	live  map[api.TimerID]api.ResourceID
	seq   uint64
}

// NewTimerManager creates a manager driven by clk; nil uses the wall clock.
func NewTimerManager(clk clock.Clock) *TimerManager {
	if clk == nil {
		clk = clock.New()
	}
	return &TimerManager{
		clock: clk,
		live:  make(map[api.TimerID]api.ResourceID),
	}
}

// Now returns the manager's current time.
func (tm *TimerManager) Now() time.Time { return tm.clock.Now() }

// Add schedules id to fire after d on behalf of owner (zero for the
// controller).
func (tm *TimerManager) Add(id api.TimerID, owner api.ResourceID, d time.Duration) {
	if d < 0 {
		d = 0
	}
	tm.seq++
	heap.Push(&tm.queue, &timerEntry{
		id:       id,
		owner:    owner,
		deadline: tm.clock.Now().Add(d),
		seq:      tm.seq,
	})
	tm.live[id] = owner
}

// Cancel reports whether id was pending.
func (tm *TimerManager) Cancel(id api.TimerID) bool {
	if _, ok := tm.live[id]; !ok {
		return false
	}
	delete(tm.live, id)
	return true
}

// CancelOwner drops every timer owned by a resource.
func (tm *TimerManager) CancelOwner(owner api.ResourceID) {
	for id, o := range tm.live {
		if o == owner {
			delete(tm.live, id)
		}
	}
}

// Len returns the number of live timers.
func (tm *TimerManager) Len() int { return len(tm.live) }

func (tm *TimerManager) prune() {
	for len(tm.queue) > 0 {
		top := tm.queue[0]
		if owner, ok := tm.live[top.id]; ok && owner == top.owner {
			return
		}
		heap.Pop(&tm.queue)
	}
}

// Next returns the time left until the earliest live deadline. ok is false
// when no timer is pending.
func (tm *TimerManager) Next() (time.Duration, bool) {
	tm.prune()
	if len(tm.queue) == 0 {
		return 0, false
	}
	d := tm.queue[0].deadline.Sub(tm.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Expired pops all live timers whose deadline has passed, in deadline order.
func (tm *TimerManager) Expired() []FiredTimer {
	now := tm.clock.Now()
	var fired []FiredTimer
	for {
		tm.prune()
		if len(tm.queue) == 0 || tm.queue[0].deadline.After(now) {
			return fired
		}
		e := heap.Pop(&tm.queue).(*timerEntry)
		delete(tm.live, e.id)
		fired = append(fired, FiredTimer{ID: e.id, Owner: e.owner})
	}
}

// Clear drops every timer.
func (tm *TimerManager) Clear() {
	tm.queue = nil
	tm.live = make(map[api.TimerID]api.ResourceID)
}
