// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Identifiers and interest sets shared by the readiness backends, the reactor
// loop and its controller.

package api

import "strings"

// ResourceID identifies a registered resource. The low 32 bits index the
// loop's arena slot, the high 32 bits carry the slot generation, so an id is
// never handed out twice even when its slot is recycled. Zero is never valid.
type ResourceID uint64

// NewResourceID packs an arena slot and its generation.
func NewResourceID(slot, generation uint32) ResourceID {
	return ResourceID(uint64(generation)<<32 | uint64(slot))
}

// Slot returns the arena index.
func (id ResourceID) Slot() uint32 { return uint32(id) }

// Generation returns the slot generation.
func (id ResourceID) Generation() uint32 { return uint32(id >> 32) }

// TimerID identifies a pending timer.
type TimerID uint64

// Interest is a readiness set. Readable and Writable are valid interests;
// Hangup only appears in readiness reports.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	Hangup
)

// Has reports whether all bits of o are set.
func (i Interest) Has(o Interest) bool { return i&o == o }

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i&Readable != 0 {
		parts = append(parts, "readable")
	}
	if i&Writable != 0 {
		parts = append(parts, "writable")
	}
	if i&Hangup != 0 {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}
