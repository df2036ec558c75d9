// File: core/resource/resource.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resource couples a non-blocking descriptor with its inbound read buffer and
// outbound write queue. A Resource is owned by the reactor loop goroutine and
// is never shared, so it carries no locks.

package resource

import (
	"errors"
	"io"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-reactor/api"
)

// DefaultReadChunkSize is the scratch buffer used per read syscall.
const DefaultReadChunkSize = 64 << 10

// Conn is a non-blocking byte stream backed by a pollable descriptor.
// Read and Write return api.ErrWouldBlock instead of blocking; Read returns
// io.EOF once the peer closed its side.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Fd() int
	Close() error
}

// Options tune a Resource.
type Options struct {
	// ReadChunkSize is the size of the scratch buffer for a single read.
	ReadChunkSize int
	// MaxBuffer caps the bytes read in one readiness round and the bytes
	// queued for writing. Zero means unlimited.
	MaxBuffer int
}

// Resource is a registered descriptor with buffered I/O.
type Resource struct {
	id        api.ResourceID
	conn      Conn
	base      api.Interest
	notifyW   bool // one-shot writable notification pending
	wq        *queue.Queue
	head      int // bytes of the head chunk already written
	queued    int
	scratch   []byte
	maxBuffer int
	closed    bool
}

// New wraps conn. A Writable bit in interest requests a single writable
// notification; afterwards Writable is only watched while writes are pending.
func New(id api.ResourceID, conn Conn, interest api.Interest, opts Options) *Resource {
	chunk := opts.ReadChunkSize
	if chunk <= 0 {
		chunk = DefaultReadChunkSize
	}
	return &Resource{
		id:        id,
		conn:      conn,
		base:      interest & api.Readable,
		notifyW:   interest&api.Writable != 0,
		wq:        queue.New(),
		scratch:   make([]byte, chunk),
		maxBuffer: opts.MaxBuffer,
	}
}

func (r *Resource) ID() api.ResourceID { return r.id }
func (r *Resource) Fd() int             { return r.conn.Fd() }
func (r *Resource) Conn() Conn          { return r.conn }

// Pending returns the number of queued outbound bytes.
func (r *Resource) Pending() int { return r.queued }

// Interest is the base interest plus Writable while writes are pending.
func (r *Resource) Interest() api.Interest {
	i := r.base
	if r.queued > 0 || r.notifyW {
		i |= api.Writable
	}
	return i
}

// Enqueue copies p to the tail of the write queue.
func (r *Resource) Enqueue(p []byte) error {
	if r.closed {
		return api.ErrNotFound
	}
	if len(p) == 0 {
		return nil
	}
	if r.maxBuffer > 0 && r.queued+len(p) > r.maxBuffer {
		return api.ErrOversizedMessage.WithContext("queued", r.queued+len(p))
	}
	r.wq.Add(append([]byte(nil), p...))
	r.queued += len(p)
	return nil
}

// Flush writes queued data until the queue is empty or the descriptor would
// block. drained reports that the queue emptied during this call, or that the
// one-shot writable notification was consumed.
func (r *Resource) Flush() (drained bool, err error) {
	had := r.queued > 0
	for r.wq.Length() > 0 {
		chunk := r.wq.Peek().([]byte)
		n, werr := r.conn.Write(chunk[r.head:])
		r.head += n
		r.queued -= n
		if r.head == len(chunk) {
			r.wq.Remove()
			r.head = 0
		}
		if werr != nil {
			if errors.Is(werr, api.ErrWouldBlock) {
				return false, nil
			}
			return false, api.Wrap(api.CodeTransport, "write", werr)
		}
		if n == 0 {
			return false, nil
		}
	}
	if r.notifyW {
		r.notifyW = false
		return true, nil
	}
	return had, nil
}

// ReadReady reads until the descriptor would block, so it is safe under
// edge-triggered readiness. Bytes read before EOF or a failure are returned
// together with the error.
func (r *Resource) ReadReady() ([]byte, error) {
	var out []byte
	for {
		n, err := r.conn.Read(r.scratch)
		if n > 0 {
			out = append(out, r.scratch[:n]...)
			if r.maxBuffer > 0 && len(out) > r.maxBuffer {
				return nil, api.ErrOversizedMessage.WithContext("read", len(out))
			}
		}
		switch {
		case err == nil:
			if n == 0 {
				return out, nil
			}
		case errors.Is(err, api.ErrWouldBlock):
			return out, nil
		case errors.Is(err, io.EOF):
			return out, io.EOF
		default:
			return out, api.Wrap(api.CodeTransport, "read", err)
		}
	}
}

// Close drops pending writes and closes the descriptor. Safe to call twice.
func (r *Resource) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for r.wq.Length() > 0 {
		r.wq.Remove()
	}
	r.queued, r.head = 0, 0
	return r.conn.Close()
}

// Closed reports whether Close ran.
func (r *Resource) Closed() bool { return r.closed }
