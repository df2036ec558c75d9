// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the reactor's collaborators.

package fake

import (
	"errors"
	"io"
	"sync"

	"github.com/momentics/hioload-reactor/api"
)

// ErrConnClosed is returned by a Conn after Close.
var ErrConnClosed = errors.New("fake: conn is closed")

// Conn is a scripted non-blocking connection. Reads return queued chunks one
// at a time and api.ErrWouldBlock once the script is empty. Writes accept at
// most WriteLimit bytes per call and would-block while blocked.
type Conn struct {
	mu         sync.Mutex
	fd         int
	reads      [][]byte
	readErr    error
	eof        bool
	written    []byte
	writeLimit int
	blocked    bool
	writeErr   error
	closed     bool
	closeCount int
	closeErr   error
}

// NewConn creates a conn reporting fd as its descriptor.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd implements resource.Conn.
func (c *Conn) Fd() int { return c.fd }

// Read implements resource.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrConnClosed
	}
	if len(c.reads) > 0 {
		chunk := c.reads[0]
		n := copy(p, chunk)
		if n < len(chunk) {
			c.reads[0] = chunk[n:]
		} else {
			c.reads = c.reads[1:]
		}
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.eof {
		return 0, io.EOF
	}
	return 0, api.ErrWouldBlock
}

// Write implements resource.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrConnClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.blocked || len(p) == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, api.ErrWouldBlock
	}
	n := len(p)
	if c.writeLimit > 0 && n > c.writeLimit {
		n = c.writeLimit
	}
	c.written = append(c.written, p[:n]...)
	return n, nil
}

// Close implements resource.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	c.closed = true
	return c.closeErr
}

// AddRead appends a chunk returned by a later Read.
func (c *Conn) AddRead(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, append([]byte(nil), data...))
}

// SetEOF makes Read return io.EOF once the script is drained.
func (c *Conn) SetEOF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eof = true
}

// SetReadError makes Read fail once the script is drained.
func (c *Conn) SetReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// SetWriteLimit caps the bytes accepted by a single Write. Zero removes the cap.
func (c *Conn) SetWriteLimit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLimit = n
}

// SetBlocked toggles would-block on Write.
func (c *Conn) SetBlocked(blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = blocked
}

// SetWriteError configures the conn to fail every Write.
func (c *Conn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetCloseError configures the conn to return an error on Close.
func (c *Conn) SetCloseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Written returns a copy of everything written so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount reports how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
