// File: core/resource/resource_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package resource_test

import (
	"errors"
	"io"
	"testing"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/resource"
	"github.com/momentics/hioload-reactor/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResource(conn *fake.Conn, interest api.Interest, opts resource.Options) *resource.Resource {
	return resource.New(api.NewResourceID(1, 1), conn, interest, opts)
}

func TestReadReady_ReadsUntilWouldBlock(t *testing.T) {
	conn := fake.NewConn(3)
	conn.AddRead([]byte("hello "))
	conn.AddRead([]byte("world"))
	r := newResource(conn, api.Readable, resource.Options{ReadChunkSize: 4})

	data, err := r.ReadReady()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	data, err = r.ReadReady()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadReady_EOFKeepsData(t *testing.T) {
	conn := fake.NewConn(3)
	conn.AddRead([]byte("tail"))
	conn.SetEOF()
	r := newResource(conn, api.Readable, resource.Options{})

	data, err := r.ReadReady()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "tail", string(data))
}

func TestReadReady_TransportError(t *testing.T) {
	conn := fake.NewConn(3)
	conn.AddRead([]byte("x"))
	conn.SetReadError(errors.New("connection reset"))
	r := newResource(conn, api.Readable, resource.Options{})

	data, err := r.ReadReady()
	require.Error(t, err)
	assert.Equal(t, api.CodeTransport, api.KindOf(err))
	assert.Equal(t, "x", string(data))
}

func TestReadReady_Oversized(t *testing.T) {
	conn := fake.NewConn(3)
	conn.AddRead(make([]byte, 10))
	conn.AddRead(make([]byte, 10))
	r := newResource(conn, api.Readable, resource.Options{MaxBuffer: 15})

	_, err := r.ReadReady()
	assert.ErrorIs(t, err, api.ErrOversizedMessage)
	assert.Equal(t, api.CodeOversized, api.KindOf(err))
}

func TestFlush_PartialWritesKeepOrder(t *testing.T) {
	conn := fake.NewConn(3)
	conn.SetWriteLimit(3)
	r := newResource(conn, api.Readable, resource.Options{})

	require.NoError(t, r.Enqueue([]byte("abcdefg")))
	require.NoError(t, r.Enqueue([]byte("hij")))
	assert.Equal(t, api.Readable|api.Writable, r.Interest())

	drained, err := r.Flush()
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, "abcdefghij", string(conn.Written()))
	assert.Zero(t, r.Pending())
	assert.Equal(t, api.Readable, r.Interest())
}

func TestFlush_WouldBlockLeavesRemainder(t *testing.T) {
	conn := fake.NewConn(3)
	conn.SetBlocked(true)
	r := newResource(conn, api.Readable, resource.Options{})
	require.NoError(t, r.Enqueue([]byte("pending")))

	drained, err := r.Flush()
	require.NoError(t, err)
	assert.False(t, drained)
	assert.Equal(t, 7, r.Pending())
	assert.True(t, r.Interest().Has(api.Writable))

	conn.SetBlocked(false)
	drained, err = r.Flush()
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, "pending", string(conn.Written()))
}

func TestFlush_EmptyQueueNotDrained(t *testing.T) {
	r := newResource(fake.NewConn(3), api.Readable, resource.Options{})
	drained, err := r.Flush()
	require.NoError(t, err)
	assert.False(t, drained)
}

func TestFlush_OneShotWritable(t *testing.T) {
	r := newResource(fake.NewConn(3), api.Readable|api.Writable, resource.Options{})
	assert.Equal(t, api.Readable|api.Writable, r.Interest())

	drained, err := r.Flush()
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, api.Readable, r.Interest())
}

func TestFlush_WriteError(t *testing.T) {
	conn := fake.NewConn(3)
	conn.SetWriteError(errors.New("broken pipe"))
	r := newResource(conn, api.Readable, resource.Options{})
	require.NoError(t, r.Enqueue([]byte("x")))

	_, err := r.Flush()
	assert.Equal(t, api.CodeTransport, api.KindOf(err))
}

func TestEnqueue_CeilingAndCopy(t *testing.T) {
	conn := fake.NewConn(3)
	conn.SetBlocked(true)
	r := newResource(conn, api.Readable, resource.Options{MaxBuffer: 8})

	buf := []byte("12345")
	require.NoError(t, r.Enqueue(buf))
	buf[0] = 'X'
	assert.ErrorIs(t, r.Enqueue([]byte("6789")), api.ErrOversizedMessage)

	conn.SetBlocked(false)
	_, err := r.Flush()
	require.NoError(t, err)
	assert.Equal(t, "12345", string(conn.Written()))
}

func TestClose_Idempotent(t *testing.T) {
	conn := fake.NewConn(3)
	r := newResource(conn, api.Readable, resource.Options{})
	require.NoError(t, r.Enqueue([]byte("dropped")))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, r.Closed())
	assert.Equal(t, 1, conn.CloseCount())
	assert.Zero(t, r.Pending())
	assert.Error(t, r.Enqueue([]byte("late")))
}
