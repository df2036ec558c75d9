//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: core/concurrency/loop_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/core/resource"
	"github.com/momentics/hioload-reactor/fake"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second

func startLoop(t *testing.T, opts Options) (*Loop, Controller) {
	t.Helper()
	if opts.Backend == nil {
		b, err := reactor.New(reactor.DefaultKind(), reactor.Options{})
		require.NoError(t, err)
		opts.Backend = b
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	l, err := NewLoop(opts)
	require.NoError(t, err)
	go l.Run()
	ctl := l.Controller()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ctl.Shutdown(ctx)
		for range ctl.Events() {
		}
	})
	return l, ctl
}

func nextEvent(t *testing.T, ch <-chan api.Event) api.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// readAll reads from a non-blocking conn until want bytes arrived.
func readAll(t *testing.T, c *transport.FdConn, want int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(waitFor)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := c.Read(buf)
		if errors.Is(err, api.ErrWouldBlock) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
	return out
}

func waitEOF(t *testing.T, c *transport.FdConn) {
	t.Helper()
	buf := make([]byte, 256)
	require.Eventually(t, func() bool {
		_, err := c.Read(buf)
		return errors.Is(err, io.EOF)
	}, waitFor, time.Millisecond)
}

// recorder forwards every event it handles to a channel.
type recorder struct {
	events chan api.Event
}

func newRecorder() *recorder { return &recorder{events: make(chan api.Event, 64)} }

func (r *recorder) HandleEvent(_ *Context, ev api.Event) { r.events <- ev }

type echoHandler struct{}

func (echoHandler) HandleEvent(ctx *Context, ev api.Event) {
	if re, ok := ev.(api.ReadableEvent); ok {
		_ = ctx.Send(re.Data)
	}
}

func TestLoop_EchoHandler(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()

	id, err := ctl.Register(context.Background(), local, api.Readable, echoHandler{})
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = peer.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(readAll(t, peer, 4)))
}

func TestLoop_EventsWithoutHandler(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()

	id, err := ctl.Register(context.Background(), local, api.Readable, nil)
	require.NoError(t, err)
	_, err = peer.Write([]byte("data"))
	require.NoError(t, err)

	ev := nextEvent(t, ctl.Events())
	assert.Equal(t, api.ReadableEvent{ID: id, Data: []byte("data")}, ev)
}

func TestLoop_CommandOrderAcrossGoroutines(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()

	id, err := ctl.Register(context.Background(), local, api.Readable, nil)
	require.NoError(t, err)

	perGoroutine := []int{2, 2, 1}
	var wg sync.WaitGroup
	total := 0
	for g, n := range perGoroutine {
		wg.Add(1)
		go func(g, n int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				assert.NoError(t, ctl.Send(context.Background(), id, []byte(fmt.Sprintf("g%d-%d;", g, i))))
			}
		}(g, n)
		total += n
	}
	wg.Wait()

	got := string(readAll(t, peer, total*len("g0-0;")))
	msgs := strings.Split(strings.TrimSuffix(got, ";"), ";")
	require.Len(t, msgs, total)
	next := map[string]int{}
	for _, m := range msgs {
		var g, i int
		_, err := fmt.Sscanf(m, "g%d-%d", &g, &i)
		require.NoError(t, err)
		key := fmt.Sprint(g)
		assert.Equal(t, next[key], i, "goroutine %d out of order", g)
		next[key]++
	}
}

func TestLoop_TimerFiresOnce(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	start := time.Now()
	id, err := ctl.SetTimer(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	ev := nextEvent(t, ctl.Events())
	elapsed := time.Since(start)
	assert.Equal(t, api.TimerFiredEvent{ID: id}, ev)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	select {
	case ev := <-ctl.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoop_CancelTimer(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	id, err := ctl.SetTimer(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, ctl.CancelTimer(context.Background(), id))

	other, err := ctl.SetTimer(context.Background(), 80*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.TimerFiredEvent{ID: other}, nextEvent(t, ctl.Events()))

	_, err = ctl.SetTimer(context.Background(), -time.Second)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestLoop_UnregisterClosesAndRecyclesSlot(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	ctx := context.Background()

	a, peerA, err := transport.Socketpair()
	require.NoError(t, err)
	defer peerA.Close()
	idA, err := ctl.Register(ctx, a, api.Readable, nil)
	require.NoError(t, err)

	_, err = ctl.Register(ctx, a, api.Readable, nil)
	assert.ErrorIs(t, err, api.ErrAlreadyExists)

	require.NoError(t, ctl.Unregister(ctx, idA))
	waitEOF(t, peerA)
	assert.ErrorIs(t, ctl.Unregister(ctx, idA), api.ErrNotFound)

	b, peerB, err := transport.Socketpair()
	require.NoError(t, err)
	defer peerB.Close()
	idB, err := ctl.Register(ctx, b, api.Readable, nil)
	require.NoError(t, err)
	assert.Equal(t, idA.Slot(), idB.Slot())
	assert.NotEqual(t, idA, idB)
}

func TestLoop_PeerCloseAutoUnregisters(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)

	id, err := ctl.Register(context.Background(), local, api.Readable, nil)
	require.NoError(t, err)
	_, err = peer.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	var data []byte
	var failure api.ErrorEvent
	for failure.ID == 0 {
		switch ev := nextEvent(t, ctl.Events()).(type) {
		case api.ReadableEvent:
			data = append(data, ev.Data...)
		case api.ErrorEvent:
			failure = ev
		}
	}
	assert.Equal(t, "bye", string(data))
	assert.Equal(t, id, failure.ID)
	assert.Equal(t, api.CodeTransport, failure.Kind)
	assert.ErrorIs(t, failure.Err, io.EOF)
	assert.ErrorIs(t, ctl.Unregister(context.Background(), id), api.ErrNotFound)
}

type panicHandler struct{}

func (panicHandler) HandleEvent(*Context, api.Event) { panic("boom") }

func TestLoop_HandlerPanicIsolated(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	ctx := context.Background()

	bad, badPeer, err := transport.Socketpair()
	require.NoError(t, err)
	defer badPeer.Close()
	good, goodPeer, err := transport.Socketpair()
	require.NoError(t, err)
	defer goodPeer.Close()

	badID, err := ctl.Register(ctx, bad, api.Readable, panicHandler{})
	require.NoError(t, err)
	_, err = ctl.Register(ctx, good, api.Readable, echoHandler{})
	require.NoError(t, err)

	_, err = badPeer.Write([]byte("x"))
	require.NoError(t, err)
	ev := nextEvent(t, ctl.Events()).(api.ErrorEvent)
	assert.Equal(t, badID, ev.ID)
	assert.Equal(t, api.CodeInternal, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrHandlerPanic)
	waitEOF(t, badPeer)

	_, err = goodPeer.Write([]byte("still alive"))
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(readAll(t, goodPeer, 11)))
}

func TestLoop_SendUnknownResource(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	ghost := api.NewResourceID(7, 3)
	require.NoError(t, ctl.Send(context.Background(), ghost, []byte("x")))

	ev := nextEvent(t, ctl.Events()).(api.ErrorEvent)
	assert.Equal(t, ghost, ev.ID)
	assert.Equal(t, api.CodeNotFound, ev.Kind)
}

func TestLoop_OversizedSend(t *testing.T) {
	_, ctl := startLoop(t, Options{Resource: resource.Options{MaxBuffer: 8}})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()

	id, err := ctl.Register(context.Background(), local, api.Readable, nil)
	require.NoError(t, err)
	require.NoError(t, ctl.Send(context.Background(), id, make([]byte, 32)))

	ev := nextEvent(t, ctl.Events()).(api.ErrorEvent)
	assert.Equal(t, api.CodeOversized, ev.Kind)
	assert.ErrorIs(t, ev.Err, api.ErrOversizedMessage)
	waitEOF(t, peer)
}

type lifecycle struct {
	recorder
	attached chan api.ResourceID
	detached chan error
}

func (h *lifecycle) Attached(ctx *Context)             { h.attached <- ctx.ID() }
func (h *lifecycle) Detached(_ *Context, err error)    { h.detached <- err }
func (h *lifecycle) HandleSend(ctx *Context, p []byte) { _ = ctx.Send([]byte(strings.ToUpper(string(p)))) }

func TestLoop_HandlerHooks(t *testing.T) {
	_, ctl := startLoop(t, Options{})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()

	h := &lifecycle{
		recorder: *newRecorder(),
		attached: make(chan api.ResourceID, 1),
		detached: make(chan error, 1),
	}
	id, err := ctl.Register(context.Background(), local, api.Readable|api.Writable, h)
	require.NoError(t, err)
	assert.Equal(t, id, <-h.attached)
	assert.Equal(t, api.WritableEvent{ID: id}, <-h.events)

	require.NoError(t, ctl.Send(context.Background(), id, []byte("shout")))
	assert.Equal(t, "SHOUT", string(readAll(t, peer, 5)))
	assert.Equal(t, api.WritableEvent{ID: id}, <-h.events)

	require.NoError(t, ctl.Unregister(context.Background(), id))
	assert.NoError(t, <-h.detached)
}

func TestLoop_ShutdownFlushesAndCloses(t *testing.T) {
	l, ctl := startLoop(t, Options{ShutdownDrain: time.Second})
	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()

	h := &lifecycle{
		recorder: *newRecorder(),
		attached: make(chan api.ResourceID, 1),
		detached: make(chan error, 1),
	}
	id, err := ctl.Register(context.Background(), local, api.Readable, h)
	require.NoError(t, err)
	require.NoError(t, ctl.Send(context.Background(), id, []byte("last words")))
	require.NoError(t, ctl.Shutdown(context.Background()))

	<-l.Done()
	assert.Equal(t, "last words", string(readAll(t, peer, 10)))
	waitEOF(t, peer)
	assert.ErrorIs(t, <-h.detached, api.ErrChannelClosed)

	assert.ErrorIs(t, ctl.Send(context.Background(), id, []byte("late")), api.ErrChannelClosed)
	_, err = ctl.Register(context.Background(), fake.NewConn(99), api.Readable, nil)
	assert.ErrorIs(t, err, api.ErrChannelClosed)
	assert.ErrorIs(t, ctl.Shutdown(context.Background()), api.ErrChannelClosed)

	for range ctl.Events() {
	}
}

func TestLoop_BackendCrash(t *testing.T) {
	backend := fake.NewBackend()
	l, ctl := startLoop(t, Options{Backend: backend})
	conn := fake.NewConn(10)
	_, err := ctl.Register(context.Background(), conn, api.Readable, nil)
	require.NoError(t, err)

	backend.FailPoll(errors.New("epoll_wait: bad file descriptor"))
	ev := nextEvent(t, ctl.Events())
	crashed, ok := ev.(api.LoopCrashedEvent)
	require.True(t, ok, "got %#v", ev)
	assert.Contains(t, crashed.Reason.Error(), "bad file descriptor")

	<-l.Done()
	assert.True(t, conn.Closed())
	assert.True(t, backend.Closed())
	_, err = ctl.Register(context.Background(), fake.NewConn(11), api.Readable, nil)
	assert.ErrorIs(t, err, api.ErrLoopCrashed)
	assert.ErrorIs(t, ctl.Shutdown(context.Background()), api.ErrLoopCrashed)
}

func TestLoop_FakeBackendPartialWrites(t *testing.T) {
	backend := fake.NewBackend()
	backend.SetAutoWritable(true)
	_, ctl := startLoop(t, Options{Backend: backend})

	conn := fake.NewConn(20)
	conn.SetWriteLimit(2)
	id, err := ctl.Register(context.Background(), conn, api.Readable, nil)
	require.NoError(t, err)
	require.NoError(t, ctl.Send(context.Background(), id, []byte("abcdefgh")))

	assert.Equal(t, api.WritableEvent{ID: id}, nextEvent(t, ctl.Events()))
	assert.Equal(t, "abcdefgh", string(conn.Written()))
	interest, ok := backend.Interest(20)
	require.True(t, ok)
	assert.Equal(t, api.Readable, interest)
}

func TestController_OverflowFail(t *testing.T) {
	l, err := NewLoop(Options{
		Backend:   fake.NewBackend(),
		QueueSize: 1,
		Overflow:  control.OverflowFail,
	})
	require.NoError(t, err)
	ctl := l.Controller()

	require.NoError(t, ctl.Send(context.Background(), 1, []byte("a")))
	assert.ErrorIs(t, ctl.Send(context.Background(), 1, []byte("b")), api.ErrChannelFull)
}

func TestController_OverflowBlockHonoursContext(t *testing.T) {
	l, err := NewLoop(Options{Backend: fake.NewBackend(), QueueSize: 1})
	require.NoError(t, err)
	ctl := l.Controller()

	require.NoError(t, ctl.Send(context.Background(), 1, []byte("a")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ctl.Send(ctx, 1, []byte("b")), context.DeadlineExceeded)
}

func TestLoop_MetricsAndProbes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := control.NewMetrics(reg)
	require.NoError(t, err)
	probes := control.NewProbes()
	_, ctl := startLoop(t, Options{Metrics: metrics, Probes: probes})

	local, peer, err := transport.Socketpair()
	require.NoError(t, err)
	defer peer.Close()
	id, err := ctl.Register(context.Background(), local, api.Readable, nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Resources))
	assert.Equal(t, int64(1), probes.DumpState()["reactor.resources"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Commands.WithLabelValues("register")))

	require.NoError(t, ctl.Unregister(context.Background(), id))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Resources))
}

func TestNewLoop_RequiresBackend(t *testing.T) {
	_, err := NewLoop(Options{})
	assert.ErrorIs(t, err, ErrNoBackend)
}

// A Register whose context ends before the loop picks it up leaves conn with
// the caller.
func TestController_RegisterCancelledBeforePickup(t *testing.T) {
	backend := fake.NewBackend()
	l, err := NewLoop(Options{Backend: backend, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	ctl := l.Controller()

	orphan := fake.NewConn(30)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = ctl.Register(ctx, orphan, api.Readable, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go l.Run()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), waitFor)
		defer scancel()
		require.NoError(t, ctl.Shutdown(sctx))
		for range ctl.Events() {
		}
		assert.False(t, orphan.Closed(), "loop closed a descriptor it never owned")
	}()

	// Commands are applied in order, so this ack follows the abandoned one.
	_, err = ctl.Register(context.Background(), fake.NewConn(31), api.Readable, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.liveCount.Load())
	assert.Equal(t, 1, backend.Registered())
	_, watched := backend.Interest(30)
	assert.False(t, watched)
}

func TestRegisterCmd_ClaimedOnce(t *testing.T) {
	taken := registerCmd{claim: new(atomic.Int32)}
	assert.True(t, taken.take())
	assert.False(t, taken.abandon())

	dropped := registerCmd{claim: new(atomic.Int32)}
	assert.True(t, dropped.abandon())
	assert.False(t, dropped.take())
}

// Unregistering every resource releases slots, descriptors and backend
// registrations.
func TestLoop_ResourceCleanup(t *testing.T) {
	probes := control.NewProbes()
	l, ctl := startLoop(t, Options{Probes: probes})
	ctx := context.Background()

	const n = 8
	ids := make([]api.ResourceID, 0, n)
	peers := make([]*transport.FdConn, 0, n)
	for i := 0; i < n; i++ {
		local, peer, err := transport.Socketpair()
		require.NoError(t, err)
		defer peer.Close()
		id, err := ctl.Register(ctx, local, api.Readable, echoHandler{})
		require.NoError(t, err)
		ids = append(ids, id)
		peers = append(peers, peer)
	}
	assert.Equal(t, int64(n), probes.DumpState()["reactor.resources"])

	for _, id := range ids {
		require.NoError(t, ctl.Unregister(ctx, id))
	}
	assert.Equal(t, int64(0), probes.DumpState()["reactor.resources"])
	// The last ack orders these reads after every unregister.
	assert.Empty(t, l.byFd)
	assert.Len(t, l.free, n)
	for _, p := range peers {
		waitEOF(t, p)
	}
}

// With OverflowFail a full event stream drops and counts instead of growing.
func TestLoop_EventStreamBoundedFail(t *testing.T) {
	metrics, err := control.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	l, ctl := startLoop(t, Options{
		Backend:       fake.NewBackend(),
		EventQueue:    4,
		EventOverflow: control.OverflowFail,
		Metrics:       metrics,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, ctl.Send(context.Background(), 1, []byte("x")))
	}
	require.Eventually(t, func() bool { return l.pump.dropped.Load() == 6 }, waitFor, time.Millisecond)
	assert.Equal(t, 4, l.pump.pending())
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.Dropped))

	shut, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ctl.Shutdown(shut))
	var got int
	for range ctl.Events() {
		got++
	}
	assert.Equal(t, 4, got)
}

// With OverflowBlock the loop waits for the consumer, and Shutdown still
// completes when nobody reads.
func TestLoop_EventStreamBlockReleasedByShutdown(t *testing.T) {
	metrics, err := control.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	l, err := NewLoop(Options{
		Backend:    fake.NewBackend(),
		EventQueue: 2,
		Metrics:    metrics,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctl := l.Controller()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, ctl.Send(context.Background(), 1, []byte("x")))
	}
	require.Eventually(t, func() bool { return l.pump.pending() == 2 }, waitFor, time.Millisecond)
	assert.Zero(t, l.pump.dropped.Load())

	shut, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ctl.Shutdown(shut))
	require.NoError(t, <-runErr)

	var got int
	for ev := range ctl.Events() {
		assert.IsType(t, api.ErrorEvent{}, ev)
		got++
	}
	assert.Equal(t, 2, got)
	assert.Equal(t, uint64(3), l.pump.dropped.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Dropped))
}
