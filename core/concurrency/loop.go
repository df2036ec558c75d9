// File: core/concurrency/loop.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop is the reactor: a single goroutine, locked to its OS thread, that owns
// every registered resource, the readiness backend and the timer heap.
// Each iteration drains pending commands, polls the backend up to the
// nearest timer deadline, performs I/O for ready descriptors, dispatches the
// resulting events, fires expired timers and finally applies unregisters
// requested during the iteration.

package concurrency

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/core/resource"
	"github.com/momentics/hioload-reactor/reactor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	stateRunning int32 = iota
	stateStopping
	stateClosed
	stateCrashed
)

// Options configure a Loop.
type Options struct {
	Backend       reactor.Backend        // Readiness backend, owned by the loop
	QueueSize     int                    // Command channel capacity
	MaxEvents     int                    // Readiness reports per poll
	Resource      resource.Options       // Per-resource buffering
	Overflow      control.OverflowPolicy // Full command channel behaviour
	EventQueue    int                    // Event stream capacity
	EventOverflow control.OverflowPolicy // Full event stream behaviour
	ShutdownDrain time.Duration          // Bound of the final flush poll
	PinCPU        bool                   // Pin the loop thread to CPU
	CPU           int
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *control.Metrics
	Probes        *control.Probes
}

type slot struct {
	gen     uint32
	res     *resource.Resource
	handler Handler
	ctx     *Context
	watched api.Interest // interest currently registered with the backend
	closing bool
}

type pendingUnregister struct {
	id  api.ResourceID
	err error
}

// Loop implements the reactor event loop.
type Loop struct {
	backend   reactor.Backend
	cmds      chan command
	done      chan struct{}
	state     atomic.Int32
	running   atomic.Bool
	timerSeq  atomic.Uint64
	liveCount atomic.Int64
	terminal  error

	// wakeMu keeps Wake from racing the backend's Close.
	wakeMu       sync.RWMutex
	backendShut  bool
	shutdownSeen bool

	slots   []slot
	free    []uint32
	byFd    map[int]api.ResourceID
	timers  *TimerManager
	unreg   []pendingUnregister
	ready   []reactor.Readiness
	pump    *eventPump
	opts    Options
	log     *zap.Logger
	metrics *control.Metrics
}

// NewLoop creates a loop around opts.Backend. Call Run to start it.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 128
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := &Loop{
		backend: opts.Backend,
		cmds:    make(chan command, opts.QueueSize),
		done:    make(chan struct{}),
		byFd:    make(map[int]api.ResourceID),
		timers:  NewTimerManager(opts.Clock),
		ready:   make([]reactor.Readiness, opts.MaxEvents),
		pump:    newEventPump(opts.EventQueue, opts.EventOverflow),
		opts:    opts,
		log:     opts.Logger.Named("reactor"),
		metrics: opts.Metrics,
	}
	if opts.Probes != nil {
		opts.Probes.RegisterProbe("reactor.resources", func() any { return l.liveCount.Load() })
		opts.Probes.RegisterProbe("reactor.pending_events", func() any { return l.pump.pending() })
		opts.Probes.RegisterProbe("reactor.pending_commands", func() any { return len(l.cmds) })
		opts.Probes.RegisterProbe("reactor.dropped_events", func() any { return l.pump.dropped.Load() })
		opts.Probes.RegisterProbe("reactor.backend", func() any { return string(l.backend.Kind()) })
	}
	return l, nil
}

// Controller returns a handle for other goroutines.
func (l *Loop) Controller() Controller { return Controller{l: l} }

// Done is closed once the loop has exited and released every descriptor.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes the loop on the calling goroutine until shutdown or a
// backend failure. It returns nil after a clean shutdown.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("concurrency: loop already running")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if l.opts.PinCPU {
		if err := pinThread(l.opts.CPU); err != nil {
			l.log.Warn("loop thread not pinned", zap.Error(err))
		}
	}

	l.log.Info("reactor loop started", zap.String("backend", string(l.backend.Kind())))
	for {
		l.drainCommands()
		if l.shutdownSeen {
			l.shutdown()
			return nil
		}
		l.applyUnregisters()

		n, err := l.backend.Poll(l.pollTimeout(), l.ready)
		if err != nil {
			l.crash(err)
			return err
		}
		l.metrics.ObservePoll()

		for i := 0; i < n; i++ {
			l.handleReadiness(l.ready[i])
		}
		l.fireTimers()
		l.applyUnregisters()
	}
}

func (l *Loop) pollTimeout() time.Duration {
	if len(l.unreg) > 0 {
		return 0
	}
	d, ok := l.timers.Next()
	if !ok {
		return -1
	}
	return d
}

func (l *Loop) drainCommands() {
	for {
		select {
		case cmd := <-l.cmds:
			l.metrics.ObserveCommand(cmd.kind())
			if l.shutdownSeen {
				cmd.reject(api.ErrChannelClosed)
				continue
			}
			l.apply(cmd)
		default:
			return
		}
	}
}

func (l *Loop) apply(cmd command) {
	switch c := cmd.(type) {
	case registerCmd:
		if !c.take() {
			l.log.Debug("register abandoned by caller")
			return
		}
		id, err := l.register(c.conn, c.interest, c.handler)
		c.reply <- registerReply{id: id, err: err}
		if err == nil {
			l.attach(id)
		}
	case unregisterCmd:
		if _, err := l.live(c.id); err != nil {
			c.reply <- err
			return
		}
		l.unregister(c.id, nil)
		c.reply <- nil
	case sendCmd:
		l.send(c.id, c.data)
	case setTimerCmd:
		l.timers.Add(c.id, 0, c.d)
	case cancelTimerCmd:
		l.timers.Cancel(c.id)
	case shutdownCmd:
		l.shutdownSeen = true
		l.state.CompareAndSwap(stateRunning, stateStopping)
	}
}

func (l *Loop) register(conn resource.Conn, interest api.Interest, h Handler) (api.ResourceID, error) {
	if conn == nil {
		return 0, fmt.Errorf("register: nil conn: %w", api.ErrInvalidArgument)
	}
	fd := conn.Fd()
	if _, dup := l.byFd[fd]; dup {
		return 0, fmt.Errorf("register fd %d: %w", fd, api.ErrAlreadyExists)
	}

	var idx uint32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, slot{})
		idx = uint32(len(l.slots) - 1)
	}
	s := &l.slots[idx]
	s.gen++
	id := api.NewResourceID(idx, s.gen)

	res := resource.New(id, conn, interest, l.opts.Resource)
	if err := l.backend.Register(fd, res.Interest()); err != nil {
		l.free = append(l.free, idx)
		return 0, err
	}
	s.res = res
	s.handler = h
	s.ctx = &Context{loop: l, id: id}
	s.watched = res.Interest()
	s.closing = false
	l.byFd[fd] = id
	l.liveCount.Add(1)
	l.metrics.ResourceAdded()
	l.log.Debug("resource registered",
		zap.Uint64("resource", uint64(id)),
		zap.Int("fd", fd),
		zap.Stringer("interest", interest))
	return id, nil
}

func (l *Loop) attach(id api.ResourceID) {
	s, err := l.live(id)
	if err != nil {
		return
	}
	if a, ok := s.handler.(Attacher); ok {
		l.invoke(s, func() { a.Attached(s.ctx) })
	}
}

// live resolves id to its slot when the resource is still registered.
func (l *Loop) live(id api.ResourceID) (*slot, error) {
	idx := id.Slot()
	if id == 0 || int(idx) >= len(l.slots) {
		return nil, api.ErrNotFound
	}
	s := &l.slots[idx]
	if s.res == nil || s.gen != id.Generation() {
		return nil, api.ErrNotFound
	}
	return s, nil
}

func (l *Loop) send(id api.ResourceID, data []byte) {
	s, err := l.live(id)
	if err != nil || s.closing {
		l.emit(api.ErrorEvent{ID: id, Kind: api.CodeNotFound, Err: api.ErrNotFound})
		return
	}
	if si, ok := s.handler.(SendInterceptor); ok {
		l.invoke(s, func() { si.HandleSend(s.ctx, data) })
		return
	}
	if err := s.res.Enqueue(data); err != nil {
		l.fail(s, err)
		return
	}
	l.syncInterest(s)
}

// syncInterest re-arms the backend when the resource's interest changed.
func (l *Loop) syncInterest(s *slot) {
	want := s.res.Interest()
	if want == s.watched {
		return
	}
	if err := l.backend.Modify(s.res.Fd(), want); err != nil {
		l.fail(s, api.Wrap(api.CodeTransport, "modify interest", err))
		return
	}
	s.watched = want
}

func (l *Loop) handleReadiness(r reactor.Readiness) {
	id, ok := l.byFd[r.Fd]
	if !ok {
		return
	}
	s, err := l.live(id)
	if err != nil || s.closing {
		return
	}

	if r.Ready.Has(api.Writable) {
		drained, err := s.res.Flush()
		if err != nil {
			l.fail(s, err)
			return
		}
		if drained {
			l.dispatch(s, api.WritableEvent{ID: id})
		}
		if s.closing || s.res == nil {
			return
		}
	}

	if r.Ready&(api.Readable|api.Hangup) != 0 {
		data, err := s.res.ReadReady()
		if len(data) > 0 {
			l.dispatch(s, api.ReadableEvent{ID: id, Data: data})
		}
		if err != nil {
			if s.res != nil && !s.closing {
				l.fail(s, err)
			}
			return
		}
	}

	if s.res != nil && !s.closing {
		l.syncInterest(s)
	}
}

// dispatch hands ev to the resource's handler, or to the event stream when
// the resource has none.
func (l *Loop) dispatch(s *slot, ev api.Event) {
	l.metrics.ObserveEvent(eventKind(ev))
	if s.handler == nil {
		l.publish(ev)
		return
	}
	l.invoke(s, func() { s.handler.HandleEvent(s.ctx, ev) })
}

// invoke runs fn, turning a panic into an internal ErrorEvent on the event
// stream followed by an unregister.
func (l *Loop) invoke(s *slot, fn func()) {
	id := s.ctx.id
	defer func() {
		if r := recover(); r != nil {
			err := ErrHandlerPanic.WithContext("panic", fmt.Sprint(r))
			l.log.Error("handler panic recovered",
				zap.Uint64("resource", uint64(id)),
				zap.Any("panic", r))
			l.emit(api.ErrorEvent{ID: id, Kind: api.CodeInternal, Err: err})
			l.scheduleUnregister(id, err)
		}
	}()
	fn()
}

// fail reports a resource failure and schedules its removal.
func (l *Loop) fail(s *slot, err error) {
	id := s.ctx.id
	kind := api.KindOf(err)
	if errors.Is(err, io.EOF) {
		kind = api.CodeTransport
	}
	if !errors.Is(err, io.EOF) {
		l.log.Warn("resource failed", zap.Uint64("resource", uint64(id)), zap.Error(err))
	}
	s.closing = true
	l.unreg = append(l.unreg, pendingUnregister{id: id, err: err})
	l.dispatch(s, api.ErrorEvent{ID: id, Kind: kind, Err: err})
}

func (l *Loop) scheduleUnregister(id api.ResourceID, err error) {
	s, lerr := l.live(id)
	if lerr != nil || s.closing {
		return
	}
	s.closing = true
	l.unreg = append(l.unreg, pendingUnregister{id: id, err: err})
}

func (l *Loop) applyUnregisters() {
	for len(l.unreg) > 0 {
		batch := l.unreg
		l.unreg = nil
		for _, u := range batch {
			if _, err := l.live(u.id); err == nil {
				l.unregister(u.id, u.err)
			}
		}
	}
}

// unregister removes the resource from the backend and closes it.
func (l *Loop) unregister(id api.ResourceID, cause error) {
	s, err := l.live(id)
	if err != nil {
		return
	}
	fd := s.res.Fd()
	if err := l.backend.Unregister(fd); err != nil && !errors.Is(err, reactor.ErrClosed) {
		l.log.Warn("backend unregister failed", zap.Int("fd", fd), zap.Error(err))
	}
	if d, ok := s.handler.(Detacher); ok {
		l.invoke(s, func() { d.Detached(s.ctx, cause) })
	}
	if err := s.res.Close(); err != nil {
		l.log.Debug("close failed", zap.Int("fd", fd), zap.Error(err))
	}
	l.timers.CancelOwner(id)
	delete(l.byFd, fd)
	s.res = nil
	s.handler = nil
	s.ctx = nil
	s.closing = false
	s.watched = 0
	l.free = append(l.free, id.Slot())
	l.liveCount.Add(-1)
	l.metrics.ResourceRemoved()
	l.log.Debug("resource unregistered", zap.Uint64("resource", uint64(id)), zap.Error(cause))
}

func (l *Loop) fireTimers() {
	for _, ft := range l.timers.Expired() {
		ev := api.TimerFiredEvent{ID: ft.ID, Owner: ft.Owner}
		if ft.Owner == 0 {
			l.emit(ev)
			continue
		}
		s, err := l.live(ft.Owner)
		if err != nil || s.closing {
			continue
		}
		l.dispatch(s, ev)
	}
}

func (l *Loop) emit(ev api.Event) {
	l.metrics.ObserveEvent(eventKind(ev))
	l.publish(ev)
}

// publish hands ev to the event stream, accounting for drops.
func (l *Loop) publish(ev api.Event) {
	if l.pump.push(ev) {
		return
	}
	l.metrics.ObserveEventDropped()
	if n := l.pump.dropped.Load(); n&(n-1) == 0 {
		l.log.Warn("event stream full, events dropped",
			zap.String("kind", eventKind(ev)),
			zap.Uint64("dropped", n))
	}
}

func (l *Loop) nextTimerID() api.TimerID {
	return api.TimerID(l.timerSeq.Add(1))
}

// shutdown flushes pending writes within one bounded poll, then releases
// every resource and the backend.
func (l *Loop) shutdown() {
	l.log.Info("reactor loop shutting down", zap.Int64("resources", l.liveCount.Load()))
	l.applyUnregisters()
	if l.flushAll() {
		n, err := l.backend.Poll(l.opts.ShutdownDrain, l.ready)
		if err == nil {
			for i := 0; i < n; i++ {
				if !l.ready[i].Ready.Has(api.Writable) {
					continue
				}
				if id, ok := l.byFd[l.ready[i].Fd]; ok {
					if s, err := l.live(id); err == nil {
						_, _ = s.res.Flush()
					}
				}
			}
		}
	}
	err := l.releaseAll(api.ErrChannelClosed)
	if err != nil {
		l.log.Warn("shutdown close errors", zap.Error(err))
	}
	l.finish(stateClosed, api.ErrChannelClosed)
	l.log.Info("reactor loop stopped")
}

// flushAll tries to write every pending queue and reports whether data is
// still waiting.
func (l *Loop) flushAll() bool {
	pending := false
	for i := range l.slots {
		s := &l.slots[i]
		if s.res == nil || s.res.Pending() == 0 {
			continue
		}
		if _, err := s.res.Flush(); err != nil {
			continue
		}
		if s.res.Pending() > 0 {
			pending = true
		}
	}
	return pending
}

func (l *Loop) crash(reason error) {
	l.log.Error("readiness backend failed, reactor loop crashed", zap.Error(reason))
	// Nobody is guaranteed to read once the loop is gone.
	l.pump.release()
	l.emit(api.LoopCrashedEvent{Reason: reason})
	if err := l.releaseAll(api.ErrLoopCrashed); err != nil {
		l.log.Warn("crash cleanup errors", zap.Error(err))
	}
	l.finish(stateCrashed, api.ErrLoopCrashed)
}

// releaseAll unregisters every resource and closes the backend.
func (l *Loop) releaseAll(cause error) error {
	var errs error
	for i := range l.slots {
		s := &l.slots[i]
		if s.res == nil {
			continue
		}
		id := s.ctx.id
		if d, ok := s.handler.(Detacher); ok {
			l.invoke(s, func() { d.Detached(s.ctx, cause) })
		}
		s.handler = nil
		_ = l.backend.Unregister(s.res.Fd())
		errs = multierr.Append(errs, s.res.Close())
		delete(l.byFd, s.res.Fd())
		s.res = nil
		s.ctx = nil
		l.liveCount.Add(-1)
		l.metrics.ResourceRemoved()
		l.log.Debug("resource released", zap.Uint64("resource", uint64(id)))
	}
	l.unreg = nil
	l.timers.Clear()

	l.wakeMu.Lock()
	l.backendShut = true
	errs = multierr.Append(errs, l.backend.Close())
	l.wakeMu.Unlock()
	return errs
}

// finish publishes the terminal state, answers queued commands and closes
// the event stream.
func (l *Loop) finish(state int32, terminal error) {
	l.terminal = terminal
	l.state.Store(state)
	for drained := false; !drained; {
		select {
		case cmd := <-l.cmds:
			cmd.reject(terminal)
		default:
			drained = true
		}
	}
	close(l.done)
	l.pump.close()
}

func (l *Loop) wake() {
	l.wakeMu.RLock()
	defer l.wakeMu.RUnlock()
	if l.backendShut {
		return
	}
	if err := l.backend.Wake(); err != nil {
		l.log.Warn("backend wake failed", zap.Error(err))
	}
}

func eventKind(ev api.Event) string {
	switch ev.(type) {
	case api.ReadableEvent:
		return "readable"
	case api.WritableEvent:
		return "writable"
	case api.ErrorEvent:
		return "error"
	case api.TimerFiredEvent:
		return "timer"
	case api.LoopCrashedEvent:
		return "loop_crashed"
	default:
		return "unknown"
	}
}
