// File: facade/hioload.go
// Unified facade layer for hioload-reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor aggregates one readiness backend, its event loop, metrics and debug
// probes behind a single value built from an immutable control.Config. There
// is no process-wide instance; callers construct and own every Reactor.

package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/momentics/hioload-reactor/adapters"
	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/core/concurrency"
	"github.com/momentics/hioload-reactor/core/resource"
	"github.com/momentics/hioload-reactor/protocol"
	"github.com/momentics/hioload-reactor/reactor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reactor is the main facade type.
type Reactor struct {
	config  control.Config
	ctl     concurrency.Controller
	metrics *control.Metrics
	probes  *control.Probes
	control *adapters.ControlAdapter
	log     *zap.Logger

	runErr chan error
	mu     sync.Mutex
	exited bool
	err    error
}

// New validates cfg, opens the backend and starts the loop goroutine.
// A nil cfg uses control.DefaultConfig.
func New(cfg *control.Config) (*Reactor, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}

	metrics, err := control.NewMetrics(c.Registerer)
	if err != nil {
		return nil, err
	}
	var probes *control.Probes
	if c.EnableDebug {
		probes = control.NewProbes()
	}

	backend, err := reactor.New(c.Backend, reactor.Options{
		MaxEvents:     c.MaxEvents,
		EdgeTriggered: c.EdgeTriggered,
	})
	if err != nil {
		return nil, fmt.Errorf("facade: backend %q: %w", c.Backend, err)
	}

	loop, err := concurrency.NewLoop(concurrency.Options{
		Backend:   backend,
		QueueSize: c.CommandQueueSize,
		MaxEvents: c.MaxEvents,
		Resource: resource.Options{
			ReadChunkSize: c.ReadChunkSize,
			MaxBuffer:     c.MaxBuffer,
		},
		Overflow:      c.Overflow,
		EventQueue:    c.EventQueueSize,
		EventOverflow: c.EventOverflow,
		ShutdownDrain: c.ShutdownDrain,
		PinCPU:        c.PinLoopCPU,
		CPU:           c.LoopCPU,
		Clock:         c.Clock,
		Logger:        c.Logger,
		Metrics:       metrics,
		Probes:        probes,
	})
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}

	r := &Reactor{
		config:  c,
		ctl:     loop.Controller(),
		metrics: metrics,
		probes:  probes,
		log:     c.Logger,
		runErr:  make(chan error, 1),
	}
	if probes != nil {
		r.control = adapters.NewControlAdapter(&c, metrics, probes)
	}
	go func() { r.runErr <- loop.Run() }()
	return r, nil
}

// Controller returns the cross-goroutine handle to the loop.
func (r *Reactor) Controller() concurrency.Controller { return r.ctl }

// Events returns the event stream. It is closed after shutdown once every
// event has been delivered.
func (r *Reactor) Events() <-chan api.Event { return r.ctl.Events() }

// Done is closed once the loop released every descriptor.
func (r *Reactor) Done() <-chan struct{} { return r.ctl.Done() }

// Register adds conn with handler h.
func (r *Reactor) Register(ctx context.Context, conn resource.Conn, interest api.Interest, h concurrency.Handler) (api.ResourceID, error) {
	return r.ctl.Register(ctx, conn, interest, h)
}

// OpenSession registers conn behind a Noise XK session.
func (r *Reactor) OpenSession(ctx context.Context, conn resource.Conn, cfg protocol.SessionConfig) (*protocol.SessionHandle, error) {
	return protocol.Open(ctx, r.ctl, conn, cfg)
}

// Shutdown stops the loop, flushing pending writes within the configured
// drain, and returns the combined shutdown and loop errors. When ctx ends
// first it returns ctx.Err() and a later call may wait again; once the loop
// has exited every call returns the same result.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return r.err
	}
	err := r.ctl.Shutdown(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if errors.Is(err, api.ErrChannelClosed) {
		// Requested by an earlier call.
		err = nil
	}
	select {
	case runErr := <-r.runErr:
		r.exited = true
		r.err = multierr.Append(err, runErr)
		r.log.Info("reactor stopped", zap.Error(r.err))
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Control returns the control adapter, nil when debug is disabled.
func (r *Reactor) Control() *adapters.ControlAdapter { return r.control }

// Metrics returns the prometheus collectors.
func (r *Reactor) Metrics() *control.Metrics { return r.metrics }

// DumpState returns the output of every debug probe.
func (r *Reactor) DumpState() map[string]any { return r.probes.DumpState() }

// Config returns a copy of the validated configuration.
func (r *Reactor) Config() control.Config { return r.config }
