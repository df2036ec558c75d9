// File: adapters/handler_adapter.go
// Package adapters
// Author: momentics <momentics@gmail.com>
//
// HandlerFunc glue and composable middleware for reactor handlers.

package adapters

import (
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/core/concurrency"
	"go.uber.org/zap"
)

// HandlerFunc converts a function into a concurrency.Handler.
type HandlerFunc func(ctx *concurrency.Context, ev api.Event)

// HandleEvent calls the underlying function.
func (f HandlerFunc) HandleEvent(ctx *concurrency.Context, ev api.Event) {
	f(ctx, ev)
}

// Middleware wraps a handler.
type Middleware func(concurrency.Handler) concurrency.Handler

// Chain applies middleware around base, the first one outermost. The result
// keeps the optional hooks (Attached, Detached, HandleSend) of base.
func Chain(base concurrency.Handler, middleware ...Middleware) concurrency.Handler {
	wrapped := base
	for i := len(middleware) - 1; i >= 0; i-- {
		wrapped = middleware[i](wrapped)
	}
	return &chained{base: base, wrapped: wrapped}
}

type chained struct {
	base    concurrency.Handler
	wrapped concurrency.Handler
}

func (c *chained) HandleEvent(ctx *concurrency.Context, ev api.Event) {
	c.wrapped.HandleEvent(ctx, ev)
}

func (c *chained) Attached(ctx *concurrency.Context) {
	if a, ok := c.base.(concurrency.Attacher); ok {
		a.Attached(ctx)
	}
}

func (c *chained) Detached(ctx *concurrency.Context, err error) {
	if d, ok := c.base.(concurrency.Detacher); ok {
		d.Detached(ctx, err)
	}
}

func (c *chained) HandleSend(ctx *concurrency.Context, data []byte) {
	if si, ok := c.base.(concurrency.SendInterceptor); ok {
		si.HandleSend(ctx, data)
		return
	}
	if err := ctx.Send(data); err != nil {
		ctx.Emit(api.ErrorEvent{ID: ctx.ID(), Kind: api.KindOf(err), Err: err})
	}
}

// Logging logs every event at debug level and resource errors at warn.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next concurrency.Handler) concurrency.Handler {
		return HandlerFunc(func(ctx *concurrency.Context, ev api.Event) {
			fields := []zap.Field{zap.Uint64("resource", uint64(ctx.ID())), zap.String("event", eventName(ev))}
			if e, ok := ev.(api.ErrorEvent); ok {
				logger.Warn("resource error", append(fields, zap.Stringer("kind", e.Kind), zap.Error(e.Err))...)
			} else {
				logger.Debug("event", fields...)
			}
			next.HandleEvent(ctx, ev)
		})
	}
}

// Recovery recovers handler panics and keeps the resource registered. Without
// it the loop unregisters a resource whose handler panicked.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next concurrency.Handler) concurrency.Handler {
		return HandlerFunc(func(ctx *concurrency.Context, ev api.Event) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic recovered",
						zap.Uint64("resource", uint64(ctx.ID())),
						zap.Any("panic", r))
				}
			}()
			next.HandleEvent(ctx, ev)
		})
	}
}

// Metrics records handler latency.
func Metrics(m *control.Metrics) Middleware {
	return func(next concurrency.Handler) concurrency.Handler {
		return HandlerFunc(func(ctx *concurrency.Context, ev api.Event) {
			start := time.Now()
			next.HandleEvent(ctx, ev)
			m.ObserveHandler(time.Since(start))
		})
	}
}

func eventName(ev api.Event) string {
	switch ev.(type) {
	case api.ReadableEvent:
		return "readable"
	case api.WritableEvent:
		return "writable"
	case api.ErrorEvent:
		return "error"
	case api.TimerFiredEvent:
		return "timer"
	default:
		return "other"
	}
}
