// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Immutable reactor configuration with defaults and validation.

package control

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// OverflowPolicy decides what happens when the command channel or the event
// stream is full.
type OverflowPolicy int

const (
	// OverflowBlock waits for room, honouring the caller's context.
	OverflowBlock OverflowPolicy = iota
	// OverflowFail returns api.ErrChannelFull immediately. On the event
	// stream it drops the event and counts it.
	OverflowFail
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowFail:
		return "fail"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// Config holds parameters immutable per reactor instance.
type Config struct {
	Backend          reactor.Kind          // Readiness backend; empty selects the platform default
	EdgeTriggered    bool                  // EPOLLET for the epoll backend
	CommandQueueSize int                   // Capacity of the controller command channel
	MaxEvents        int                   // Readiness reports collected per poll
	ReadChunkSize    int                   // Scratch buffer per read syscall
	MaxBuffer        int                   // Per-resource inbound/outbound ceiling, 0 = unlimited
	Overflow         OverflowPolicy        // Behaviour of a full command channel
	EventQueueSize   int                   // Capacity of the event stream
	EventOverflow    OverflowPolicy        // Behaviour of a full event stream
	ShutdownDrain    time.Duration         // Upper bound of the final write-flush poll
	PinLoopCPU       bool                  // Pin the loop thread to LoopCPU
	LoopCPU          int                   // CPU index used when PinLoopCPU is set
	Clock            clock.Clock           // Time source for timers
	Logger           *zap.Logger           // Structured logger, nil disables logging
	Registerer       prometheus.Registerer // Metrics registry, nil keeps metrics private
	EnableDebug      bool                  // Register debug probes
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Backend:          reactor.DefaultKind(),
		EdgeTriggered:    false,                  // Level-triggered readiness
		CommandQueueSize: 1024,                   // 1024 pending commands
		MaxEvents:        128,                    // 128 readiness reports per poll
		ReadChunkSize:    64 * 1024,              // 64 KiB read chunks
		MaxBuffer:        16 * 1024 * 1024,       // 16 MiB per resource
		Overflow:         OverflowBlock,          // Apply backpressure to producers
		EventQueueSize:   1024,                   // 1024 undelivered events
		EventOverflow:    OverflowBlock,          // Loop waits for the consumer until shutdown
		ShutdownDrain:    100 * time.Millisecond, // Final flush budget
		Clock:            clock.New(),
		Logger:           zap.NewNop(),
		EnableDebug:      true,
	}
}

// Validate rejects unusable values. Zero values that have a sane default are
// filled in.
func (c *Config) Validate() error {
	if c.CommandQueueSize < 0 || c.EventQueueSize < 0 || c.MaxEvents < 0 || c.ReadChunkSize < 0 || c.MaxBuffer < 0 {
		return fmt.Errorf("control: negative size in config: %w", api.ErrInvalidArgument)
	}
	if c.PinLoopCPU && c.LoopCPU < 0 {
		return fmt.Errorf("control: loop cpu %d: %w", c.LoopCPU, api.ErrInvalidArgument)
	}
	if c.ShutdownDrain < 0 {
		return fmt.Errorf("control: negative shutdown drain: %w", api.ErrInvalidArgument)
	}
	for _, p := range []OverflowPolicy{c.Overflow, c.EventOverflow} {
		if p != OverflowBlock && p != OverflowFail {
			return fmt.Errorf("control: overflow policy %s: %w", p, api.ErrInvalidArgument)
		}
	}
	switch c.Backend {
	case "", reactor.KindEpoll, reactor.KindPoll:
	default:
		return fmt.Errorf("control: backend %q: %w", c.Backend, api.ErrInvalidArgument)
	}
	if c.CommandQueueSize == 0 {
		c.CommandQueueSize = 1024
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = 1024
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 128
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
