// Package adapters
// Author: momentics <momentics@gmail.com>
//
// Control adapter exposing configuration, metrics and debug probes of one
// reactor instance.

package adapters

import (
	"github.com/momentics/hioload-reactor/control"
)

// ControlAdapter aggregates the control primitives of a reactor.
type ControlAdapter struct {
	config  control.Config
	metrics *control.Metrics
	debug   *control.Probes
}

// NewControlAdapter snapshots cfg and registers platform probes on probes.
func NewControlAdapter(cfg *control.Config, metrics *control.Metrics, probes *control.Probes) *ControlAdapter {
	adapter := &ControlAdapter{
		config:  *cfg,
		metrics: metrics,
		debug:   probes,
	}
	control.RegisterPlatformProbes(adapter.debug)
	return adapter
}

// GetConfig returns the immutable settings as a flat map.
func (c *ControlAdapter) GetConfig() map[string]any {
	return map[string]any{
		"backend":            string(c.config.Backend),
		"edge_triggered":     c.config.EdgeTriggered,
		"command_queue_size": c.config.CommandQueueSize,
		"max_events":         c.config.MaxEvents,
		"read_chunk_size":    c.config.ReadChunkSize,
		"max_buffer":         c.config.MaxBuffer,
		"overflow":           c.config.Overflow.String(),
		"event_queue_size":   c.config.EventQueueSize,
		"event_overflow":     c.config.EventOverflow.String(),
		"shutdown_drain":     c.config.ShutdownDrain.String(),
		"pin_loop_cpu":       c.config.PinLoopCPU,
	}
}

// Stats returns the debug probe output, keys prefixed with "debug.".
func (c *ControlAdapter) Stats() map[string]any {
	combined := make(map[string]any)
	for k, v := range c.debug.DumpState() {
		combined["debug."+k] = v
	}
	return combined
}

// Metrics returns the prometheus collectors.
func (c *ControlAdapter) Metrics() *control.Metrics { return c.metrics }

// RegisterDebugProbe adds a named probe.
func (c *ControlAdapter) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}
