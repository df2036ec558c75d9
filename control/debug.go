// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug probe registry for internal inspection.

package control

import "sync"

// Probes holds registered probe functions.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates a probe registry.
func NewProbes() *Probes {
	return &Probes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook. A nil registry ignores it.
func (p *Probes) RegisterProbe(name string, fn func() any) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// UnregisterProbe removes a hook.
func (p *Probes) UnregisterProbe(name string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probes, name)
}

// DumpState returns output of all probes.
func (p *Probes) DumpState() map[string]any {
	out := make(map[string]any)
	if p == nil {
		return out
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for k, fn := range p.probes {
		out[k] = fn()
	}
	return out
}
