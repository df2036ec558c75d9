//go:build !linux
// +build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterPlatformProbes sets generic debug probes.
func RegisterPlatformProbes(p *Probes) {
	p.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}
