//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build !linux,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "fmt"

const defaultKind = KindPoll

func newPollBackend(Options) (Backend, error) {
	return nil, fmt.Errorf("poll: %w", ErrNotSupported)
}
