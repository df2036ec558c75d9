//go:build !linux
// +build !linux

// File: reactor/epoll_other.go
// Author: momentics <momentics@gmail.com>

package reactor

import "fmt"

func newEpollBackend(Options) (Backend, error) {
	return nil, fmt.Errorf("epoll: %w", ErrNotSupported)
}
