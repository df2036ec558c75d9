//go:build !linux
// +build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package concurrency

import "errors"

func pinThread(int) error {
	return errors.New("cpu affinity not supported on this platform")
}
