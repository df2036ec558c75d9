// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness backends used by the reactor loop:
// epoll (Linux, level- or edge-triggered) and poll(2) (any unix). Every
// backend honours the same Backend contract; they differ only in efficiency.
package reactor
