// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection layer for the
// reactor.
//
// Provides:
//   - Typed immutable configuration with defaults and validation
//   - Prometheus metrics for the loop, resources and secure sessions
//   - State export through registered debug probes
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
