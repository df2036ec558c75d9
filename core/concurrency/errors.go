// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import (
	"errors"

	"github.com/momentics/hioload-reactor/api"
)

var (
	// ErrHandlerPanic reports a recovered handler panic. The resource is
	// unregistered afterwards.
	ErrHandlerPanic = api.NewError(api.CodeInternal, "handler panicked")

	// ErrNoBackend indicates a loop constructed without a readiness backend
	ErrNoBackend = errors.New("concurrency: readiness backend is required")

	// ErrUnregistering indicates a send to a resource already scheduled for removal
	ErrUnregistering = api.Wrap(api.CodeNotFound, "resource is being unregistered", api.ErrNotFound)
)
