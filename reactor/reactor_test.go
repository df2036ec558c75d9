//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: reactor/reactor_test.go
// Author: momentics <momentics@gmail.com>
//
// Contract tests run against every backend available on the platform.

package reactor

import (
	"runtime"
	"testing"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func backendKinds() []Kind {
	if runtime.GOOS == "linux" {
		return []Kind{KindEpoll, KindPoll}
	}
	return []Kind{KindPoll}
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for _, kind := range backendKinds() {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			b, err := New(kind, Options{MaxEvents: 16})
			require.NoError(t, err)
			defer b.Close()
			require.Equal(t, kind, b.Kind())
			fn(t, b)
		})
	}
}

// pollReady retries across EINTR wake-ups until something is reported.
func pollReady(t *testing.T, b Backend, out []Readiness) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := b.Poll(100*time.Millisecond, out)
		require.NoError(t, err)
		if n > 0 {
			return n
		}
	}
	return 0
}

func TestBackend_ReadableAfterPeerWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		a, peer := socketpair(t)
		require.NoError(t, b.Register(a, api.Readable))

		out := make([]Readiness, 8)
		n, err := b.Poll(10*time.Millisecond, out)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = unix.Write(peer, []byte("ping"))
		require.NoError(t, err)

		n = pollReady(t, b, out)
		require.Equal(t, 1, n)
		assert.Equal(t, a, out[0].Fd)
		assert.True(t, out[0].Ready.Has(api.Readable))
	})
}

func TestBackend_WritableInterest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		a, _ := socketpair(t)
		require.NoError(t, b.Register(a, api.Readable|api.Writable))

		out := make([]Readiness, 8)
		n := pollReady(t, b, out)
		require.Equal(t, 1, n)
		assert.True(t, out[0].Ready.Has(api.Writable))

		require.NoError(t, b.Modify(a, api.Readable))
		n, err := b.Poll(10*time.Millisecond, out)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestBackend_HangupReported(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		a, peer := socketpair(t)
		require.NoError(t, b.Register(a, api.Readable))
		require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))

		out := make([]Readiness, 8)
		n := pollReady(t, b, out)
		require.Equal(t, 1, n)
		assert.NotZero(t, out[0].Ready&(api.Readable|api.Hangup))
	})
}

func TestBackend_DuplicateAndUnknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		a, _ := socketpair(t)
		require.NoError(t, b.Register(a, api.Readable))
		assert.ErrorIs(t, b.Register(a, api.Readable), api.ErrAlreadyExists)

		assert.ErrorIs(t, b.Modify(a+1000, api.Readable), api.ErrNotFound)
		assert.ErrorIs(t, b.Unregister(a+1000), api.ErrNotFound)

		require.NoError(t, b.Unregister(a))
		assert.ErrorIs(t, b.Unregister(a), api.ErrNotFound)
		assert.ErrorIs(t, b.Register(a, api.Hangup), api.ErrInvalidArgument)
	})
}

func TestBackend_WakeInterruptsPoll(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = b.Wake()
		}()
		start := time.Now()
		n, err := b.Poll(-1, make([]Readiness, 4))
		require.NoError(t, err)
		assert.Zero(t, n, "wake descriptor must not be reported")
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestBackend_WakeBeforePoll(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		require.NoError(t, b.Wake())
		require.NoError(t, b.Wake())
		n, err := b.Poll(time.Second, make([]Readiness, 4))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = b.Poll(20*time.Millisecond, make([]Readiness, 4))
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestBackend_ClosedRejectsCalls(t *testing.T) {
	for _, kind := range backendKinds() {
		b, err := New(kind, Options{})
		require.NoError(t, err)
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())
		assert.ErrorIs(t, b.Register(0, api.Readable), ErrClosed)
		_, err = b.Poll(0, make([]Readiness, 1))
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New("kqueue", Options{})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestPollTimeoutMs_RoundsUp(t *testing.T) {
	assert.Equal(t, -1, pollTimeoutMs(-time.Second))
	assert.Equal(t, 0, pollTimeoutMs(0))
	assert.Equal(t, 1, pollTimeoutMs(time.Microsecond))
	assert.Equal(t, 2, pollTimeoutMs(1500*time.Microsecond))
	assert.Equal(t, 50, pollTimeoutMs(50*time.Millisecond))
}
