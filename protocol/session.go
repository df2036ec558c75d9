// File: protocol/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session adapts the XK handshake and transport framing to the reactor
// handler contract.

package protocol

import (
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/core/buffer"
	"github.com/momentics/hioload-reactor/core/concurrency"
	"github.com/momentics/hioload-reactor/core/resource"
	"go.uber.org/zap"
)

// DefaultHandshakeTimeout bounds a handshake when SessionConfig leaves it zero.
const DefaultHandshakeTimeout = 10 * time.Second

// SessionConfig describes one end of a secure session.
type SessionConfig struct {
	// StaticKeypair is the local long-term Curve25519 keypair.
	StaticKeypair noise.DHKey
	// RemoteStatic pins the responder key. Setting it makes this end the
	// initiator.
	RemoteStatic []byte
	Prologue     []byte

	// HandshakeTimeout is the wall-clock budget; negative disables it.
	HandshakeTimeout time.Duration
	// MaxHandshakeEvents bounds the readiness events a handshake may consume;
	// zero means unbounded.
	MaxHandshakeEvents int
	// NonceLimit caps frames per direction; zero selects DefaultNonceLimit.
	NonceLimit uint64

	// InitialPayload rides in message 1; initiator only. It is encrypted
	// but not yet bound to the initiator's identity.
	InitialPayload []byte
	// HandshakePayload rides in message 2 (responder) or 3 (initiator).
	HandshakePayload []byte
	// Authorize vets the initiator static key on the responder.
	Authorize func(remoteStatic []byte) error
	// Random feeds ephemeral key generation; nil uses crypto/rand.
	Random io.Reader

	// Callbacks run on the loop goroutine. The slice passed to OnData is
	// only valid for the duration of the call.
	OnEstablished func(s *Session)
	OnData        func(s *Session, p []byte)
	OnFailed      func(s *Session, err error)
}

// Validate checks the config and fills defaults.
func (c *SessionConfig) Validate() error {
	if len(c.StaticKeypair.Private) != 32 || len(c.StaticKeypair.Public) != 32 {
		return ErrInvalidKey.WithContext("field", "StaticKeypair")
	}
	if c.RemoteStatic != nil && len(c.RemoteStatic) != 32 {
		return ErrInvalidKey.WithContext("field", "RemoteStatic")
	}
	if c.MaxHandshakeEvents < 0 {
		return api.ErrInvalidArgument.WithContext("MaxHandshakeEvents", c.MaxHandshakeEvents)
	}
	if len(c.HandshakePayload) > MaxFrameLen-128 {
		return api.ErrInvalidArgument.WithContext("HandshakePayload", len(c.HandshakePayload))
	}
	if len(c.InitialPayload) > MaxFrameLen-128 {
		return api.ErrInvalidArgument.WithContext("InitialPayload", len(c.InitialPayload))
	}
	if len(c.InitialPayload) > 0 && c.RemoteStatic == nil {
		return api.ErrInvalidArgument.WithContext("InitialPayload", "responder")
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.NonceLimit == 0 {
		c.NonceLimit = DefaultNonceLimit
	}
	return nil
}

// Session is the loop-side state of one secure connection. Apart from State,
// its methods must only be called from session callbacks.
type Session struct {
	cfg    SessionConfig
	hs     *handshake
	keys   *SessionKeys
	reader FrameReader
	state  atomic.Int32

	ctx      *concurrency.Context
	log      *zap.Logger
	timer    api.TimerID
	timerSet bool
	events   int
	pending  [][]byte

	remote      []byte
	peerInitial []byte
	peerPayload []byte
	hash        []byte
}

// NewSession builds an unattached session. Most callers use Open.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hs, err := newHandshake(&cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, hs: hs, log: zap.NewNop()}
	hs.onState = s.publish
	return s, nil
}

// SessionHandle is the goroutine-safe side of a registered session.
type SessionHandle struct {
	ctl     concurrency.Controller
	id      api.ResourceID
	session *Session
}

// Open registers conn with the reactor behind a new session. The handshake
// starts before the first poll.
func Open(ctx context.Context, ctl concurrency.Controller, conn resource.Conn, cfg SessionConfig) (*SessionHandle, error) {
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	id, err := ctl.Register(ctx, conn, api.Readable, s)
	if err != nil {
		return nil, err
	}
	return &SessionHandle{ctl: ctl, id: id, session: s}, nil
}

// ID returns the reactor resource id.
func (h *SessionHandle) ID() api.ResourceID { return h.id }

// State returns the current handshake state.
func (h *SessionHandle) State() HandshakeState { return h.session.State() }

// Send encrypts and sends p. Bytes sent before the handshake completes are
// held and flushed once it does.
func (h *SessionHandle) Send(ctx context.Context, p []byte) error {
	return h.ctl.Send(ctx, h.id, p)
}

// Close unregisters the session resource.
func (h *SessionHandle) Close(ctx context.Context) error {
	return h.ctl.Unregister(ctx, h.id)
}

// State returns the current handshake state. Safe from any goroutine.
func (s *Session) State() HandshakeState { return HandshakeState(s.state.Load()) }

// Initiator reports whether this end sent message 1.
func (s *Session) Initiator() bool { return s.cfg.RemoteStatic != nil }

// ID returns the resource id, zero before attach.
func (s *Session) ID() api.ResourceID {
	if s.ctx == nil {
		return 0
	}
	return s.ctx.ID()
}

// RemoteStatic returns the authenticated peer static key once established.
func (s *Session) RemoteStatic() []byte { return s.remote }

// PeerPayload returns the payload the peer carried in its handshake message.
func (s *Session) PeerPayload() []byte { return s.peerPayload }

// PeerInitialPayload returns the initiator's message 1 payload. Responder only.
func (s *Session) PeerInitialPayload() []byte { return s.peerInitial }

// HandshakeHash returns the channel binding of the completed handshake.
func (s *Session) HandshakeHash() []byte { return s.hash }

// Write seals p into one or more frames and queues them. Before the
// handshake completes p is held.
func (s *Session) Write(p []byte) error {
	switch s.State() {
	case Failed:
		return ErrSessionFailed
	case Established:
	default:
		if len(p) > 0 {
			s.pending = append(s.pending, append([]byte(nil), p...))
		}
		return nil
	}
	if s.ctx == nil {
		return ErrSessionClosed
	}
	for len(p) > 0 {
		n := len(p)
		if n > MaxPlaintextChunk {
			n = MaxPlaintextChunk
		}
		frame := buffer.Get(FrameHeaderLen + n + TagSize)[:FrameHeaderLen]
		ct, err := s.keys.Seal(frame, p[:n])
		if err != nil {
			buffer.Put(frame)
			s.fail(err)
			return err
		}
		binary.BigEndian.PutUint16(ct, uint16(len(ct)-FrameHeaderLen))
		err = s.ctx.Send(ct)
		buffer.Put(ct)
		if err != nil {
			// The nonce is spent; the peer could never open later frames.
			s.fail(err)
			return err
		}
		s.ctx.Metrics().ObserveFrame("out")
		p = p[n:]
	}
	return nil
}

// Attached starts the handshake.
func (s *Session) Attached(ctx *concurrency.Context) {
	s.ctx = ctx
	s.log = ctx.Logger().With(zap.Bool("initiator", s.Initiator()))
	if s.cfg.HandshakeTimeout > 0 {
		s.timer = ctx.SetTimer(s.cfg.HandshakeTimeout)
		s.timerSet = true
	}
	if !s.hs.initiator {
		return
	}
	msg, err := s.hs.start()
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.sendHandshake(msg); err != nil {
		s.fail(err)
	}
}

// HandleEvent advances the session on one reactor event.
func (s *Session) HandleEvent(ctx *concurrency.Context, ev api.Event) {
	s.ctx = ctx
	if s.State() == Failed {
		return
	}
	switch e := ev.(type) {
	case api.ReadableEvent:
		if !s.countEvent() {
			return
		}
		s.reader.Push(e.Data)
		s.drainFrames()
	case api.WritableEvent:
		if !s.countEvent() {
			return
		}
		if s.hs != nil && !s.hs.done() {
			s.hs.flushed()
			s.advanced()
		}
	case api.TimerFiredEvent:
		if s.timerSet && e.ID == s.timer {
			s.timerSet = false
			if s.State() != Established {
				s.fail(ErrHandshakeTimeout)
			}
		}
	case api.ErrorEvent:
		// The loop unregisters the resource itself.
		s.markFailed(e.Err)
		ctx.Emit(e)
	}
}

// HandleSend receives controller Send payloads.
func (s *Session) HandleSend(ctx *concurrency.Context, data []byte) {
	s.ctx = ctx
	if err := s.Write(data); err != nil && s.State() != Failed {
		ctx.Emit(api.ErrorEvent{ID: ctx.ID(), Kind: api.KindOf(err), Err: err})
	}
}

// Detached releases key material.
func (s *Session) Detached(ctx *concurrency.Context, err error) {
	s.ctx = ctx
	if err == nil {
		err = ErrSessionClosed
	}
	s.markFailed(err)
	s.ctx = nil
}

func (s *Session) countEvent() bool {
	if s.State() == Established || s.cfg.MaxHandshakeEvents == 0 {
		return true
	}
	s.events++
	if s.events > s.cfg.MaxHandshakeEvents {
		s.fail(ErrHandshakeTimeout.WithContext("events", s.events))
		return false
	}
	return true
}

func (s *Session) drainFrames() {
	for s.State() != Failed {
		msg, ok, err := s.reader.Next()
		if err != nil {
			s.fail(err)
			return
		}
		if !ok {
			return
		}
		if s.State() == Established {
			s.openFrame(msg)
			continue
		}
		if s.State() == SentFinal {
			// Data from the responder means message 3 arrived.
			s.hs.flushed()
			s.advanced()
			if s.State() == Established {
				s.openFrame(msg)
			}
			continue
		}
		reply, err := s.hs.receive(msg)
		if err != nil {
			s.fail(err)
			return
		}
		if reply != nil {
			if err := s.sendHandshake(reply); err != nil {
				s.fail(err)
				return
			}
		}
		s.advanced()
	}
}

func (s *Session) openFrame(msg []byte) {
	pt, err := s.keys.Open(buffer.Get(len(msg))[:0], msg)
	if err != nil {
		buffer.Put(pt)
		s.fail(err)
		return
	}
	s.ctx.Metrics().ObserveFrame("in")
	if s.cfg.OnData != nil {
		s.cfg.OnData(s, pt)
	}
	buffer.Put(pt)
}

func (s *Session) sendHandshake(msg []byte) error {
	frame, err := AppendFrame(nil, msg)
	if err != nil {
		return err
	}
	return s.ctx.Send(frame)
}

// advanced completes the session once the handshake reached Established.
func (s *Session) advanced() {
	if s.State() != Established || s.keys != nil {
		return
	}
	s.keys = s.hs.keys
	s.remote = s.hs.remote
	s.peerInitial = s.hs.peerInitial
	s.peerPayload = s.hs.peerPayload
	s.hash = s.hs.hash
	s.hs.keys = nil
	s.cancelTimer()
	s.ctx.Metrics().ObserveHandshake("established")
	s.log.Debug("session established", zap.Int("events", s.events))
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		if err := s.Write(p); err != nil {
			return
		}
	}
	if s.cfg.OnEstablished != nil {
		s.cfg.OnEstablished(s)
	}
}

// publish makes a handshake transition visible to other goroutines.
func (s *Session) publish(next HandshakeState) {
	prev := HandshakeState(s.state.Swap(int32(next)))
	if prev != next {
		s.log.Debug("handshake transition", zap.Stringer("from", prev), zap.Stringer("state", next))
	}
}

// fail moves the session to Failed, reports err and unregisters the resource.
func (s *Session) fail(err error) {
	if !s.markFailed(err) {
		return
	}
	if s.ctx != nil {
		s.ctx.Emit(api.ErrorEvent{ID: s.ctx.ID(), Kind: api.KindOf(err), Err: err})
		s.ctx.Unregister()
	}
}

// markFailed records the failure once and runs OnFailed.
func (s *Session) markFailed(err error) bool {
	prev := HandshakeState(s.state.Swap(int32(Failed)))
	if prev == Failed {
		return false
	}
	if s.hs != nil && !s.hs.done() {
		s.hs.fail(err)
	}
	s.keys = nil
	s.pending = nil
	s.reader.Reset()
	s.cancelTimer()
	if s.ctx != nil {
		switch {
		case prev == Established:
		case api.KindOf(err) == api.CodeTimeout:
			s.ctx.Metrics().ObserveHandshake("timeout")
		default:
			s.ctx.Metrics().ObserveHandshake("failed")
		}
	}
	s.log.Debug("session failed", zap.Stringer("from", prev), zap.Error(err))
	if s.cfg.OnFailed != nil {
		s.cfg.OnFailed(s, err)
	}
	return true
}

func (s *Session) cancelTimer() {
	if s.timerSet && s.ctx != nil {
		s.ctx.CancelTimer(s.timer)
	}
	s.timerSet = false
}
