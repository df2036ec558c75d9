// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resumable Noise XK handshake. Each step consumes one complete message or
// one flush notification and never blocks.

package protocol

import (
	"bytes"
	"errors"

	"github.com/flynn/noise"
	"github.com/momentics/hioload-reactor/api"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// HandshakeState is the position of a session in the XK exchange.
// Transitions only move forward, except into Failed.
type HandshakeState int32

const (
	Uninitiated HandshakeState = iota
	SentInitiator
	AwaitingResponse
	SentFinal
	Established
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case Uninitiated:
		return "uninitiated"
	case SentInitiator:
		return "sent_initiator"
	case AwaitingResponse:
		return "awaiting_response"
	case SentFinal:
		return "sent_final"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Shortest well-formed XK messages: an ephemeral key, the encrypted static
// key in message 3, and the tag of the (possibly empty) payload.
const (
	minMessage1 = dhLen + TagSize
	minMessage2 = dhLen + TagSize
	minMessage3 = dhLen + 2*TagSize

	dhLen = 32
)

// handshake wraps the noise state with the XK message schedule:
//
//	-> e, es          (message 1)
//	<- e, ee          (message 2)
//	-> s, se          (message 3)
//
// The initiator knows the responder static key up front; the responder
// learns the initiator's in message 3.
type handshake struct {
	hs        *noise.HandshakeState
	initiator bool
	state     HandshakeState
	initial   []byte
	payload   []byte
	authorize func(remoteStatic []byte) error
	limit     uint64
	// onState observes every forward transition.
	onState func(HandshakeState)

	keys        *SessionKeys
	remote      []byte
	peerInitial []byte
	peerPayload []byte
	hash        []byte
}

func newHandshake(cfg *SessionConfig) (*handshake, error) {
	initiator := cfg.RemoteStatic != nil
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        cfg.Random,
		Pattern:       noise.HandshakeXK,
		Initiator:     initiator,
		Prologue:      cfg.Prologue,
		StaticKeypair: cfg.StaticKeypair,
		PeerStatic:    cfg.RemoteStatic,
	})
	if err != nil {
		return nil, api.Wrap(api.CodeCrypto, ErrHandshakeFailed.Message, err)
	}
	return &handshake{
		hs:        hs,
		initiator: initiator,
		initial:   cfg.InitialPayload,
		payload:   cfg.HandshakePayload,
		authorize: cfg.Authorize,
		limit:     cfg.NonceLimit,
	}, nil
}

// start produces message 1. Initiator only.
func (h *handshake) start() ([]byte, error) {
	if !h.initiator || h.state != Uninitiated {
		return nil, h.fail(ErrUnexpectedMessage)
	}
	msg, _, _, err := h.hs.WriteMessage(nil, h.initial)
	if err != nil {
		return nil, h.fail(api.Wrap(api.CodeCrypto, ErrHandshakeFailed.Message, err))
	}
	h.advance(SentInitiator)
	return msg, nil
}

// flushed records that every queued handshake byte reached the socket.
func (h *handshake) flushed() {
	if !h.initiator {
		return
	}
	switch h.state {
	case SentInitiator:
		h.advance(AwaitingResponse)
	case SentFinal:
		h.finish()
	}
}

// receive consumes one complete message and returns the reply to send, if
// any.
func (h *handshake) receive(msg []byte) ([]byte, error) {
	if h.initiator {
		return h.receiveInitiator(msg)
	}
	return h.receiveResponder(msg)
}

func (h *handshake) receiveInitiator(msg []byte) ([]byte, error) {
	switch h.state {
	case SentInitiator:
		// A reply means message 1 left already; the flush notice may trail.
		h.advance(AwaitingResponse)
	case AwaitingResponse:
	default:
		return nil, h.fail(ErrUnexpectedMessage.WithContext("state", h.state.String()))
	}

	if len(msg) < minMessage2 {
		return nil, h.fail(ErrMalformedHandshake.WithContext("len", len(msg)))
	}
	payload, _, _, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, h.fail(readFailure(err))
	}
	h.peerPayload = payload

	reply, cs1, cs2, err := h.hs.WriteMessage(nil, h.payload)
	if err != nil {
		return nil, h.fail(api.Wrap(api.CodeCrypto, ErrHandshakeFailed.Message, err))
	}
	if cs1 == nil || cs2 == nil {
		return nil, h.fail(ErrHandshakeFailed)
	}
	keys, err := keysFromCipherStates(cs1, cs2, h.limit)
	if err != nil {
		return nil, h.fail(err)
	}
	h.keys = keys
	h.remote = append([]byte(nil), h.hs.PeerStatic()...)
	h.hash = append([]byte(nil), h.hs.ChannelBinding()...)
	h.advance(SentFinal)
	return reply, nil
}

func (h *handshake) receiveResponder(msg []byte) ([]byte, error) {
	switch h.state {
	case Uninitiated:
		if len(msg) < minMessage1 {
			return nil, h.fail(ErrMalformedHandshake.WithContext("len", len(msg)))
		}
		initial, _, _, err := h.hs.ReadMessage(nil, msg)
		if err != nil {
			return nil, h.fail(readFailure(err))
		}
		h.peerInitial = initial
		h.advance(SentInitiator)
		reply, _, _, err := h.hs.WriteMessage(nil, h.payload)
		if err != nil {
			return nil, h.fail(api.Wrap(api.CodeCrypto, ErrHandshakeFailed.Message, err))
		}
		h.advance(AwaitingResponse)
		return reply, nil

	case AwaitingResponse:
		if len(msg) < minMessage3 {
			return nil, h.fail(ErrMalformedHandshake.WithContext("len", len(msg)))
		}
		payload, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
		if err != nil {
			return nil, h.fail(readFailure(err))
		}
		if cs1 == nil || cs2 == nil {
			return nil, h.fail(ErrHandshakeFailed)
		}
		remote := append([]byte(nil), h.hs.PeerStatic()...)
		if h.authorize != nil {
			if err := h.authorize(remote); err != nil {
				return nil, h.fail(api.Wrap(api.CodeCrypto, ErrUnauthorizedPeer.Message, err))
			}
		}
		keys, err := keysFromCipherStates(cs2, cs1, h.limit)
		if err != nil {
			return nil, h.fail(err)
		}
		h.keys = keys
		h.remote = remote
		h.peerPayload = payload
		h.hash = append([]byte(nil), h.hs.ChannelBinding()...)
		h.finish()
		return nil, nil

	default:
		return nil, h.fail(ErrUnexpectedMessage.WithContext("state", h.state.String()))
	}
}

func (h *handshake) advance(next HandshakeState) {
	h.state = next
	if h.onState != nil {
		h.onState(next)
	}
}

func (h *handshake) finish() {
	h.advance(Established)
	h.wipe()
}

// readFailure classifies a noise read error: truncated input is malformed,
// anything else failed authentication.
func readFailure(err error) error {
	if errors.Is(err, noise.ErrShortMessage) {
		return api.Wrap(api.CodeProtocol, ErrMalformedHandshake.Message, err)
	}
	return api.Wrap(api.CodeCrypto, ErrHandshakeFailed.Message, err)
}

func (h *handshake) fail(err error) error {
	h.state = Failed
	h.keys = nil
	h.wipe()
	return err
}

// wipe zeroes the local ephemeral and drops the noise state.
func (h *handshake) wipe() {
	if h.hs == nil {
		return
	}
	e := h.hs.LocalEphemeral()
	zeroBytes(e.Private)
	h.hs = nil
}

// done reports whether the handshake reached a terminal state.
func (h *handshake) done() bool {
	return h.state == Established || h.state == Failed
}

// AllowPeers returns an Authorize hook accepting only the listed static keys.
func AllowPeers(keys ...[]byte) func([]byte) error {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		allowed = append(allowed, append([]byte(nil), k...))
	}
	return func(remote []byte) error {
		for _, k := range allowed {
			if bytes.Equal(k, remote) {
				return nil
			}
		}
		return ErrUnauthorizedPeer
	}
}
