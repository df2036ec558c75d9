// File: protocol/keys.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport keys split from a completed handshake.

package protocol

import (
	"crypto/cipher"
	"encoding/binary"
	"math"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultNonceLimit leaves 2^64-1 unused, as Noise reserves it for rekey.
const DefaultNonceLimit uint64 = math.MaxUint64 - 1

// SessionKeys holds independent send and receive AEADs, each with its own
// nonce counter. Counters advance by exactly one per frame and are never
// reset; a new handshake yields new keys.
type SessionKeys struct {
	send  cipher.AEAD
	recv  cipher.AEAD
	sendN uint64
	recvN uint64
	limit uint64

	sendNonce [chacha20poly1305.NonceSize]byte
	recvNonce [chacha20poly1305.NonceSize]byte
}

// NewSessionKeys builds keys from raw 32-byte send and receive keys. A zero
// limit selects DefaultNonceLimit.
func NewSessionKeys(sendKey, recvKey []byte, limit uint64) (*SessionKeys, error) {
	if len(sendKey) != chacha20poly1305.KeySize || len(recvKey) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultNonceLimit
	}
	return &SessionKeys{send: send, recv: recv, limit: limit}, nil
}

// keysFromCipherStates copies the keys out of the split cipher states and
// wipes the temporaries.
func keysFromCipherStates(send, recv *noise.CipherState, limit uint64) (*SessionKeys, error) {
	sk := send.UnsafeKey()
	rk := recv.UnsafeKey()
	defer func() {
		zeroBytes(sk[:])
		zeroBytes(rk[:])
	}()
	return NewSessionKeys(sk[:], rk[:], limit)
}

// Seal encrypts plaintext with the next send nonce and appends the result to
// dst. Returns ErrNonceExhausted once the limit is reached.
func (k *SessionKeys) Seal(dst, plaintext []byte) ([]byte, error) {
	if k.sendN >= k.limit {
		return dst, ErrNonceExhausted
	}
	encodeNonce(k.sendNonce[:], k.sendN)
	k.sendN++
	return k.send.Seal(dst, k.sendNonce[:], plaintext, nil), nil
}

// Open verifies and decrypts ciphertext with the next receive nonce. The
// counter only advances on success; any replayed, reordered or skipped frame
// fails authentication.
func (k *SessionKeys) Open(dst, ciphertext []byte) ([]byte, error) {
	if k.recvN >= k.limit {
		return dst, ErrNonceExhausted
	}
	if len(ciphertext) < TagSize {
		return dst, ErrFrameTooShort.WithContext("len", len(ciphertext))
	}
	encodeNonce(k.recvNonce[:], k.recvN)
	out, err := k.recv.Open(dst, k.recvNonce[:], ciphertext, nil)
	if err != nil {
		return dst, ErrDecrypt.WithContext("nonce", k.recvN)
	}
	k.recvN++
	return out, nil
}

// SendNonce returns the nonce the next Seal will use.
func (k *SessionKeys) SendNonce() uint64 { return k.sendN }

// RecvNonce returns the nonce the next Open expects.
func (k *SessionKeys) RecvNonce() uint64 { return k.recvN }

// encodeNonce writes the Noise ChaChaPoly nonce: 4 zero bytes then the
// counter in little-endian.
func encodeNonce(dst []byte, n uint64) {
	dst[0], dst[1], dst[2], dst[3] = 0, 0, 0, 0
	binary.LittleEndian.PutUint64(dst[4:], n)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
