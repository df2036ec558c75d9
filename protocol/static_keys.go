// File: protocol/static_keys.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"crypto/rand"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// GenerateKeypair creates a static Curve25519 keypair. A nil r uses
// crypto/rand.
func GenerateKeypair(r io.Reader) (noise.DHKey, error) {
	if r == nil {
		r = rand.Reader
	}
	return noise.DH25519.GenerateKeypair(r)
}

// KeypairFromPrivate rebuilds a keypair from a stored private key.
func KeypairFromPrivate(priv []byte) (noise.DHKey, error) {
	if len(priv) != curve25519.ScalarSize {
		return noise.DHKey{}, ErrInvalidKey
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: append([]byte(nil), priv...), Public: pub}, nil
}
