// File: protocol/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "github.com/momentics/hioload-reactor/api"

var (
	ErrFrameTooLarge      = api.NewError(api.CodeOversized, "frame exceeds 65535 bytes")
	ErrFrameTooShort      = api.NewError(api.CodeProtocol, "transport frame shorter than tag")
	ErrUnexpectedMessage  = api.NewError(api.CodeProtocol, "unexpected handshake message")
	ErrMalformedHandshake = api.NewError(api.CodeProtocol, "malformed handshake message")
	ErrHandshakeFailed    = api.NewError(api.CodeCrypto, "handshake failed")
	ErrHandshakeTimeout   = api.NewError(api.CodeTimeout, "handshake timed out")
	ErrUnauthorizedPeer   = api.NewError(api.CodeCrypto, "peer static key not authorized")
	ErrDecrypt            = api.NewError(api.CodeCrypto, "frame authentication failed")
	ErrNonceExhausted     = api.NewError(api.CodeCrypto, "nonce space exhausted")
	ErrSessionFailed      = api.NewError(api.CodeProtocol, "session failed")
	ErrSessionClosed      = api.NewError(api.CodeChannelClosed, "session closed")
	ErrInvalidKey         = api.NewError(api.CodeInvalidArgument, "key must be 32 bytes")
)
