// File: protocol/frame_codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Noise stream framing: a 2-byte big-endian length followed by the message.
// Handshake messages and transport ciphertexts share the same framing.

package protocol

import "encoding/binary"

const (
	// FrameHeaderLen is the size of the length prefix.
	FrameHeaderLen = 2
	// MaxFrameLen is the largest message a frame can carry.
	MaxFrameLen = 65535
	// TagSize is the Poly1305 authentication tag size.
	TagSize = 16
	// MaxPlaintextChunk is the largest plaintext sealed into one frame.
	MaxPlaintextChunk = MaxFrameLen - TagSize
)

// AppendFrame appends the framed msg to dst.
func AppendFrame(dst, msg []byte) ([]byte, error) {
	if len(msg) > MaxFrameLen {
		return dst, ErrFrameTooLarge.WithContext("len", len(msg))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(msg)))
	return append(dst, msg...), nil
}

// DecodeFrame parses one frame from raw.
// Returns the message, consumed bytes, and error.
// If the frame is incomplete, returns (nil, 0, nil).
func DecodeFrame(raw []byte) ([]byte, int, error) {
	if len(raw) < FrameHeaderLen {
		return nil, 0, nil
	}
	n := int(binary.BigEndian.Uint16(raw))
	if len(raw) < FrameHeaderLen+n {
		return nil, 0, nil
	}
	return raw[FrameHeaderLen : FrameHeaderLen+n], FrameHeaderLen + n, nil
}

// FrameReader reassembles frames from arbitrarily chunked stream reads.
// It keeps its own buffer, separate from the resource read path.
type FrameReader struct {
	buf []byte
	off int
}

// Push appends stream bytes.
func (r *FrameReader) Push(p []byte) {
	if r.off > 0 && r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
	}
	r.buf = append(r.buf, p...)
}

// Next returns the next complete frame, or ok=false when more bytes are
// needed. The returned slice is only valid until the next Push or Next.
func (r *FrameReader) Next() (msg []byte, ok bool, err error) {
	msg, n, err := DecodeFrame(r.buf[r.off:])
	if err != nil || n == 0 {
		r.compact()
		return nil, false, err
	}
	r.off += n
	return msg, true, nil
}

// Buffered returns the bytes held for an incomplete frame.
func (r *FrameReader) Buffered() int { return len(r.buf) - r.off }

// Reset drops everything buffered.
func (r *FrameReader) Reset() {
	r.buf = nil
	r.off = 0
}

func (r *FrameReader) compact() {
	if r.off == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.off:])
	r.buf = r.buf[:n]
	r.off = 0
}
