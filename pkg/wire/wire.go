// Package wire is the binary datagram codec of the probe.
//
// Every datagram starts with a compact header carrying the connection
// identity and the sequence index, followed by the opaque payload:
//
//	+-------+------------------+---------+-------------+---------+
//	| magic | varint id length | id ...  | varint seq  | payload |
//	+-------+------------------+---------+-------------+---------+
//
// The header is parseable without touching the payload. Truncated or
// foreign datagrams decode to an error the flow layer treats as
// recoverable, never as a distinct success variant.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Magic tags reach datagrams so unrelated traffic on a shared port is
// rejected cheaply.
const Magic byte = 0xA7

// MaxIdentityLength bounds the connection identity so a hostile header
// cannot ask us to allocate unbounded memory.
const MaxIdentityLength = 256

var (
	ErrTruncated   = errors.New("wire: truncated datagram")
	ErrBadMagic    = errors.New("wire: not a reach datagram")
	ErrIdentityLen = errors.New("wire: connection identity too long")
)

// Header identifies the flow a datagram belongs to and its position
// within that flow.
type Header struct {
	// ConnID uniquely identifies one logical flow between two peers for
	// the flow's lifetime.
	ConnID string

	// Seq is the position of this datagram in its flow.
	Seq uint64
}

// AppendHeader encodes h at the end of buf and returns the extended
// buffer.
func AppendHeader(buf []byte, h Header) []byte {
	buf = append(buf, Magic)
	buf = protowire.AppendVarint(buf, uint64(len(h.ConnID)))
	buf = append(buf, h.ConnID...)
	buf = protowire.AppendVarint(buf, h.Seq)
	return buf
}

// Encode builds one complete datagram: the header followed by the
// byte-concatenation of every fragment.
func Encode(h Header, fragments ...[]byte) []byte {
	size := 1 + protowire.SizeVarint(uint64(len(h.ConnID))) +
		len(h.ConnID) + protowire.SizeVarint(h.Seq)
	for _, frag := range fragments {
		size += len(frag)
	}
	buf := AppendHeader(make([]byte, 0, size), h)
	for _, frag := range fragments {
		buf = append(buf, frag...)
	}
	return buf
}

// ParseHeader decodes the header of b and returns it together with the
// offset at which the payload starts. The payload itself is never read.
func ParseHeader(b []byte) (Header, int, error) {
	var h Header
	if len(b) < 1 {
		return h, 0, ErrTruncated
	}
	if b[0] != Magic {
		return h, 0, fmt.Errorf("%w: leading byte 0x%02x", ErrBadMagic, b[0])
	}
	off := 1

	idLen, n := protowire.ConsumeVarint(b[off:])
	if n < 0 {
		return h, 0, fmt.Errorf("%w: identity length", ErrTruncated)
	}
	off += n
	if idLen > MaxIdentityLength {
		return h, 0, fmt.Errorf("%w: %d bytes", ErrIdentityLen, idLen)
	}
	if uint64(len(b)-off) < idLen {
		return h, 0, fmt.Errorf("%w: identity", ErrTruncated)
	}
	h.ConnID = string(b[off : off+int(idLen)])
	off += int(idLen)

	seq, n := protowire.ConsumeVarint(b[off:])
	if n < 0 {
		return h, 0, fmt.Errorf("%w: sequence index", ErrTruncated)
	}
	h.Seq = seq
	off += n

	return h, off, nil
}
