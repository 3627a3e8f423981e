// Package wire provides the fixed-layout scalar codecs shared by every
// on-wire PDU in the stack: big-endian for network PDUs, little-endian
// for access and provisioning data blocks, and explicit 24-bit helpers
// for sequence numbers.
package wire

import (
	"encoding/binary"
	"errors"
)

// Generic codec errors. The protocol packages define and return their
// own length errors instead of these.
var (
	ErrBadLength = errors.New("wire: bad length")
	ErrBadBytes  = errors.New("wire: bad bytes")
)

// ErrBadIndex reports a malformed field at a specific byte offset.
type ErrBadIndex struct {
	Offset int
}

func (e *ErrBadIndex) Error() string {
	return "wire: bad field at offset"
}

// PutUint24 writes the low 24 bits of v into dst[0:3], most-significant
// byte first.
func PutUint24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

// Uint24 reads a 3-byte big-endian field.
func Uint24(src []byte) uint32 {
	return uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
}

// PutUint24LE writes the low 24 bits of v into dst[0:3], least-significant
// byte first (used by access/provisioning data blocks).
func PutUint24LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

// Uint24LE reads a 3-byte little-endian field.
func Uint24LE(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}

// BigEndian re-exports binary.BigEndian for network-PDU callers. The
// crypto, transport and provisioning packages import encoding/binary
// directly.
var BigEndian = binary.BigEndian

// LittleEndian re-exports binary.LittleEndian for access/provisioning
// data-block callers.
var LittleEndian = binary.LittleEndian

// Packable describes a fixed-layout on-wire type that packs into a
// caller-supplied buffer. No type in this module implements it; the
// PDU codecs are plain Pack*/Unpack* functions.
type Packable interface {
	Pack(dst []byte) error
	Len() int
}

// Unpackable describes a fixed-layout on-wire type that can be parsed
// back out of bytes. No type in this module implements it.
type Unpackable interface {
	Unpack(src []byte) error
}
