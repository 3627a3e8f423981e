// Package address implements Bluetooth Mesh address algebra: the
// Unassigned/Unicast/Group/Virtual address kinds, their classification
// predicates, and virtual-label hash derivation.
//
// Mirrors the teacher's encoding/nas PLMN/mobile-identity helpers in
// spirit: small pure functions over fixed-width fields, no hidden state.
package address

import (
	"errors"

	"btmesh/crypto"
)

// Kind classifies an Address.
type Kind uint8

const (
	KindUnassigned Kind = iota
	KindUnicast
	KindGroup
	KindVirtualHash // wire form: only the 16-bit hash is known
	KindVirtual     // local form: hash plus the full 128-bit label
)

// Address is a tagged Bluetooth Mesh address. Zero value is Unassigned.
type Address struct {
	kind  Kind
	value uint16   // wire value for Unassigned/Unicast/Group/VirtualHash
	label *[16]byte // set only for KindVirtual
}

// ErrInvalidAddress is returned when a 16-bit word does not decode to a
// representable address, or a constructor's argument violates the
// address's invariant.
var ErrInvalidAddress = errors.New("address: invalid value")

// Unassigned is the single legal zero address.
var Unassigned = Address{kind: KindUnassigned}

// saltVTAD is the Mesh Profile's fixed salt for virtual-label hashing,
// s1("vtad").
var saltVTAD = s1([]byte("vtad"))

func s1(m []byte) [16]byte {
	var zero [16]byte
	return crypto.CMAC(zero, m)
}

// NewUnicast constructs a Unicast address. v must be nonzero with its
// top bit clear.
func NewUnicast(v uint16) (Address, error) {
	if v == 0 || v&0x8000 != 0 {
		return Address{}, ErrInvalidAddress
	}
	return Address{kind: KindUnicast, value: v}, nil
}

// NewGroup constructs a Group address. v's top two bits must be 0b11.
func NewGroup(v uint16) (Address, error) {
	if v&0xC000 != 0xC000 {
		return Address{}, ErrInvalidAddress
	}
	return Address{kind: KindGroup, value: v}, nil
}

// NewVirtualHash constructs a wire-form virtual address from its 16-bit
// hash. The top two bits must be 0b10. The full label is not known.
func NewVirtualHash(hash uint16) (Address, error) {
	if hash&0xC000 != 0x8000 {
		return Address{}, ErrInvalidAddress
	}
	return Address{kind: KindVirtualHash, value: hash}, nil
}

// NewVirtual constructs a local-form virtual address: the full 128-bit
// label plus its derived hash.
func NewVirtual(label [16]byte) Address {
	hash := VirtualHash(label)
	l := label
	return Address{kind: KindVirtual, value: hash, label: &l}
}

// VirtualHash computes the wire hash of a 128-bit virtual-address label:
// the low 14 bits of CMAC(salt_vtad, label), with bit 15 set and bit 14
// clear (the 0b10 top-bit pattern).
func VirtualHash(label [16]byte) uint16 {
	tag := crypto.CMAC(saltVTAD, label[:])
	hash := uint16(tag[14])<<8 | uint16(tag[15])
	return (hash & 0x3FFF) | 0x8000
}

// FromUint16 classifies a raw 16-bit network-order address word. Virtual
// addresses decode to KindVirtualHash; the label must be supplied
// separately by the caller that recognizes it (upper transport, via a
// registered label table).
func FromUint16(v uint16) (Address, error) {
	switch {
	case v == 0:
		return Unassigned, nil
	case v&0x8000 == 0:
		return NewUnicast(v)
	case v&0xC000 == 0xC000:
		return NewGroup(v)
	case v&0xC000 == 0x8000:
		return NewVirtualHash(v)
	default:
		return Address{}, ErrInvalidAddress
	}
}

// ToUint16Network returns the network-PDU (big-endian-significant, but
// the value itself is endian-agnostic) 16-bit wire word.
func (a Address) ToUint16Network() uint16 { return a.value }

// ToUint16Access is the same numeric value; access PDUs merely encode it
// little-endian instead of big-endian, which is a wire.PutUint16
// concern, not an address-algebra one.
func (a Address) ToUint16Access() uint16 { return a.value }

func (a Address) Kind() Kind { return a.kind }

func (a Address) IsUnassigned() bool { return a.kind == KindUnassigned }
func (a Address) IsUnicast() bool    { return a.kind == KindUnicast }
func (a Address) IsGroup() bool      { return a.kind == KindGroup }
func (a Address) IsVirtual() bool {
	return a.kind == KindVirtualHash || a.kind == KindVirtual
}

// Label returns the full 128-bit label and true if this address was
// constructed with one (KindVirtual); otherwise false.
func (a Address) Label() ([16]byte, bool) {
	if a.label == nil {
		return [16]byte{}, false
	}
	return *a.label, true
}

func (a Address) Equal(b Address) bool {
	return a.kind == b.kind && a.value == b.value
}

func (a Address) String() string {
	switch a.kind {
	case KindUnassigned:
		return "unassigned"
	case KindUnicast:
		return "unicast:0x" + hex16(a.value)
	case KindGroup:
		return "group:0x" + hex16(a.value)
	case KindVirtualHash, KindVirtual:
		return "virtual:0x" + hex16(a.value)
	default:
		return "invalid"
	}
}

func hex16(v uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{
		digits[(v>>12)&0xF], digits[(v>>8)&0xF],
		digits[(v>>4)&0xF], digits[v&0xF],
	})
}
