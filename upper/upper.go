// Package upper implements the Bluetooth Mesh upper-transport layer
// (C9): the application/device encryption envelope around an access
// payload, virtual-address AAD, and MIC-size policy.
//
// Grounded on the same encrypt-then-authenticate shape as
// network.Encrypt/Decrypt, one layer up: here the key is an AppKey or
// DevKey instead of a NetworkKeyMaterials.Encryption key, and the
// nonce differs from the network nonce in its type byte, in byte 1
// (ASZMIC instead of CTL|TTL) and in bytes 7-8 (DST instead of zero
// padding).
package upper

import (
	"errors"

	"btmesh/crypto"
	"btmesh/keys"
	"btmesh/wire"
)

const maxUnsegmentedAccessLen = 15

const (
	nonceTypeApp    = 0x01
	nonceTypeDevice = 0x02
	nonceTypeProxy  = 0x03
)

var (
	ErrNoCandidate       = errors.New("upper: no candidate key authenticated")
	ErrVirtualNotRegistered = errors.New("upper: virtual label not registered for destination")
)

// EncryptParams bundles everything EncryptAccess needs to build one
// access-layer ciphertext.
type EncryptParams struct {
	Key           keys.Key // AppKey or DevKey
	DeviceKey     bool     // true selects the device nonce type, false the app nonce type
	Seq           uint32
	Src, Dst      uint16
	IVIndex       uint32
	SZMIC         bool
	VirtualLabel  *[16]byte // non-nil iff Dst is a virtual address
	Payload       []byte
}

// EncryptAccess builds ciphertext||MIC for an access-layer payload.
func EncryptAccess(p EncryptParams) []byte {
	mic := micSize(p)
	nonce := accessNonce(nonceType(p.DeviceKey), p.SZMIC, p.Seq, p.Src, p.Dst, p.IVIndex)
	aad := aadFor(p.VirtualLabel)
	return crypto.CCMEncrypt([16]byte(p.Key), nonce, aad, p.Payload, mic)
}

// DecryptParams bundles everything DecryptAccess needs to attempt one
// candidate key.
type DecryptParams struct {
	Key          keys.Key
	DeviceKey    bool
	Seq          uint32
	Src, Dst     uint16
	IVIndex      uint32
	SZMIC        bool
	VirtualLabel *[16]byte
	Ciphertext   []byte
}

// DecryptAccess attempts to authenticate and decrypt one candidate key.
// Callers iterate MatchAID/MatchNID candidates and try each in turn;
// the first success wins (see keys.Store.MatchAID / MatchNID).
func DecryptAccess(p DecryptParams) ([]byte, error) {
	mic := 4
	if p.SZMIC {
		mic = 8
	}
	nonce := accessNonce(nonceType(p.DeviceKey), p.SZMIC, p.Seq, p.Src, p.Dst, p.IVIndex)
	aad := aadFor(p.VirtualLabel)
	return crypto.CCMDecrypt([16]byte(p.Key), nonce, aad, p.Ciphertext, mic)
}

func micSize(p EncryptParams) int {
	if p.SZMIC || len(p.Payload)+8 > maxUnsegmentedAccessLen {
		return 8
	}
	return 4
}

func nonceType(deviceKey bool) byte {
	if deviceKey {
		return nonceTypeDevice
	}
	return nonceTypeApp
}

func aadFor(label *[16]byte) []byte {
	if label == nil {
		return nil
	}
	return label[:]
}

func accessNonce(typ byte, szmic bool, seq uint32, src, dst uint16, ivIndex uint32) [13]byte {
	var n [13]byte
	n[0] = typ
	if szmic {
		n[1] = 0x80
	}
	wire.PutUint24(n[2:5], seq)
	wire.BigEndian.PutUint16(n[5:7], src)
	wire.BigEndian.PutUint16(n[7:9], dst)
	wire.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

// PackControl prepends the control opcode byte to an unencrypted
// upper-transport control PDU. There is no encryption at this layer
// for control messages.
func PackControl(opcode uint8, params []byte) []byte {
	out := make([]byte, 1+len(params))
	out[0] = opcode
	copy(out[1:], params)
	return out
}

// UnpackControl splits a raw upper-transport control PDU into its
// opcode and parameters.
func UnpackControl(raw []byte) (opcode uint8, params []byte, err error) {
	if len(raw) < 1 {
		return 0, nil, errors.New("upper: control PDU too short")
	}
	return raw[0], raw[1:], nil
}
