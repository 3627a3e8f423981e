// Package network implements the Bluetooth Mesh network layer (C7):
// header obfuscation, AES-CCM authenticated encryption of DST plus the
// lower-transport PDU, replay-checked decryption, and relay.
//
// Grounded on the teacher's encoding/nas security-header functions
// (enc5GSecurityProtectedMessageHeader / ComputeMAC): a fixed header
// prepended to an authenticated, integrity-protected body.
package network

import (
	"errors"

	"btmesh/crypto"
	"btmesh/keys"
	"btmesh/logging"
	"btmesh/wire"
)

var log = logging.New("network")

const (
	MinFrameLen = 14
	MaxFrameLen = 29
	headerLen   = 7 // IVI|NID, CTL|TTL, SEQ(3), SRC(2) -- DST is part of the encrypted body
)

var (
	ErrFrameTooShort  = errors.New("network: frame too short")
	ErrFrameTooLong   = errors.New("network: frame too long")
	ErrNonUnicastSrc  = errors.New("network: src is not unicast")
	ErrNoCandidateKey = errors.New("network: no candidate key authenticated")
)

// PDU is a decoded, decrypted network PDU.
type PDU struct {
	IVI             uint8
	NID             uint8
	CTL             bool
	TTL             uint8
	Seq             uint32 // 24-bit
	Src             uint16 // always Unicast
	Dst             uint16
	TransportPDU    []byte
	NetKeyIndex     keys.NetKeyIndex
}

func micSize(ctl bool) int {
	if ctl {
		return 8
	}
	return 4
}

// Encrypt builds a complete on-wire network frame from pdu, using km's
// TX key and the given 32-bit IV index. It never fails on
// spec-conformant input.
func Encrypt(pdu PDU, ivIndex uint32, km keys.NetworkKeyMaterials) []byte {
	mic := micSize(pdu.CTL)

	plain := make([]byte, 2+len(pdu.TransportPDU))
	wire.BigEndian.PutUint16(plain[0:2], pdu.Dst)
	copy(plain[2:], pdu.TransportPDU)

	nonce := networkNonce(pdu.CTL, pdu.TTL, pdu.Seq, pdu.Src, ivIndex)
	enc := crypto.CCMEncrypt(km.Encryption, nonce, nil, plain, mic)

	frame := make([]byte, headerLen+len(enc))
	frame[0] = (pdu.IVI << 7) | (km.NID & 0x7F)
	ctlBit := uint8(0)
	if pdu.CTL {
		ctlBit = 1
	}
	frame[1] = (ctlBit << 7) | (pdu.TTL & 0x7F)
	wire.PutUint24(frame[2:5], pdu.Seq)
	wire.BigEndian.PutUint16(frame[5:7], pdu.Src)
	copy(frame[headerLen:], enc)

	obfuscate(frame, ivIndex, km.Privacy)
	return frame
}

// Decrypt attempts to decode and authenticate bytes under km. It
// returns (nil, false) on any parse or tag failure; it is the caller's
// job (network layer's orchestrator) to try other NID candidates from
// the key store.
func Decrypt(frameBytes []byte, ivIndex uint32, km keys.NetworkKeyMaterials) (*PDU, bool) {
	if len(frameBytes) < MinFrameLen || len(frameBytes) > MaxFrameLen {
		return nil, false
	}
	frame := append([]byte(nil), frameBytes...)

	deobfuscate(frame, ivIndex, km.Privacy)

	ivi := frame[0] >> 7
	ctl := frame[1]&0x80 != 0
	ttl := frame[1] & 0x7F
	seq := wire.Uint24(frame[2:5])
	src := wire.BigEndian.Uint16(frame[5:7])

	if src == 0 || src&0x8000 != 0 {
		return nil, false
	}

	mic := micSize(ctl)
	enc := frame[headerLen:]
	if len(enc) <= mic {
		return nil, false
	}

	nonce := networkNonce(ctl, ttl, seq, src, ivIndex)
	plain, err := crypto.CCMDecrypt(km.Encryption, nonce, nil, enc, mic)
	if err != nil {
		return nil, false
	}

	dst := wire.BigEndian.Uint16(plain[0:2])
	return &PDU{
		IVI:          ivi,
		NID:          km.NID,
		CTL:          ctl,
		TTL:          ttl,
		Seq:          seq,
		Src:          src,
		Dst:          dst,
		TransportPDU: plain[2:],
	}, true
}

// Relay decrements TTL and re-obfuscates a frame for rebroadcast,
// preserving SRC/SEQ/IVI exactly, per the spec's "relay preserves
// src/seq/ivi" decision (see SPEC_FULL.md section 9, Open Questions).
// Callers must have already confirmed pdu.TTL > 1 and that pdu.Src is
// not a local element.
func Relay(pdu PDU, ivIndex uint32, km keys.NetworkKeyMaterials) []byte {
	relayed := pdu
	relayed.TTL--
	return Encrypt(relayed, ivIndex, km)
}

func networkNonce(ctl bool, ttl uint8, seq uint32, src uint16, ivIndex uint32) [13]byte {
	var n [13]byte
	n[0] = 0x00
	ctlBit := uint8(0)
	if ctl {
		ctlBit = 1
	}
	n[1] = (ctlBit << 7) | (ttl & 0x7F)
	wire.PutUint24(n[2:5], seq)
	wire.BigEndian.PutUint16(n[5:7], src)
	// n[7:9] left zero
	wire.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

// obfuscate and deobfuscate are the same XOR operation: PECB is
// recomputed from the encrypted payload (which obfuscation never
// touches), so applying the function twice with the same key and IV
// index is self-inverse (spec property 5).
func obfuscate(frame []byte, ivIndex uint32, privacyKey keys.PrivacyKey) {
	xorWithPECB(frame, ivIndex, privacyKey)
}

func deobfuscate(frame []byte, ivIndex uint32, privacyKey keys.PrivacyKey) {
	xorWithPECB(frame, ivIndex, privacyKey)
}

func xorWithPECB(frame []byte, ivIndex uint32, privacyKey keys.PrivacyKey) {
	var privacyRandom [7]byte
	enc := frame[headerLen:]
	copy(privacyRandom[:], enc) // zero-pads if enc is shorter than 7

	var block [16]byte
	// block[0:5] stays zero
	wire.BigEndian.PutUint32(block[5:9], ivIndex)
	copy(block[9:16], privacyRandom[:])

	pecb := crypto.ECBEncryptBlock(privacyKey, block)

	for i := 0; i < 6; i++ {
		frame[1+i] ^= pecb[i]
	}
}
