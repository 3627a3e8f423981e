// Package transport implements the Bluetooth Mesh lower-transport layer
// (C8): segmentation, reassembly, block acknowledgement, and
// retransmission over the network layer's unreliable broadcast medium.
//
// The reassembly table is a github.com/jellydator/ttlcache/v3 cache
// keyed by (src,seq_zero): the spec's "allocate on first segment, evict
// on timeout, refresh on activity" shape is exactly what a TTL cache
// gives for free (see SPEC_FULL.md section 9).
package transport

import (
	"encoding/binary"
	"errors"
)

const (
	maxSegAccessLen  = 12
	maxSegControlLen = 8
	maxSegN          = 31
)

// PDU is a single lower-transport PDU, as delivered from or handed to
// the network layer's TransportPDU field.
type PDU struct {
	CTL     bool
	Seg     bool
	AKF     bool
	AID     uint8
	Opcode  uint8
	SeqZero uint16
	SegO    uint8
	SegN    uint8
	SZMIC   bool
	Payload []byte
}

var (
	ErrBadLength = errors.New("transport: bad PDU length")
)

// PackUnsegmentedAccess builds byte 0: SEG=0|AKF|AID plus the
// upper-transport ciphertext.
func PackUnsegmentedAccess(akf bool, aid uint8, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = akfAidByte(akf, aid)
	copy(out[1:], body)
	return out
}

func akfAidByte(akf bool, aid uint8) byte {
	b := aid & 0x3F
	if akf {
		b |= 0x40
	}
	return b
}

// PackSegmentedAccess builds one segment of a segmented access PDU.
func PackSegmentedAccess(akf bool, aid uint8, szmic bool, seqZero uint16, segO, segN uint8, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = 0x80 | akfAidByte(akf, aid)
	w := uint32(segN&0x1F) | uint32(segO&0x1F)<<5 | uint32(seqZero&0x1FFF)<<10
	if szmic {
		w |= 1 << 23
	}
	out[1] = byte(w >> 16)
	out[2] = byte(w >> 8)
	out[3] = byte(w)
	copy(out[4:], body)
	return out
}

// PackUnsegmentedControl builds byte 0: SEG=0|Opcode plus parameters.
func PackUnsegmentedControl(opcode uint8, params []byte) []byte {
	out := make([]byte, 1+len(params))
	out[0] = opcode & 0x7F
	copy(out[1:], params)
	return out
}

// PackSegmentedControl builds one segment of a segmented control PDU.
func PackSegmentedControl(opcode uint8, szmic bool, seqZero uint16, segO, segN uint8, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = 0x80 | (opcode & 0x7F)
	w := uint32(segN&0x1F) | uint32(segO&0x1F)<<5 | uint32(seqZero&0x1FFF)<<10
	if szmic {
		w |= 1 << 23
	}
	out[1] = byte(w >> 16)
	out[2] = byte(w >> 8)
	out[3] = byte(w)
	copy(out[4:], body)
	return out
}

// Unpack parses a raw lower-transport PDU. ctl indicates whether the
// enclosing network PDU had CTL=1 (control) or CTL=0 (access).
func Unpack(ctl bool, raw []byte) (PDU, error) {
	if len(raw) < 1 {
		return PDU{}, ErrBadLength
	}
	seg := raw[0]&0x80 != 0
	if !ctl {
		if !seg {
			return PDU{CTL: false, Seg: false, AKF: raw[0]&0x40 != 0, AID: raw[0] & 0x3F, Payload: raw[1:]}, nil
		}
		if len(raw) < 4 {
			return PDU{}, ErrBadLength
		}
		w := uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
		return PDU{
			CTL:     false,
			Seg:     true,
			AKF:     raw[0]&0x40 != 0,
			AID:     raw[0] & 0x3F,
			SZMIC:   w&(1<<23) != 0,
			SeqZero: uint16(w>>10) & 0x1FFF,
			SegN:    uint8(w) & 0x1F,
			SegO:    uint8(w>>5) & 0x1F,
			Payload: raw[4:],
		}, nil
	}
	if !seg {
		return PDU{CTL: true, Seg: false, Opcode: raw[0] & 0x7F, Payload: raw[1:]}, nil
	}
	if len(raw) < 4 {
		return PDU{}, ErrBadLength
	}
	w := uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	return PDU{
		CTL:     true,
		Seg:     true,
		Opcode:  raw[0] & 0x7F,
		SZMIC:   w&(1<<23) != 0,
		SeqZero: uint16(w>>10) & 0x1FFF,
		SegN:    uint8(w) & 0x1F,
		SegO:    uint8(w>>5) & 0x1F,
		Payload: raw[4:],
	}, nil
}

// SegmentAckOpcode is the lower-transport control opcode for
// Segment Acknowledgment messages.
const SegmentAckOpcode = 0x00

// PackSegmentAck builds the 6-byte SegmentAck control-PDU parameters:
// OBO(1)|SeqZero(13)|RFU(2) then BlockAck(32) big-endian.
func PackSegmentAck(seqZero uint16, blockAck uint32, obo bool) []byte {
	out := make([]byte, 6)
	w := uint16(seqZero&0x1FFF) << 2
	if obo {
		w |= 1 << 15
	}
	binary.BigEndian.PutUint16(out[0:2], w)
	binary.BigEndian.PutUint32(out[2:6], blockAck)
	return out
}

// UnpackSegmentAck parses the parameters of a SegmentAck control PDU.
func UnpackSegmentAck(params []byte) (seqZero uint16, blockAck uint32, obo bool, err error) {
	if len(params) != 6 {
		return 0, 0, false, ErrBadLength
	}
	w := binary.BigEndian.Uint16(params[0:2])
	seqZero = (w >> 2) & 0x1FFF
	obo = w&(1<<15) != 0
	blockAck = binary.BigEndian.Uint32(params[2:6])
	return seqZero, blockAck, obo, nil
}

func maxSegLen(ctl bool) int {
	if ctl {
		return maxSegControlLen
	}
	return maxSegAccessLen
}

// SegN returns the SegN header value (segment count minus one) needed
// to carry totalLen bytes.
func SegN(ctl bool, totalLen int) uint8 {
	n := (totalLen + maxSegLen(ctl) - 1) / maxSegLen(ctl)
	if n == 0 {
		n = 1
	}
	return uint8(n - 1)
}
