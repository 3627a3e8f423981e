package transport

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"btmesh/logging"
)

var log = logging.New("transport")

const (
	incompleteTimeout = 10 * time.Second
	ackTimeout        = 200 * time.Millisecond
)

// ReassemblyKey identifies one in-flight segmented transfer.
type ReassemblyKey struct {
	Src     uint16
	SeqZero uint16
}

// SegmentationState is the per-(src,seq_zero) reassembly state (C8's
// SegmentationState). Owned exclusively by the Reassembler that created
// it.
type SegmentationState struct {
	mu          sync.Mutex
	SegN        uint8
	CTL         bool
	AKF         bool
	AID         uint8
	Opcode      uint8
	SZMIC       bool
	Dst         uint16
	NetKeyIndex uint16
	TTL         uint8
	buffers     [][]byte
	blockAck    uint32
	firstSeq    uint32
	ackTimer    *time.Timer
}

func newSegmentationState(segN uint8, ctl, akf bool, aid, opcode uint8, szmic bool, dst, netKeyIndex uint16, ttl uint8, firstSeq uint32) *SegmentationState {
	return &SegmentationState{
		SegN:        segN,
		CTL:         ctl,
		AKF:         akf,
		AID:         aid,
		Opcode:      opcode,
		SZMIC:       szmic,
		Dst:         dst,
		NetKeyIndex: netKeyIndex,
		TTL:         ttl,
		buffers:     make([][]byte, int(segN)+1),
		firstSeq:    firstSeq,
	}
}

func (s *SegmentationState) complete() bool {
	want := uint32(1)<<(uint32(s.SegN)+1) - 1
	return s.blockAck == want
}

// Delivery is one fully reassembled upper-transport PDU, handed up from
// the reassembler.
type Delivery struct {
	Src          uint16
	Dst          uint16
	SeqZero      uint16
	NetKeyIndex  uint16
	TTL          uint8
	CTL          bool
	AKF          bool
	AID          uint8
	Opcode       uint8
	SZMIC        bool
	TransportPDU []byte
}

// AckSender is called by the reassembler whenever a SegmentAck must be
// emitted to src.
type AckSender func(src uint16, seqZero uint16, blockAck uint32, obo bool)

// Deliverer is called once per completed reassembly.
type Deliverer func(Delivery)

// Reassembler implements the receiver side of C8.
type Reassembler struct {
	cache     *ttlcache.Cache[ReassemblyKey, *SegmentationState]
	sendAck   AckSender
	deliver   Deliverer
	highestSZ map[uint16]uint16 // per-src, for SeqZero eviction ordering
	mu        sync.Mutex
}

func NewReassembler(sendAck AckSender, deliver Deliverer) *Reassembler {
	r := &Reassembler{
		cache:     ttlcache.New[ReassemblyKey, *SegmentationState](ttlcache.WithTTL[ReassemblyKey, *SegmentationState](incompleteTimeout)),
		sendAck:   sendAck,
		deliver:   deliver,
		highestSZ: make(map[uint16]uint16),
	}
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[ReassemblyKey, *SegmentationState]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		key := item.Key()
		log.Printf("reassembly timeout src=0x%04x seq_zero=0x%04x, dropping", key.Src, key.SeqZero)
	})
	go r.cache.Start()
	return r
}

// Stop releases the background expiration goroutine.
func (r *Reassembler) Stop() { r.cache.Stop() }

// HandleSegment processes one inbound segment. seq is the segment's own
// 24-bit sequence number (needed only to seed firstSeq bookkeeping); dst,
// netKeyIndex and ttl are carried from the enclosing network PDU so the
// eventual Delivery has everything the upper-transport nonce and
// IncomingMessage need.
func (r *Reassembler) HandleSegment(src, dst uint16, seq uint32, netKeyIndex uint16, ttl uint8, pdu PDU) {
	r.mu.Lock()
	hi, ok := r.highestSZ[src]
	if ok && seqGreater(pdu.SeqZero, hi) {
		r.cache.Delete(ReassemblyKey{Src: src, SeqZero: hi})
	}
	if !ok || seqGreater(pdu.SeqZero, hi) || pdu.SeqZero == hi {
		r.highestSZ[src] = pdu.SeqZero
	}
	r.mu.Unlock()

	key := ReassemblyKey{Src: src, SeqZero: pdu.SeqZero}

	item := r.cache.Get(key)
	var st *SegmentationState
	if item == nil {
		st = newSegmentationState(pdu.SegN, pdu.CTL, pdu.AKF, pdu.AID, pdu.Opcode, pdu.SZMIC, dst, netKeyIndex, ttl, seq)
		r.cache.Set(key, st, incompleteTimeout)
	} else {
		st = item.Value()
	}

	st.mu.Lock()
	bit := uint32(1) << pdu.SegO
	isNew := st.blockAck&bit == 0
	if isNew {
		st.buffers[pdu.SegO] = append([]byte(nil), pdu.Payload...)
		st.blockAck |= bit
	}
	doneNow := st.complete()
	blockAck := st.blockAck
	segN := st.SegN
	st.mu.Unlock()

	if doneNow {
		r.finish(key, st)
		return
	}

	r.cache.Set(key, st, incompleteTimeout) // refresh TTL on activity

	r.armAckTimer(key, st, segN, blockAck)
}

func (r *Reassembler) armAckTimer(key ReassemblyKey, st *SegmentationState, segN uint8, blockAck uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ackTimer != nil {
		st.ackTimer.Stop()
	}
	st.ackTimer = time.AfterFunc(ackTimeout, func() {
		item := r.cache.Get(key, ttlcache.WithDisableTouchOnHit[ReassemblyKey, *SegmentationState]())
		if item == nil {
			return
		}
		cur := item.Value()
		cur.mu.Lock()
		ack := cur.blockAck
		done := cur.complete()
		cur.mu.Unlock()
		r.sendAck(key.Src, key.SeqZero, ack, false)
		if !done {
			r.armAckTimer(key, cur, segN, ack)
		}
	})
}

func (r *Reassembler) finish(key ReassemblyKey, st *SegmentationState) {
	st.mu.Lock()
	if st.ackTimer != nil {
		st.ackTimer.Stop()
	}
	var body []byte
	for _, seg := range st.buffers {
		body = append(body, seg...)
	}
	ctl, akf, aid, opcode, szmic, blockAck := st.CTL, st.AKF, st.AID, st.Opcode, st.SZMIC, st.blockAck
	dst, netKeyIndex, ttl := st.Dst, st.NetKeyIndex, st.TTL
	st.mu.Unlock()

	r.cache.Delete(key)
	r.mu.Lock()
	delete(r.highestSZ, key.Src)
	r.mu.Unlock()

	r.sendAck(key.Src, key.SeqZero, blockAck, false)
	r.deliver(Delivery{
		Src:          key.Src,
		Dst:          dst,
		SeqZero:      key.SeqZero,
		NetKeyIndex:  netKeyIndex,
		TTL:          ttl,
		CTL:          ctl,
		AKF:          akf,
		AID:          aid,
		Opcode:       opcode,
		SZMIC:        szmic,
		TransportPDU: body,
	})
}

// seqGreater compares two 13-bit SeqZero values without wrap handling;
// SeqZero only needs to be "new enough to evict the old one", which the
// orchestrator guarantees by construction (see SPEC_FULL.md section
// 4.8, Ordering).
func seqGreater(a, b uint16) bool { return a > b }
