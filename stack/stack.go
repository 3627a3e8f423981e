// Package stack implements the stack orchestrator (C11): the single
// owner of key store, replay cache, sequence counter, iv-index, and
// reassembly table, wiring the bearer's raw advertisements through
// network, transport, and upper-transport layers in both directions.
//
// Grounded on the teacher's GnbsimSession (cmd/gnbsim.go), which plays
// the same "own every piece of mutable session state, drive the
// layered codecs from one place" role for a 5G UE session.
package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"btmesh/bearer"
	"btmesh/keys"
	"btmesh/logging"
	"btmesh/network"
	"btmesh/provisioning"
	"btmesh/replay"
	"btmesh/transport"
	"btmesh/upper"
)

var log = logging.New("stack")

// ivUpdateMinDuration is the minimum time a pending IV update must be
// observed before becoming effective (§4.11).
const ivUpdateMinDuration = 96 * time.Hour

// NodeAddress is a provisioned node's assigned primary unicast address.
type NodeAddress = uint16

var (
	ErrSeqSpaceExhausted = errors.New("stack: sequence number space exhausted")
	ErrNoCandidate       = errors.New("stack: no candidate key authenticated the frame")
)

// IncomingMessage is a fully decrypted, reassembled application
// message delivered to the access layer.
type IncomingMessage struct {
	Payload     []byte
	Src, Dst    uint16
	Seq         uint32
	IVIndex     uint32
	NetKeyIndex keys.NetKeyIndex
	AppKeyIndex *keys.AppKeyIndex // nil when decrypted under the device key
	TTL         uint8
	RSSI        *int16
}

// OutgoingMessage is the caller's request to send one application
// message (§4.11).
type OutgoingMessage struct {
	AppKeyIndex  *keys.AppKeyIndex // nil selects the device key path
	Dst          uint16
	VirtualLabel *[16]byte
	TTL          uint8
	Payload      []byte
}

// AdvertisementSink is how the orchestrator hands frames to the bearer
// for transmission; it never owns the radio itself (§1).
type AdvertisementSink func(bearer.OutgoingAdvertisement)

// Stack is the orchestrator. One instance per mesh node; concurrent
// instances are independent (§5).
type Stack struct {
	mu sync.Mutex

	Keys        *keys.Store
	replayCache *replay.Cache
	reassembler *transport.Reassembler
	segmenter   *transport.Segmenter

	ivIndex        uint32
	primaryAddress uint16
	elementCount   uint8
	seq            uint32

	ivUpdatePending bool
	ivUpdateSince   time.Time
	ivUpdateTimer   *time.Timer

	send     AdvertisementSink
	inbound  chan IncomingMessage
	relay    bool

	lastRSSI map[uint16]*int16 // per-src, consulted at reassembly delivery time
}

// New constructs a Stack. send is called for every frame the
// orchestrator needs transmitted (network frames, SegmentAcks,
// relays).
func New(keyStore *keys.Store, ivIndex uint32, primaryAddress uint16, elementCount uint8, seq uint32, send AdvertisementSink, relay bool) *Stack {
	s := &Stack{
		Keys:           keyStore,
		replayCache:    replay.New(),
		ivIndex:        ivIndex,
		primaryAddress: primaryAddress,
		elementCount:   elementCount,
		seq:            seq,
		send:           send,
		inbound:        make(chan IncomingMessage, 32),
		relay:          relay,
		lastRSSI:       make(map[uint16]*int16),
	}
	s.reassembler = transport.NewReassembler(s.sendSegmentAck, s.deliverReassembled)
	s.segmenter = transport.NewSegmenter()
	return s
}

// Inbound is the channel of fully reassembled, decrypted application
// messages (§4.11).
func (s *Stack) Inbound() <-chan IncomingMessage { return s.inbound }

// Close releases the reassembler's background goroutine and any
// pending IV-update timer.
func (s *Stack) Close() {
	s.reassembler.Stop()
	s.mu.Lock()
	if s.ivUpdateTimer != nil {
		s.ivUpdateTimer.Stop()
	}
	s.mu.Unlock()
}

// reserveSeq reserves n contiguous sequence numbers, never reusing a
// range even if the caller later aborts (§5, §9).
func (s *Stack) reserveSeq(n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(s.seq)+uint64(n) > 1<<24 {
		return 0, ErrSeqSpaceExhausted
	}
	first := s.seq
	s.seq += n
	return first, nil
}

// HandleAdvertisement dispatches one inbound advertising report by
// ad_type (§6); unknown ad_types are silently ignored.
func (s *Stack) HandleAdvertisement(adv bearer.IncomingAdvertisement) {
	switch adv.AdType {
	case bearer.AdTypeMeshMessage:
		s.handleNetworkFrame(adv.Bytes, adv.RSSI)
	case bearer.AdTypeMeshBeacon:
		s.handleBeacon(adv.Bytes)
	case bearer.AdTypePBADV:
		// Provisioning transactions are driven by Provision's own
		// sequential Send/Receive loop, not this hot path.
	default:
	}
}

// handleBeacon authenticates an incoming mesh beacon against every
// installed NetKey candidate and, for a secure network beacon signaling
// an IV update, starts the 96-hour pending-update timer (§4.11).
// Unprovisioned-device beacons carry no secret material to check here;
// discovering and inviting them is a provisioner-side concern driven
// through Provision, not this receive path.
func (s *Stack) handleBeacon(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0] != network.BeaconTypeSecureNetwork {
		return
	}

	for _, idx := range s.Keys.NetKeyIndexes() {
		kp, ok := s.Keys.NetKeyPhase(idx)
		if !ok {
			continue
		}
		for _, km := range kp.RxKeys() {
			beacon, err := network.UnpackSecureBeacon(raw, km)
			if err != nil {
				continue
			}
			s.observeSecureBeacon(beacon)
			return
		}
	}
}

func (s *Stack) observeSecureBeacon(beacon network.SecureBeacon) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !beacon.IVUpdate {
		s.ivUpdatePending = false
		if s.ivUpdateTimer != nil {
			s.ivUpdateTimer.Stop()
			s.ivUpdateTimer = nil
		}
		return
	}
	if beacon.IVIndex != s.ivIndex+1 || s.ivUpdatePending {
		return
	}

	s.ivUpdatePending = true
	s.ivUpdateSince = time.Now()
	next := beacon.IVIndex
	s.ivUpdateTimer = time.AfterFunc(ivUpdateMinDuration, func() {
		s.commitPendingIVUpdate(next)
	})
}

func (s *Stack) commitPendingIVUpdate(next uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ivUpdatePending {
		return
	}
	s.ivIndex = next
	s.ivUpdatePending = false
	s.ivUpdateTimer = nil
}

func (s *Stack) handleNetworkFrame(raw []byte, rssi *int16) {
	s.mu.Lock()
	ivIndex := s.ivIndex
	s.mu.Unlock()

	nid, err := peekNID(raw)
	if err != nil {
		log.Printf("drop: %v", err)
		return
	}

	candidates := s.Keys.MatchNID(nid)
	var pdu *network.PDU
	var netIdx keys.NetKeyIndex
	for _, c := range candidates {
		if p, ok := network.Decrypt(raw, ivIndex, c.Materials); ok {
			pdu = p
			netIdx = c.Index
			break
		}
	}
	if pdu == nil {
		log.Printf("drop: no candidate net key authenticated frame from unknown src")
		return
	}
	pdu.NetKeyIndex = netIdx

	var seqZeroPtr *uint16
	lower, err := transport.Unpack(pdu.CTL, pdu.TransportPDU)
	if err == nil && lower.Seg {
		sz := lower.SeqZero
		seqZeroPtr = &sz
	}

	isReplaySeq, isReplaySeqZero := s.replayCache.CheckAndUpdate(pdu.Src, pdu.IVI, pdu.Seq, seqZeroPtr)
	if isReplaySeq {
		log.Printf("drop: replay src=0x%04x seq=0x%06x", pdu.Src, pdu.Seq)
		return
	}

	if s.relay && pdu.TTL > 1 && pdu.Src != s.primaryAddress {
		km, ok := s.Keys.NetKeyPhase(netIdx)
		if ok {
			relayed := network.Relay(*pdu, ivIndex, km.TxKey())
			s.send(bearer.OutgoingAdvertisement{Bytes: relayed, TransmitCount: bearer.TransmitParamsMeshMessage.TransmitCount, IntervalSteps: bearer.TransmitParamsMeshMessage.IntervalSteps})
		}
	}

	if err != nil {
		log.Printf("drop: bad lower-transport PDU from src=0x%04x: %v", pdu.Src, err)
		return
	}

	if !lower.Seg {
		s.deliverLower(pdu, lower, rssi)
		return
	}

	if isReplaySeqZero {
		return // already reassembled; still relayed above, never re-delivered
	}

	s.mu.Lock()
	s.lastRSSI[pdu.Src] = rssi
	s.mu.Unlock()

	s.reassembler.HandleSegment(pdu.Src, pdu.Dst, pdu.Seq, pdu.NetKeyIndex, pdu.TTL, lower)
}

func peekNID(raw []byte) (uint8, error) {
	if len(raw) < 1 {
		return 0, fmt.Errorf("stack: frame too short to read NID")
	}
	return raw[0] & 0x7F, nil
}

// deliverLower handles an already-complete (unsegmented) lower
// transport PDU: upper-transport decrypt and hand to Inbound.
func (s *Stack) deliverLower(pdu *network.PDU, lower transport.PDU, rssi *int16) {
	if lower.CTL {
		// SegmentAcks feed the segmenter; control opcodes are never
		// delivered to Inbound.
		if lower.Opcode == transport.SegmentAckOpcode {
			if seqZero, blockAck, obo, err := transport.UnpackSegmentAck(lower.Payload); err == nil {
				s.segmenter.HandleAck(seqZero, blockAck, obo)
			}
		}
		return
	}
	s.decryptAndDeliver(pdu.Src, pdu.Dst, pdu.Seq, pdu.IVI, pdu.NetKeyIndex, pdu.TTL, lower.AKF, lower.AID, false, lower.Payload, rssi)
}

func (s *Stack) deliverReassembled(d transport.Delivery) {
	if d.CTL {
		if d.Opcode == transport.SegmentAckOpcode {
			if seqZero, blockAck, obo, err := transport.UnpackSegmentAck(d.TransportPDU); err == nil {
				s.segmenter.HandleAck(seqZero, blockAck, obo)
			}
		}
		return
	}
	s.mu.Lock()
	rssi := s.lastRSSI[d.Src]
	delete(s.lastRSSI, d.Src)
	s.mu.Unlock()

	// The upper-transport nonce needs the *first* segment's 24-bit Seq;
	// SeqZero is exactly its low 13 bits, which is sufficient because
	// the reassembler evicts any in-flight transfer before SeqZero can
	// wrap within one IV index (see transport.Reassembler.HandleSegment).
	s.decryptAndDeliver(d.Src, d.Dst, uint32(d.SeqZero), 0, d.NetKeyIndex, d.TTL, d.AKF, d.AID, d.SZMIC, d.TransportPDU, rssi)
}

func (s *Stack) decryptAndDeliver(src, dst uint16, seq uint32, ivi uint8, netIdx keys.NetKeyIndex, ttl uint8, akf bool, aid uint8, szmic bool, ciphertext []byte, rssi *int16) {
	s.mu.Lock()
	ivIndex := s.ivIndex
	s.mu.Unlock()

	if akf {
		for _, cand := range s.Keys.MatchAID(aid, netIdx) {
			plain, err := upper.DecryptAccess(upper.DecryptParams{
				Key: cand.Entry.AppKey, DeviceKey: false,
				Seq: seq, Src: src, Dst: dst, IVIndex: ivIndex, SZMIC: szmic,
				Ciphertext: ciphertext,
			})
			if err != nil {
				continue
			}
			idx := cand.Index
			s.inbound <- IncomingMessage{Payload: plain, Src: src, Dst: dst, Seq: seq, IVIndex: ivIndex, NetKeyIndex: netIdx, AppKeyIndex: &idx, TTL: ttl, RSSI: rssi}
			return
		}
		log.Printf("drop: no app key authenticated message from src=0x%04x", src)
		return
	}

	plain, err := upper.DecryptAccess(upper.DecryptParams{
		Key: s.Keys.DevKey(), DeviceKey: true,
		Seq: seq, Src: src, Dst: dst, IVIndex: ivIndex, SZMIC: szmic,
		Ciphertext: ciphertext,
	})
	if err != nil {
		log.Printf("drop: device key did not authenticate message from src=0x%04x", src)
		return
	}
	s.inbound <- IncomingMessage{Payload: plain, Src: src, Dst: dst, Seq: seq, IVIndex: ivIndex, NetKeyIndex: netIdx, TTL: ttl, RSSI: rssi}
}

func (s *Stack) sendSegmentAck(dst uint16, seqZero uint16, blockAck uint32, obo bool) {
	km, ok := s.Keys.NetKeyPhase(0)
	if !ok {
		return
	}
	seq, err := s.reserveSeq(1)
	if err != nil {
		return
	}
	ackPDU := transport.PackSegmentAck(seqZero, blockAck, obo)
	lower := transport.PackUnsegmentedControl(transport.SegmentAckOpcode, ackPDU)

	s.mu.Lock()
	ivIndex := s.ivIndex
	src := s.primaryAddress
	s.mu.Unlock()

	frame := network.Encrypt(network.PDU{
		IVI: uint8(ivIndex & 1), NID: km.TxKey().NID, CTL: true, TTL: 5,
		Seq: seq, Src: src, Dst: dst, TransportPDU: lower,
	}, ivIndex, km.TxKey())
	s.send(bearer.OutgoingAdvertisement{Bytes: frame, TransmitCount: bearer.TransmitParamsMeshMessage.TransmitCount, IntervalSteps: bearer.TransmitParamsMeshMessage.IntervalSteps})
}

// SendAccess encrypts and transmits msg, blocking until every segment
// is acknowledged (or returning ErrUnacked / ctx's error).
func (s *Stack) SendAccess(ctx context.Context, msg OutgoingMessage) error {
	km, ok := s.Keys.NetKeyPhase(0)
	if !ok {
		return errors.New("stack: no net key installed")
	}

	var appKey keys.Key
	var aid uint8
	deviceKey := msg.AppKeyIndex == nil
	if !deviceKey {
		entry, ok := s.Keys.AppKeyByIndex(*msg.AppKeyIndex)
		if !ok {
			return fmt.Errorf("stack: unknown app key index %d", *msg.AppKeyIndex)
		}
		appKey, aid = entry.AppKey, entry.AID
	} else {
		appKey = s.Keys.DevKey()
	}

	szmic := len(msg.Payload)+8 > 15

	segN := transport.SegN(false, len(msg.Payload)+micLen(szmic))
	nSeg := int(segN) + 1
	if len(msg.Payload)+micLen(szmic) <= 15 {
		nSeg = 1
	}

	firstSeq, err := s.reserveSeq(uint32(nSeg))
	if err != nil {
		return err
	}

	s.mu.Lock()
	ivIndex := s.ivIndex
	src := s.primaryAddress
	s.mu.Unlock()

	ciphertext := upper.EncryptAccess(upper.EncryptParams{
		Key: appKey, DeviceKey: deviceKey, Seq: firstSeq, Src: src, Dst: msg.Dst,
		IVIndex: ivIndex, SZMIC: szmic, VirtualLabel: msg.VirtualLabel, Payload: msg.Payload,
	})

	if nSeg == 1 {
		lowerPDU := transport.PackUnsegmentedAccess(!deviceKey, aid, ciphertext)
		frame := network.Encrypt(network.PDU{
			IVI: uint8(ivIndex & 1), NID: km.TxKey().NID, CTL: false, TTL: msg.TTL,
			Seq: firstSeq, Src: src, Dst: msg.Dst, TransportPDU: lowerPDU,
		}, ivIndex, km.TxKey())
		s.send(bearer.OutgoingAdvertisement{Bytes: frame, TransmitCount: bearer.TransmitParamsMeshMessage.TransmitCount, IntervalSteps: bearer.TransmitParamsMeshMessage.IntervalSteps})
		return nil
	}

	seqZero := uint16(firstSeq & 0x1FFF)
	done := s.segmenter.SendAccess(!deviceKey, aid, szmic, seqZero, msg.TTL, ciphertext, func(segO uint8, raw []byte) {
		frame := network.Encrypt(network.PDU{
			IVI: uint8(ivIndex & 1), NID: km.TxKey().NID, CTL: false, TTL: msg.TTL,
			Seq: firstSeq + uint32(segO), Src: src, Dst: msg.Dst, TransportPDU: raw,
		}, ivIndex, km.TxKey())
		s.send(bearer.OutgoingAdvertisement{Bytes: frame, TransmitCount: bearer.TransmitParamsMeshMessage.TransmitCount, IntervalSteps: bearer.TransmitParamsMeshMessage.IntervalSteps})
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.segmenter.Cancel(seqZero)
		return ctx.Err()
	}
}

func micLen(szmic bool) int {
	if szmic {
		return 8
	}
	return 4
}

// ProvisioningBearer is the raw PB-ADV transport a Provision call
// drives; implemented by the caller's bearer adapter, not this package
// (§1: bearer/radio is an external interface).
type ProvisioningBearer interface {
	Send(pdu []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Provision drives the provisioner FSM through the full no-OOB happy
// path and, on success, returns the address assigned to the new node.
func (s *Stack) Provision(ctx context.Context, b ProvisioningBearer, deviceUUID uuid.UUID, assign NodeAddress, netKeyIndex keys.NetKeyIndex, netKey keys.NetKey) (NodeAddress, error) {
	p, invitePDU := provisioning.NewProvisioner(deviceUUID, 0)
	if err := b.Send(invitePDU); err != nil {
		return 0, err
	}

	caps, err := b.Receive(ctx)
	if err != nil {
		return 0, err
	}
	startPDU, err := p.HandleCapabilities(caps)
	if err != nil {
		return 0, err
	}
	if err := b.Send(startPDU); err != nil {
		return 0, err
	}

	pubPDU, err := p.BeginPublicKeyExchange()
	if err != nil {
		return 0, err
	}
	if err := b.Send(pubPDU); err != nil {
		return 0, err
	}

	devPub, err := b.Receive(ctx)
	if err != nil {
		return 0, err
	}
	var authValue [16]byte // No-OOB
	confPDU, err := p.HandleDevicePublicKey(devPub, authValue)
	if err != nil {
		return 0, err
	}
	if err := b.Send(confPDU); err != nil {
		return 0, err
	}

	devConf, err := b.Receive(ctx)
	if err != nil {
		return 0, err
	}
	randPDU, err := p.HandleDeviceConfirmation(devConf)
	if err != nil {
		return 0, err
	}
	if err := b.Send(randPDU); err != nil {
		return 0, err
	}

	devRand, err := b.Receive(ctx)
	if err != nil {
		return 0, err
	}
	if err := p.HandleDeviceRandom(devRand); err != nil {
		return 0, err
	}

	s.mu.Lock()
	ivIndex := s.ivIndex
	s.mu.Unlock()

	dataPDU, err := p.Distribute(provisioning.DistributeBlock{
		NetKey: netKey, NetKeyIndex: netKeyIndex, Flags: 0, IVIndex: ivIndex, UnicastAddress: assign,
	})
	if err != nil {
		return 0, err
	}
	if err := b.Send(dataPDU); err != nil {
		return 0, err
	}

	complete, err := b.Receive(ctx)
	if err != nil {
		return 0, err
	}
	if err := p.HandleComplete(complete); err != nil {
		return 0, err
	}

	s.Keys.InsertNetKey(netKeyIndex, netKey)
	return assign, nil
}

// UpdateIVIndex forces the IV index directly, bypassing the 96-hour
// pending-update timer observeSecureBeacon drives automatically. Meant
// for provisioning-time initialization and tests, not normal operation.
func (s *Stack) UpdateIVIndex(next uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ivIndex = next
	s.ivUpdatePending = false
	if s.ivUpdateTimer != nil {
		s.ivUpdateTimer.Stop()
		s.ivUpdateTimer = nil
	}
}
