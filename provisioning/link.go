package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// transactionTimeout bounds how long an incomplete inbound transaction
// is kept before being discarded, the same evict-on-timeout contract
// the lower-transport reassembler gets from ttlcache (SPEC_FULL.md
// section 9, "Ambient-stack addition").
const transactionTimeout = 30 * time.Second

var (
	ErrLinkClosed  = errors.New("provisioning: link closed")
	ErrTransaction = errors.New("provisioning: bad transaction framing")
)

// RawSender transmits one generic-bearer segment as a single
// advertisement; framing below 29 bytes is the caller's bearer
// adapter's job (§1).
type RawSender func(segment []byte) error

// Link implements the PB-ADV generic transaction layer on top of a
// raw advertisement channel: it fragments outbound provisioning PDUs
// into TransactionStart/Continuation segments and reassembles inbound
// ones, acking each completed transaction. One Link serves one
// provisioning session; Send/Receive satisfy stack.ProvisioningBearer.
type Link struct {
	send RawSender
	raw  <-chan []byte

	txn     uint8
	pending *ttlcache.Cache[uint8, *Assembler]
}

// NewLink constructs a Link. raw delivers every inbound advertisement
// addressed to this link's PB-ADV link ID; the caller's bearer adapter
// is responsible for demultiplexing by link ID before handing bytes
// here.
func NewLink(send RawSender, raw <-chan []byte) *Link {
	l := &Link{
		send:    send,
		raw:     raw,
		pending: ttlcache.New[uint8, *Assembler](ttlcache.WithTTL[uint8, *Assembler](transactionTimeout)),
	}
	go l.pending.Start()
	return l
}

// Close releases the link's background expiration goroutine.
func (l *Link) Close() { l.pending.Stop() }

// Send fragments pdu into generic-bearer segments and transmits them
// as a single transaction, incrementing the transaction number each
// call per Mesh Profile section 5.2.1.
func (l *Link) Send(pdu []byte) error {
	l.txn++
	txn := l.txn

	whole := ComputeFCS(pdu)
	if len(pdu) <= maxFirstSegLen {
		seg := PackTransactionStart(0, uint16(len(pdu)), pdu, whole)
		return l.send(withTxn(txn, seg))
	}

	remaining := len(pdu) - maxFirstSegLen
	segN := uint8((remaining + 22) / 23) // index of the last continuation segment
	start := PackTransactionStart(segN, uint16(len(pdu)), pdu[:maxFirstSegLen], whole)
	if err := l.send(withTxn(txn, start)); err != nil {
		return err
	}

	rest := pdu[maxFirstSegLen:]
	for i := uint8(1); i <= segN; i++ {
		n := 23
		if n > len(rest) {
			n = len(rest)
		}
		chunk := rest[:n]
		rest = rest[n:]
		seg := PackTransactionContinuation(i, chunk)
		if err := l.send(withTxn(txn, seg)); err != nil {
			return err
		}
	}
	return nil
}

// withTxn prepends the link-layer transaction number byte that sits
// outside the generic-bearer PDU itself on the wire (PB-ADV frames it
// as part of the Generic Provisioning PDU's enclosing Link ID/
// Transaction Number header); kept as a single leading byte here so
// the receive side can demultiplex without re-parsing GPCF first.
func withTxn(txn uint8, segment []byte) []byte {
	out := make([]byte, 1+len(segment))
	out[0] = txn
	copy(out[1:], segment)
	return out
}

// Receive blocks until one complete provisioning PDU has been
// reassembled from inbound segments, acking the transaction once done.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case framed, ok := <-l.raw:
			if !ok {
				return nil, ErrLinkClosed
			}
			if len(framed) < 1 {
				continue
			}
			txn, seg := framed[0], framed[1:]
			pdu, done, err := l.feed(txn, seg)
			if err != nil {
				continue // malformed segment, drop and keep waiting
			}
			if done {
				if err := l.send(withTxn(txn, PackTransactionAck())); err != nil {
					return nil, err
				}
				return pdu, nil
			}
		}
	}
}

func (l *Link) feed(txn uint8, seg []byte) (pdu []byte, done bool, err error) {
	gpcf, err := GPCF(seg)
	if err != nil {
		return nil, false, err
	}

	switch gpcf {
	case gpcfTransactionStart:
		a, err := NewAssembler(seg)
		if err != nil {
			return nil, false, err
		}
		if a.Complete() {
			body, err := a.Finish()
			if err != nil {
				return nil, false, err
			}
			l.pending.Delete(txn)
			return body, true, nil
		}
		l.pending.Set(txn, a, transactionTimeout)
		return nil, false, nil

	case gpcfTransactionContinuation:
		item := l.pending.Get(txn)
		if item == nil {
			return nil, false, ErrTransaction
		}
		a := item.Value()
		segIndex := seg[0] >> 2
		a.AddContinuation(segIndex, seg[1:])
		if a.Complete() {
			body, err := a.Finish()
			if err != nil {
				return nil, false, err
			}
			l.pending.Delete(txn)
			return body, true, nil
		}
		l.pending.Set(txn, a, transactionTimeout)
		return nil, false, nil

	default:
		return nil, false, ErrTransaction
	}
}
