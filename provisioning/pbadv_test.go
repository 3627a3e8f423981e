package provisioning

import (
	"bytes"
	"testing"
)

func TestAssemblerSingleSegment(t *testing.T) {
	pdu := []byte{PDUInvite, 5}
	start := PackTransactionStart(0, uint16(len(pdu)), pdu, ComputeFCS(pdu))

	a, err := NewAssembler(start)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Complete() {
		t.Fatal("a single-segment transaction should be complete after TransactionStart")
	}
	got, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pdu) {
		t.Errorf("Finish = %x, want %x", got, pdu)
	}
}

func TestAssemblerMultiSegment(t *testing.T) {
	pdu := make([]byte, maxFirstSegLen+23+5)
	for i := range pdu {
		pdu[i] = byte(i)
	}
	fcsOfWhole := ComputeFCS(pdu)

	start := PackTransactionStart(2, uint16(len(pdu)), pdu[:maxFirstSegLen], fcsOfWhole)
	a, err := NewAssembler(start)
	if err != nil {
		t.Fatal(err)
	}
	if a.Complete() {
		t.Fatal("should not be complete before continuations arrive")
	}

	seg2 := pdu[maxFirstSegLen+23:]
	a.AddContinuation(2, seg2)
	if a.Complete() {
		t.Fatal("should not be complete with segment 1 missing")
	}

	seg1 := pdu[maxFirstSegLen : maxFirstSegLen+23]
	a.AddContinuation(1, seg1)
	if !a.Complete() {
		t.Fatal("should be complete once every segment has arrived")
	}

	got, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pdu) {
		t.Errorf("Finish\nwant: %x\ngot:  %x", pdu, got)
	}
}

func TestAssemblerRejectsBadFCS(t *testing.T) {
	pdu := []byte{PDUInvite, 9}
	start := PackTransactionStart(0, uint16(len(pdu)), pdu, ComputeFCS(pdu)^0xFF)
	a, err := NewAssembler(start)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Finish(); err != ErrBadFCS {
		t.Errorf("err = %v, want ErrBadFCS", err)
	}
}

func TestAssemblerDuplicateContinuationIgnored(t *testing.T) {
	pdu := make([]byte, maxFirstSegLen+10)
	start := PackTransactionStart(1, uint16(len(pdu)), pdu[:maxFirstSegLen], ComputeFCS(pdu))
	a, err := NewAssembler(start)
	if err != nil {
		t.Fatal(err)
	}
	chunk := pdu[maxFirstSegLen:]
	a.AddContinuation(1, chunk)
	a.AddContinuation(1, chunk)
	if !a.Complete() {
		t.Fatal("should be complete after the first copy of segment 1")
	}
}

func TestGPCF(t *testing.T) {
	if g, _ := GPCF([]byte{gpcfBearerControl}); g != gpcfBearerControl {
		t.Errorf("GPCF = %d, want %d", g, gpcfBearerControl)
	}
	if _, err := GPCF(nil); err != ErrBadLength {
		t.Errorf("err = %v, want ErrBadLength", err)
	}
}

func TestPackBearerControl(t *testing.T) {
	uuid := bytes.Repeat([]byte{0xAB}, 16)
	raw := PackBearerControl(BearerOpcodeLinkOpen, uuid)
	if gpcf := raw[0] & 0x03; gpcf != gpcfBearerControl {
		t.Errorf("GPCF bits = %d, want %d", gpcf, gpcfBearerControl)
	}
	if opcode := raw[0] >> 2; opcode != BearerOpcodeLinkOpen {
		t.Errorf("opcode = %d, want BearerOpcodeLinkOpen", opcode)
	}
	if !bytes.Equal(raw[1:], uuid) {
		t.Errorf("params = %x, want %x", raw[1:], uuid)
	}
}
