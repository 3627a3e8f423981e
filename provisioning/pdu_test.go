package provisioning

import "testing"

func TestInvitePDU(t *testing.T) {
	raw := PackInvite(5)
	if len(raw) != 2 || raw[0] != PDUInvite || raw[1] != 5 {
		t.Errorf("PackInvite(5) = %x", raw)
	}
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	c := Capabilities{
		NumElements: 1, Algorithms: 0x0001, PublicKeyType: 0,
		StaticOOBType: 0, OutputOOBSize: 0, OutputOOBAction: 0,
		InputOOBSize: 0, InputOOBAction: 0,
	}
	got, err := UnpackCapabilities(PackCapabilities(c))
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Errorf("UnpackCapabilities\nwant: %+v\ngot:  %+v", c, got)
	}
}

func TestCapabilitiesRejectsWrongLength(t *testing.T) {
	if _, err := UnpackCapabilities([]byte{PDUCapabilities, 0x01}); err != ErrBadPDU {
		t.Errorf("err = %v, want ErrBadPDU", err)
	}
}

func TestStartPDU(t *testing.T) {
	s := Start{Algorithm: 0, PublicKeyOOB: 0, AuthMethod: 0, AuthAction: 0, AuthSize: 0}
	raw := PackStart(s)
	if len(raw) != 6 || raw[0] != PDUStart {
		t.Errorf("PackStart = %x", raw)
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	var xy [64]byte
	for i := range xy {
		xy[i] = byte(i)
	}
	got, err := UnpackPublicKey(PackPublicKey(xy))
	if err != nil {
		t.Fatal(err)
	}
	if got != xy {
		t.Errorf("UnpackPublicKey round trip mismatch")
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	var c [16]byte
	copy(c[:], []byte("confirmationval1"))
	got, err := UnpackConfirmation(PackConfirmation(c))
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Errorf("UnpackConfirmation round trip mismatch")
	}
}

func TestRandomRoundTrip(t *testing.T) {
	var r [16]byte
	copy(r[:], []byte("randomvalue12345"))
	got, err := UnpackRandom(PackRandom(r))
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Errorf("UnpackRandom round trip mismatch")
	}
}

func TestDataRoundTrip(t *testing.T) {
	encrypted := []byte{1, 2, 3, 4, 5}
	got, err := UnpackData(PackData(encrypted))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(encrypted) {
		t.Errorf("UnpackData = %x, want %x", got, encrypted)
	}
}

func TestCompleteAndFailedPDUs(t *testing.T) {
	if typ, _ := PDUType(PackComplete()); typ != PDUComplete {
		t.Errorf("PDUType(PackComplete()) = 0x%02x, want PDUComplete", typ)
	}
	failed := PackFailed(FailedConfirmationFailed)
	if len(failed) != 2 || failed[0] != PDUFailed || failed[1] != FailedConfirmationFailed {
		t.Errorf("PackFailed = %x", failed)
	}
}

func TestPDUTypeRejectsEmpty(t *testing.T) {
	if _, err := PDUType(nil); err != ErrBadPDU {
		t.Errorf("err = %v, want ErrBadPDU", err)
	}
}
