package network

import (
	"reflect"
	"testing"

	"btmesh/keys"
)

func fixtureMaterials() keys.NetworkKeyMaterials {
	var net keys.NetKey
	copy(net[:], []byte("0123456789abcdef"))
	return keys.DeriveNetworkKeyMaterials(net)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	km := fixtureMaterials()
	pdu := PDU{
		IVI: 0, CTL: false, TTL: 5, Seq: 0x000123, Src: 0x0001, Dst: 0x0002,
		TransportPDU: []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}

	frame := Encrypt(pdu, 1, km)
	got, ok := Decrypt(frame, 1, km)
	if !ok {
		t.Fatal("Decrypt failed to authenticate its own Encrypt output")
	}
	if got.Src != pdu.Src || got.Dst != pdu.Dst || got.Seq != pdu.Seq || got.TTL != pdu.TTL {
		t.Errorf("decrypted header mismatch: %+v", got)
	}
	if !reflect.DeepEqual(got.TransportPDU, pdu.TransportPDU) {
		t.Errorf("TransportPDU = %x, want %x", got.TransportPDU, pdu.TransportPDU)
	}
}

func TestDecryptRejectsWrongIVIndex(t *testing.T) {
	km := fixtureMaterials()
	pdu := PDU{IVI: 0, CTL: false, TTL: 5, Seq: 1, Src: 0x0001, Dst: 0x0002, TransportPDU: []byte{1, 2, 3}}
	frame := Encrypt(pdu, 1, km)
	if _, ok := Decrypt(frame, 2, km); ok {
		t.Error("Decrypt should fail under a different iv_index")
	}
}

func TestRelayPreservesSrcSeqIVI(t *testing.T) {
	km := fixtureMaterials()
	pdu := PDU{IVI: 1, CTL: false, TTL: 4, Seq: 0x0007, Src: 0x0010, Dst: 0x0020, TransportPDU: []byte{9, 9}}
	frame := Encrypt(pdu, 5, km)
	original, ok := Decrypt(frame, 5, km)
	if !ok {
		t.Fatal("setup: could not decrypt own frame")
	}

	relayed := Relay(*original, 5, km)
	again, ok := Decrypt(relayed, 5, km)
	if !ok {
		t.Fatal("could not decrypt relayed frame")
	}
	if again.Src != original.Src || again.Seq != original.Seq || again.IVI != original.IVI {
		t.Errorf("relay changed src/seq/ivi: got %+v, want src/seq/ivi of %+v", again, original)
	}
	if again.TTL != original.TTL-1 {
		t.Errorf("relayed TTL = %d, want %d", again.TTL, original.TTL-1)
	}
}

// Property 5: deobfuscate then obfuscate (or vice versa) with the same
// privacy key and iv_index is self-inverse on bytes 1..7.
func TestObfuscationSelfInverse(t *testing.T) {
	km := fixtureMaterials()
	pdu := PDU{IVI: 0, CTL: true, TTL: 3, Seq: 0x0A0B0C, Src: 0x1234, Dst: 0x5678, TransportPDU: []byte{1, 2, 3, 4, 5, 6}}
	frame := Encrypt(pdu, 42, km)

	roundTripped := append([]byte(nil), frame...)
	deobfuscate(roundTripped, 42, km.Privacy)
	obfuscate(roundTripped, 42, km.Privacy)

	if !reflect.DeepEqual(roundTripped[1:headerLen], frame[1:headerLen]) {
		t.Errorf("obfuscate(deobfuscate(frame)) changed header bytes 1..7: got %x, want %x", roundTripped[1:headerLen], frame[1:headerLen])
	}
}

func TestSecureBeaconRoundTrip(t *testing.T) {
	km := fixtureMaterials()
	raw := PackSecureBeacon(true, false, 0x12345678, km)

	got, err := UnpackSecureBeacon(raw, km)
	if err != nil {
		t.Fatal(err)
	}
	if !got.KeyRefresh || got.IVUpdate || got.IVIndex != 0x12345678 {
		t.Errorf("UnpackSecureBeacon = %+v", got)
	}
	if got.NetworkID != km.NetworkID {
		t.Errorf("NetworkID = %x, want %x", got.NetworkID, km.NetworkID)
	}
}

func TestSecureBeaconRejectsTamperedAuth(t *testing.T) {
	km := fixtureMaterials()
	raw := PackSecureBeacon(false, true, 1, km)
	raw[len(raw)-1] ^= 0x01
	if _, err := UnpackSecureBeacon(raw, km); err != ErrBeaconAuthFailed {
		t.Errorf("err = %v, want ErrBeaconAuthFailed", err)
	}
}

func TestUnprovisionedBeaconRoundTrip(t *testing.T) {
	var uuid [16]byte
	copy(uuid[:], []byte("0123456789abcdef"))
	var hash [4]byte
	copy(hash[:], []byte{0xAA, 0xBB, 0xCC, 0xDD})

	raw := PackUnprovisionedBeacon(uuid, 0x0042, &hash)
	got, err := UnpackUnprovisionedBeacon(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceUUID != uuid || got.OOBInfo != 0x0042 || got.URIHash == nil || *got.URIHash != hash {
		t.Errorf("UnpackUnprovisionedBeacon = %+v", got)
	}

	rawNoHash := PackUnprovisionedBeacon(uuid, 0x0001, nil)
	got2, err := UnpackUnprovisionedBeacon(rawNoHash)
	if err != nil {
		t.Fatal(err)
	}
	if got2.URIHash != nil {
		t.Errorf("expected nil URIHash when none was packed")
	}
}
