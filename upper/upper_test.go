package upper

import (
	"encoding/hex"
	"reflect"
	"testing"

	"btmesh/address"
	"btmesh/keys"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// S1 (Mesh Profile section 8.3.22): virtual-address application message.
func TestEncryptAccessVirtualAddressVector(t *testing.T) {
	var appKey keys.Key
	copy(appKey[:], mustHex("63964771734fbd76e3b40519d1d94a48"))

	var label [16]byte
	copy(label[:], mustHex("0073e7e4d8b9440faf8415df4c56c0e1"))
	dst := address.VirtualHash(label)

	plaintext := mustHex("d50a0048656c6c6f")

	out := EncryptAccess(EncryptParams{
		Key:          appKey,
		DeviceKey:    false,
		Seq:          0x07080B,
		Src:          0x1234,
		Dst:          dst,
		IVIndex:      0x12345677,
		SZMIC:        false,
		VirtualLabel: &label,
		Payload:      plaintext,
	})

	want := mustHex("3871b904d4315263" + "16ca48a0")
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("EncryptAccess\nwant: %x\ngot:  %x", want, out)
	}

	back, err := DecryptAccess(DecryptParams{
		Key:          appKey,
		DeviceKey:    false,
		Seq:          0x07080B,
		Src:          0x1234,
		Dst:          dst,
		IVIndex:      0x12345677,
		SZMIC:        false,
		VirtualLabel: &label,
		Ciphertext:   out,
	})
	if err != nil {
		t.Fatalf("DecryptAccess: %v", err)
	}
	if !reflect.DeepEqual(back, plaintext) {
		t.Fatalf("DecryptAccess\nwant: %x\ngot:  %x", plaintext, back)
	}
}

func TestDecryptAccessRejectsWrongKey(t *testing.T) {
	var appKey, otherKey keys.Key
	copy(appKey[:], mustHex("63964771734fbd76e3b40519d1d94a48"))
	copy(otherKey[:], mustHex("00112233445566778899aabbccddeeff"))

	ct := EncryptAccess(EncryptParams{
		Key: appKey, Seq: 1, Src: 0x0001, Dst: 0x0002, IVIndex: 1,
		Payload: []byte("hi"),
	})
	if _, err := DecryptAccess(DecryptParams{
		Key: otherKey, Seq: 1, Src: 0x0001, Dst: 0x0002, IVIndex: 1,
		Ciphertext: ct,
	}); err == nil {
		t.Fatal("expected decryption under the wrong key to fail")
	}
}

func TestControlPDURoundTrip(t *testing.T) {
	raw := PackControl(0x0A, []byte{1, 2, 3})
	opcode, params, err := UnpackControl(raw)
	if err != nil {
		t.Fatal(err)
	}
	if opcode != 0x0A || !reflect.DeepEqual(params, []byte{1, 2, 3}) {
		t.Errorf("UnpackControl = 0x%02x, %v; want 0x0A, [1 2 3]", opcode, params)
	}
}
