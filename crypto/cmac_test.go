package crypto

import (
	"encoding/hex"
	"reflect"
	"testing"
)

// RFC 4493 section 4 test vectors.
func TestCMACVectors(t *testing.T) {
	key := mustHex("2b7e151628aed2a6abf7158809cf4f3c")
	var k [16]byte
	copy(k[:], key)

	msg := mustHex("6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5" +
		"30c81c46a35ce411e5fbc1191a0a52eff69f2445df4f9b17ad2b417be66c3710")

	pattern := []struct {
		name   string
		input  []byte
		expect string
	}{
		{"empty", nil, "bb1d6929e95937287fa37d129b756746"},
		{"16 bytes", msg[:16], "070a16b46b4d4144f79bdd9dd04a287c"},
		{"40 bytes", msg[:40], "dfa66747de9ae63030ca32611497c827"},
		{"64 bytes", msg[:64], "51f0bebf7e3b9d92fc49741779363cfe"},
	}

	for _, p := range pattern {
		got := CMAC(k, p.input)
		want := mustHex(p.expect)
		if !reflect.DeepEqual(got[:], want) {
			t.Errorf("%s: CMAC\nexpect: %x\nactual: %x", p.name, want, got)
		}
	}
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
