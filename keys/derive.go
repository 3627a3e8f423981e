// Package keys implements the Mesh Profile key-derivation functions
// (s1, k1-k4) and the key-materials store: per-NetKey derived material
// under a key-refresh phase, and the AppKey table keyed by AID.
package keys

import (
	"btmesh/crypto"
)

// Key is a 16-byte key wrapper. Once constructed it is never mutated;
// equality is byte-wise.
type Key [16]byte

func (k Key) Bytes() []byte { return k[:] }

// NetKey, AppKey, DevKey and the derived key kinds are all semantically
// distinct 16-byte keys. They are type aliases of Key, so the names
// document intent only: the compiler treats them as the same type and
// accepts an AppKey wherever a NetKey is expected.
type (
	NetKey        = Key
	AppKey        = Key
	DevKey        = Key
	EncryptionKey = Key
	PrivacyKey    = Key
	BeaconKey     = Key
	IdentityKey   = Key
	SessionKey    = Key
)

// S1 computes the Mesh Profile salt function: CMAC(0^16, M).
func S1(m []byte) Key {
	var zero Key
	return Key(crypto.CMAC(zero, m))
}

// K1 computes CMAC(CMAC(salt, N), P).
func K1(n []byte, salt Key, p []byte) Key {
	t := crypto.CMAC(salt, n)
	return Key(crypto.CMAC(t, p))
}

// K2Result is the NID/EncryptionKey/PrivacyKey triple derived by K2.
type K2Result struct {
	NID        uint8
	Encryption EncryptionKey
	Privacy    PrivacyKey
}

var smk2Salt = S1([]byte("smk2"))

// K2 derives {NID, EncryptionKey, PrivacyKey} from a NetKey and a
// context octet P, per Mesh Profile section 3.8.2.6.
func K2(n NetKey, p []byte) K2Result {
	t := crypto.CMAC(smk2Salt, n.Bytes())

	t1 := crypto.CMAC(t, append(append([]byte{}, p...), 0x01))
	t2 := crypto.CMAC(t, append(append(append([]byte{}, t1[:]...), p...), 0x02))
	t3 := crypto.CMAC(t, append(append(append([]byte{}, t2[:]...), p...), 0x03))

	var enc, priv Key
	copy(enc[:], t2[:])
	copy(priv[:], t3[:])

	return K2Result{
		NID:        t1[15] & 0x7F,
		Encryption: enc,
		Privacy:    priv,
	}
}

var smk3Salt = S1([]byte("smk3"))

// K3 derives the 8-byte NetworkID from a NetKey.
func K3(n NetKey) [8]byte {
	msg := append(append([]byte{}, n.Bytes()...), []byte("id64")...)
	msg = append(msg, 0x01)
	tag := crypto.CMAC(smk3Salt, msg)
	var out [8]byte
	copy(out[:], tag[8:])
	return out
}

var smk4Salt = S1([]byte("smk4"))

// K4 derives the 6-bit AID from an AppKey.
func K4(a AppKey) uint8 {
	msg := append(append([]byte{}, a.Bytes()...), []byte("id6")...)
	msg = append(msg, 0x01)
	tag := crypto.CMAC(smk4Salt, msg)
	return tag[15] & 0x3F
}

// DeriveIdentityKey derives the node identity key from a NetKey, per Mesh
// Profile section 3.8.6.3.1 ("nkik").
func DeriveIdentityKey(n NetKey) IdentityKey {
	return K1(n.Bytes(), S1([]byte("nkik")), []byte("id128\x01"))
}

// DeriveBeaconKey derives the secure-network-beacon authentication key from a
// NetKey, per Mesh Profile section 3.8.6.3.4 ("nkbk").
func DeriveBeaconKey(n NetKey) BeaconKey {
	return K1(n.Bytes(), S1([]byte("nkbk")), []byte("id128\x01"))
}
