// Package crypto implements the three AES primitives the rest of the
// stack is built on: single-block ECB (for the network-layer privacy
// mask), AES-CMAC (for every key derivation and beacon authentication),
// and AES-CCM (for network and upper-transport authenticated
// encryption).
//
// Grounded on the teacher's encoding/nas.ComputeMAC, which builds its
// integrity tag the same way: an aes.NewCipher block handed to
// github.com/aead/cmac.Sum.
package crypto

import (
	"crypto/aes"

	"github.com/aead/cmac"
)

// CMAC computes AES-128-CMAC(key, msg) per NIST SP 800-38B / RFC 4493.
func CMAC(key [16]byte, msg []byte) [16]byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("crypto: CMAC: " + err.Error())
	}
	sum, err := cmac.Sum(msg, block, 16)
	if err != nil {
		panic("crypto: CMAC: " + err.Error())
	}
	var out [16]byte
	copy(out[:], sum)
	return out
}

// ECBEncryptBlock encrypts a single 16-byte block under key with raw
// AES-128 ECB. Used only to derive the network-layer privacy mask
// (PECB); never used to encrypt attacker-controlled or multi-block
// data.
func ECBEncryptBlock(key, block [16]byte) [16]byte {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic("crypto: ECBEncryptBlock: " + err.Error())
	}
	var out [16]byte
	c.Encrypt(out[:], block[:])
	return out
}
