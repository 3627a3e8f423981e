package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// Errors returned by CCMEncrypt/CCMDecrypt.
var (
	ErrBadTag    = errors.New("crypto: CCM authentication failed")
	ErrBadLength = errors.New("crypto: CCM length out of range")
)

const (
	ccmNonceSize = 13
	ccmBlockSize = 16

	// Mesh Profile size limits (RFC 3610 L=2 length field): AAD and
	// payload must each fit a 2-byte length encoding, with AAD further
	// capped below the 0xFF00 "escape" threshold.
	maxAAD     = 0xFF00
	maxPayload = 1 << 16
)

// CCMEncrypt authenticates aad and encrypts plaintext under key/nonce,
// appending a micSize-byte (4 or 8) tag. This never fails on
// spec-conformant inputs; it panics only on a size-limit violation,
// which indicates a caller bug rather than a wire-format failure.
func CCMEncrypt(key [16]byte, nonce [ccmNonceSize]byte, aad, plaintext []byte, micSize int) []byte {
	if len(aad) >= maxAAD || len(plaintext) >= maxPayload {
		panic("crypto: CCMEncrypt: " + ErrBadLength.Error())
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("crypto: CCMEncrypt: " + err.Error())
	}

	tag := ccmTag(block, nonce, aad, plaintext, micSize)
	out := make([]byte, len(plaintext)+micSize)
	ccmCTR(block, nonce, out[:len(plaintext)], plaintext)

	s0 := ccmS0(block, nonce)
	for i := 0; i < micSize; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	return out
}

// CCMDecrypt verifies and decrypts ciphertext (payload||tag) under
// key/nonce/aad. On tag mismatch it returns ErrBadTag and a wiped
// (zeroed) plaintext buffer, per the spec's "wipe on failure" rule.
func CCMDecrypt(key [16]byte, nonce [ccmNonceSize]byte, aad, ciphertext []byte, micSize int) ([]byte, error) {
	if len(ciphertext) < micSize {
		return nil, ErrBadTag
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	body := ciphertext[:len(ciphertext)-micSize]
	encTag := ciphertext[len(ciphertext)-micSize:]

	s0 := ccmS0(block, nonce)
	wantTagEnc := make([]byte, micSize)
	for i := 0; i < micSize; i++ {
		wantTagEnc[i] = s0[i]
	}

	plaintext := make([]byte, len(body))
	ccmCTR(block, nonce, plaintext, body)

	tag := ccmTag(block, nonce, aad, plaintext, micSize)
	gotTagEnc := make([]byte, micSize)
	for i := 0; i < micSize; i++ {
		gotTagEnc[i] = tag[i] ^ s0[i]
	}

	if subtle.ConstantTimeCompare(gotTagEnc, encTag) != 1 {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return plaintext, ErrBadTag
	}
	return plaintext, nil
}

// ccmTag computes the CBC-MAC tag over B_0 || formatted-AAD || payload,
// per RFC 3610 section 2.2. L is fixed at 2 (lenSize=2) for Mesh's
// 13-byte nonce.
func ccmTag(block cipher.Block, nonce [ccmNonceSize]byte, aad, payload []byte, micSize int) []byte {
	const lenSize = 15 - ccmNonceSize // = 2

	var b0 [ccmBlockSize]byte
	flags := byte(0)
	if len(aad) > 0 {
		flags |= 0x40
	}
	flags |= byte((micSize-2)/2) << 3
	flags |= byte(lenSize - 1)
	b0[0] = flags
	copy(b0[1:1+ccmNonceSize], nonce[:])
	binary.BigEndian.PutUint16(b0[1+ccmNonceSize:], uint16(len(payload)))

	mac := make([]byte, ccmBlockSize)
	block.Encrypt(mac, b0[:])

	if len(aad) > 0 {
		var hdr [ccmBlockSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(aad)))
		n := copy(hdr[2:], aad)
		xorBlock(mac, hdr[:])
		block.Encrypt(mac, mac)

		remaining := aad[n:]
		for len(remaining) > 0 {
			var blk [ccmBlockSize]byte
			k := copy(blk[:], remaining)
			remaining = remaining[k:]
			xorBlock(mac, blk[:])
			block.Encrypt(mac, mac)
		}
	}

	remaining := payload
	for len(remaining) > 0 {
		var blk [ccmBlockSize]byte
		k := copy(blk[:], remaining)
		remaining = remaining[k:]
		xorBlock(mac, blk[:])
		block.Encrypt(mac, mac)
	}

	return mac[:micSize]
}

func xorBlock(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// ccmS0 is E(K, A_0) where A_0 is the counter block with counter=0,
// used to encrypt the tag.
func ccmS0(block cipher.Block, nonce [ccmNonceSize]byte) []byte {
	const lenSize = 15 - ccmNonceSize
	var a0 [ccmBlockSize]byte
	a0[0] = byte(lenSize - 1)
	copy(a0[1:1+ccmNonceSize], nonce[:])
	s0 := make([]byte, ccmBlockSize)
	block.Encrypt(s0, a0[:])
	return s0
}

// ccmCTR runs CTR mode starting at counter=1 over src into dst.
func ccmCTR(block cipher.Block, nonce [ccmNonceSize]byte, dst, src []byte) {
	const lenSize = 15 - ccmNonceSize
	var ctr [ccmBlockSize]byte
	ctr[0] = byte(lenSize - 1)
	copy(ctr[1:1+ccmNonceSize], nonce[:])
	ctr[ccmBlockSize-1] = 1

	stream := cipher.NewCTR(block, ctr[:])
	stream.XORKeyStream(dst, src)
}
