package provisioning

import (
	"btmesh/crypto"
	"btmesh/keys"
)

// DistributeBlock is the 25-byte plaintext encrypted into the final
// Data PDU, Mesh Profile section 5.4.2.4.
type DistributeBlock struct {
	NetKey          keys.NetKey
	NetKeyIndex     uint16
	Flags           uint8
	IVIndex         uint32
	UnicastAddress  uint16
}

// Pack serializes the block to its 25-byte wire form.
func (d DistributeBlock) Pack() []byte {
	out := make([]byte, 25)
	copy(out[0:16], d.NetKey.Bytes())
	out[16] = byte(d.NetKeyIndex >> 8)
	out[17] = byte(d.NetKeyIndex)
	out[18] = d.Flags
	out[19] = byte(d.IVIndex >> 24)
	out[20] = byte(d.IVIndex >> 16)
	out[21] = byte(d.IVIndex >> 8)
	out[22] = byte(d.IVIndex)
	out[23] = byte(d.UnicastAddress >> 8)
	out[24] = byte(d.UnicastAddress)
	return out
}

// UnpackDistributeBlock parses a 25-byte plaintext block.
func UnpackDistributeBlock(raw []byte) DistributeBlock {
	var nk keys.NetKey
	copy(nk[:], raw[0:16])
	return DistributeBlock{
		NetKey:         nk,
		NetKeyIndex:    uint16(raw[16])<<8 | uint16(raw[17]),
		Flags:          raw[18],
		IVIndex:        uint32(raw[19])<<24 | uint32(raw[20])<<16 | uint32(raw[21])<<8 | uint32(raw[22]),
		UnicastAddress: uint16(raw[23])<<8 | uint16(raw[24]),
	}
}

// ConfirmationSalt computes s1 over the concatenation of every PDU
// exchanged so far that feeds the confirmation check: Invite,
// Capabilities, Start, the provisioner's public key, and the device's
// public key (Mesh Profile section 5.4.2.4).
func ConfirmationSalt(invite, capabilities, start []byte, provPubKey, devPubKey [64]byte) keys.Key {
	msg := make([]byte, 0, len(invite)+len(capabilities)+len(start)+128)
	msg = append(msg, invite...)
	msg = append(msg, capabilities...)
	msg = append(msg, start...)
	msg = append(msg, provPubKey[:]...)
	msg = append(msg, devPubKey[:]...)
	return keys.S1(msg)
}

// ConfirmationKey derives the key used to compute Confirmation values.
func ConfirmationKey(ecdhSecret []byte, salt keys.Key) keys.Key {
	return keys.K1(ecdhSecret, salt, []byte("prck"))
}

// Confirmation computes CMAC(confirmationKey, random || authValue).
func Confirmation(confirmationKey keys.Key, random [16]byte, authValue [16]byte) [16]byte {
	msg := make([]byte, 0, 32)
	msg = append(msg, random[:]...)
	msg = append(msg, authValue[:]...)
	return crypto.CMAC(confirmationKey, msg)
}

// ProvisioningSalt is derived once both randoms are known.
func ProvisioningSalt(confirmationSalt keys.Key, provRandom, devRandom [16]byte) keys.Key {
	msg := make([]byte, 0, 16+32)
	msg = append(msg, confirmationSalt.Bytes()...)
	msg = append(msg, provRandom[:]...)
	msg = append(msg, devRandom[:]...)
	return keys.S1(msg)
}

// SessionKey derives the AES-CCM key used to protect the Data PDU.
func SessionKey(ecdhSecret []byte, provisioningSalt keys.Key) keys.SessionKey {
	return keys.K1(ecdhSecret, provisioningSalt, []byte("prsk"))
}

// SessionNonce derives the 13-byte nonce for the same CCM operation:
// the low 13 bytes of k1(ECDHSecret, ProvisioningSalt, "prsn").
func SessionNonce(ecdhSecret []byte, provisioningSalt keys.Key) [13]byte {
	full := keys.K1(ecdhSecret, provisioningSalt, []byte("prsn"))
	var nonce [13]byte
	copy(nonce[:], full.Bytes()[3:])
	return nonce
}

// EncryptDistribute encrypts a DistributeBlock for the Data PDU,
// appending an 8-byte MIC.
func EncryptDistribute(block DistributeBlock, sessionKey keys.SessionKey, nonce [13]byte) []byte {
	return crypto.CCMEncrypt([16]byte(sessionKey), nonce, nil, block.Pack(), 8)
}

// DecryptDistribute reverses EncryptDistribute.
func DecryptDistribute(encrypted []byte, sessionKey keys.SessionKey, nonce [13]byte) (DistributeBlock, error) {
	plain, err := crypto.CCMDecrypt([16]byte(sessionKey), nonce, nil, encrypted, 8)
	if err != nil {
		return DistributeBlock{}, err
	}
	return UnpackDistributeBlock(plain), nil
}
