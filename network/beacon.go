package network

import (
	"errors"

	"btmesh/crypto"
	"btmesh/keys"
	"btmesh/wire"
)

// Beacon type octets (§6), matching original_source/src/beacon.rs's
// BeaconType enum.
const (
	BeaconTypeUnprovisioned = 0x00
	BeaconTypeSecureNetwork = 0x01
)

var (
	ErrBadBeacon       = errors.New("network: malformed beacon")
	ErrBeaconAuthFailed = errors.New("network: beacon auth value mismatch")
)

// KeyRefreshFlag and IVUpdateFlag are the two bits of a secure network
// beacon's Flags octet.
const (
	KeyRefreshFlag = 1 << 0
	IVUpdateFlag   = 1 << 1
)

// SecureBeacon is a decoded, authenticated secure network beacon.
type SecureBeacon struct {
	KeyRefresh bool
	IVUpdate   bool
	NetworkID  [8]byte
	IVIndex    uint32
}

// PackSecureBeacon builds the 22-byte authenticated secure network
// beacon broadcast under km's beacon key (Mesh Profile section 3.10.4).
func PackSecureBeacon(keyRefresh, ivUpdate bool, ivIndex uint32, km keys.NetworkKeyMaterials) []byte {
	var flags uint8
	if keyRefresh {
		flags |= KeyRefreshFlag
	}
	if ivUpdate {
		flags |= IVUpdateFlag
	}

	body := make([]byte, 13)
	body[0] = flags
	copy(body[1:9], km.NetworkID[:])
	wire.BigEndian.PutUint32(body[9:13], ivIndex)

	auth := crypto.CMAC(km.BeaconKey, body)

	out := make([]byte, 1+13+8)
	out[0] = BeaconTypeSecureNetwork
	copy(out[1:14], body)
	copy(out[14:22], auth[:8])
	return out
}

// UnpackSecureBeacon authenticates and decodes a secure network beacon
// against a single candidate NetKey's materials. The caller is
// responsible for trying every installed NetKey (both phases) until
// one authenticates, the same candidate-search pattern Decrypt uses at
// the network layer.
func UnpackSecureBeacon(raw []byte, km keys.NetworkKeyMaterials) (SecureBeacon, error) {
	if len(raw) != 22 || raw[0] != BeaconTypeSecureNetwork {
		return SecureBeacon{}, ErrBadBeacon
	}
	body := raw[1:14]
	wantAuth := raw[14:22]

	auth := crypto.CMAC(km.BeaconKey, body)
	if !constantTimeEqual(auth[:8], wantAuth) {
		return SecureBeacon{}, ErrBeaconAuthFailed
	}

	flags := body[0]
	var networkID [8]byte
	copy(networkID[:], body[1:9])

	return SecureBeacon{
		KeyRefresh: flags&KeyRefreshFlag != 0,
		IVUpdate:   flags&IVUpdateFlag != 0,
		NetworkID:  networkID,
		IVIndex:    wire.BigEndian.Uint32(body[9:13]),
	}, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// UnprovisionedBeacon is a decoded unprovisioned-device beacon (§6):
// the device identity an unprovisioned node advertises so a provisioner
// can discover and invite it.
type UnprovisionedBeacon struct {
	DeviceUUID [16]byte
	OOBInfo    uint16
	URIHash    *[4]byte
}

// PackUnprovisionedBeacon builds an unprovisioned-device beacon.
// uriHash is nil when the device has no advertised URI.
func PackUnprovisionedBeacon(deviceUUID [16]byte, oobInfo uint16, uriHash *[4]byte) []byte {
	n := 1 + 16 + 2
	if uriHash != nil {
		n += 4
	}
	out := make([]byte, n)
	out[0] = BeaconTypeUnprovisioned
	copy(out[1:17], deviceUUID[:])
	wire.BigEndian.PutUint16(out[17:19], oobInfo)
	if uriHash != nil {
		copy(out[19:23], uriHash[:])
	}
	return out
}

// UnpackUnprovisionedBeacon decodes an unprovisioned-device beacon.
func UnpackUnprovisionedBeacon(raw []byte) (UnprovisionedBeacon, error) {
	if len(raw) != 19 && len(raw) != 23 {
		return UnprovisionedBeacon{}, ErrBadBeacon
	}
	if raw[0] != BeaconTypeUnprovisioned {
		return UnprovisionedBeacon{}, ErrBadBeacon
	}
	var b UnprovisionedBeacon
	copy(b.DeviceUUID[:], raw[1:17])
	b.OOBInfo = wire.BigEndian.Uint16(raw[17:19])
	if len(raw) == 23 {
		var h [4]byte
		copy(h[:], raw[19:23])
		b.URIHash = &h
	}
	return b, nil
}
