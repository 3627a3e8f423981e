// Package config loads and saves the abstract DeviceState snapshot
// (§6, C14): the only file I/O the core performs. CLI flag parsing,
// HCI sockets, and the radio driver live outside this module.
//
// Grounded on ngap.NewNGAP(filename): read the whole file with
// os.ReadFile and decode it in one encoding/json.Unmarshal call;
// load failures are fatal the same way ngap.NewNGAP treats them.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"btmesh/keys"
	"btmesh/logging"
)

var log = logging.New("config")

// NetKeyEntry and AppKeyEntry mirror the JSON shape of §6 exactly.
type NetKeyEntry struct {
	Index uint16 `json:"index"`
	Key   string `json:"key"`
	Phase uint8  `json:"phase"`
}

type AppKeyEntry struct {
	Index    uint16 `json:"index"`
	NetIndex uint16 `json:"net_index"`
	Key      string `json:"key"`
}

// DeviceState is the JSON-serializable snapshot described in §6.
type DeviceState struct {
	IVIndex        uint32        `json:"iv_index"`
	PrimaryAddress uint16        `json:"primary_address"`
	ElementCount   uint8         `json:"element_count"`
	Seq            uint32        `json:"seq"`
	DevKey         string        `json:"dev_key"`
	NetKeys        []NetKeyEntry `json:"net_keys"`
	AppKeys        []AppKeyEntry `json:"app_keys"`
}

// Load reads and decodes a DeviceState snapshot from filename. Like
// the teacher's NewNGAP, a missing or unreadable file is treated as a
// fatal configuration error rather than a recoverable one: there is no
// sensible default node identity to fall back to.
func Load(filename string) *DeviceState {
	raw, err := os.ReadFile(filename)
	if err != nil {
		log.Fatal(err)
	}

	var st DeviceState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Fatal(err)
	}
	return &st
}

// Save serializes st back to filename as indented JSON. Neither the
// stack nor cmd/meshd calls Save; the caller decides when to persist a
// snapshot and where the bytes live.
func Save(filename string, st *DeviceState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal device state: %w", err)
	}
	if err := os.WriteFile(filename, raw, 0o600); err != nil {
		return fmt.Errorf("config: write device state: %w", err)
	}
	return nil
}

// DecodeKey hex-decodes a 16-byte key field from the JSON snapshot.
func DecodeKey(s string) (keys.Key, error) {
	var k keys.Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("config: decode key: %w", err)
	}
	if len(raw) != 16 {
		return k, fmt.Errorf("config: decode key: want 16 bytes, got %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// EncodeKey is DecodeKey's inverse, used by Snapshot builders.
func EncodeKey(k keys.Key) string { return hex.EncodeToString(k.Bytes()) }

// Snapshot builds the JSON-serializable DeviceState from the live key
// store plus the orchestrator's own sequence/iv-index/address fields
// (§4.5's "Snapshot() DeviceState" bridge).
func Snapshot(store *keys.Store, ivIndex uint32, primaryAddress uint16, elementCount uint8, seq uint32) DeviceState {
	st := DeviceState{
		IVIndex:        ivIndex,
		PrimaryAddress: primaryAddress,
		ElementCount:   elementCount,
		Seq:            seq,
		DevKey:         EncodeKey(store.DevKey()),
	}
	for _, idx := range store.NetKeyIndexes() {
		kp, _ := store.NetKeyPhase(idx)
		st.NetKeys = append(st.NetKeys, NetKeyEntry{
			Index: idx,
			Key:   EncodeKey(kp.TxKey().NetKey),
			Phase: uint8(kp.Phase()),
		})
	}
	for _, idx := range store.AppKeyIndexes() {
		e, _ := store.AppKeyByIndex(idx)
		st.AppKeys = append(st.AppKeys, AppKeyEntry{
			Index:    idx,
			NetIndex: e.NetKeyIndex,
			Key:      EncodeKey(e.AppKey),
		})
	}
	return st
}

// LoadInto populates an empty key store from a decoded DeviceState.
// Net keys loaded in Phase1/Phase2 are re-inserted as Normal with the
// stored key material: persisting an in-progress key refresh across
// restarts is out of scope for the abstract snapshot format (§1
// Non-goals, persistence format).
func LoadInto(store *keys.Store, st *DeviceState) error {
	for _, nk := range st.NetKeys {
		key, err := DecodeKey(nk.Key)
		if err != nil {
			return err
		}
		store.InsertNetKey(nk.Index, key)
	}
	for _, ak := range st.AppKeys {
		key, err := DecodeKey(ak.Key)
		if err != nil {
			return err
		}
		store.InsertAppKey(ak.Index, ak.NetIndex, key)
	}
	return nil
}
