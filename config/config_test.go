package config

import (
	"os"
	"path/filepath"
	"testing"

	"btmesh/keys"
)

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	var k keys.Key
	copy(k[:], []byte("0123456789abcdef"))
	got, err := DecodeKey(EncodeKey(k))
	if err != nil {
		t.Fatal(err)
	}
	if got != k {
		t.Errorf("DecodeKey(EncodeKey(k)) = %x, want %x", got, k)
	}
}

func TestDecodeKeyRejectsWrongLength(t *testing.T) {
	if _, err := DecodeKey("aabb"); err == nil {
		t.Error("expected an error decoding a key shorter than 16 bytes")
	}
}

func TestSnapshotLoadIntoRoundTrip(t *testing.T) {
	var devKey, netKey, appKey keys.Key
	copy(devKey[:], []byte("devkeydevkeydevk"))
	copy(netKey[:], []byte("netkeynetkeynetk"))
	copy(appKey[:], []byte("appkeyappkeyappk"))

	store := keys.NewStore(devKey)
	store.InsertNetKey(3, netKey)
	store.InsertAppKey(7, 3, appKey)

	st := Snapshot(store, 9, 0x0001, 2, 100)
	if st.DevKey != EncodeKey(devKey) || st.IVIndex != 9 || st.PrimaryAddress != 1 || st.ElementCount != 2 || st.Seq != 100 {
		t.Fatalf("Snapshot header fields = %+v", st)
	}
	if len(st.NetKeys) != 1 || st.NetKeys[0].Index != 3 || st.NetKeys[0].Key != EncodeKey(netKey) {
		t.Fatalf("Snapshot NetKeys = %+v", st.NetKeys)
	}
	if len(st.AppKeys) != 1 || st.AppKeys[0].Index != 7 || st.AppKeys[0].NetIndex != 3 {
		t.Fatalf("Snapshot AppKeys = %+v", st.AppKeys)
	}

	restored := keys.NewStore(devKey)
	if err := LoadInto(restored, &st); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	kp, ok := restored.NetKeyPhase(3)
	if !ok || kp.TxKey().NetKey != netKey {
		t.Errorf("restored net key index 3 = %+v, ok=%v", kp, ok)
	}
	entry, ok := restored.AppKeyByIndex(7)
	if !ok || entry.AppKey != appKey || entry.NetKeyIndex != 3 {
		t.Errorf("restored app key index 7 = %+v, ok=%v", entry, ok)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	var devKey keys.Key
	copy(devKey[:], []byte("devkeydevkeydevk"))
	store := keys.NewStore(devKey)
	want := Snapshot(store, 1, 0x0002, 1, 0)

	if err := Save(path, &want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Save did not create the file: %v", err)
	}

	got := Load(path)
	if got.IVIndex != want.IVIndex || got.PrimaryAddress != want.PrimaryAddress {
		t.Errorf("Load(Save(st))\nwant: %+v\ngot:  %+v", want, *got)
	}
}
