package keys

import "fmt"

// NetworkKeyMaterials is the material eagerly derived from a NetKey:
// the 7-bit NID used to select it on the wire, the CCM encryption key,
// the ECB privacy key, plus the network ID and beacon/identity keys
// used outside the per-frame hot path.
type NetworkKeyMaterials struct {
	NetKey       NetKey
	NID          uint8
	Encryption   EncryptionKey
	Privacy      PrivacyKey
	NetworkID    [8]byte
	IdentityKey  IdentityKey
	BeaconKey    BeaconKey
}

// DeriveNetworkKeyMaterials runs k2/k3 plus the identity/beacon key
// derivations eagerly, so the hot encrypt/decrypt path never derives
// key material on demand.
func DeriveNetworkKeyMaterials(n NetKey) NetworkKeyMaterials {
	k2 := K2(n, []byte{0x00})
	return NetworkKeyMaterials{
		NetKey:      n,
		NID:         k2.NID,
		Encryption:  k2.Encryption,
		Privacy:     k2.Privacy,
		NetworkID:   K3(n),
		IdentityKey: DeriveIdentityKey(n),
		BeaconKey:   DeriveBeaconKey(n),
	}
}

// Phase is the key-refresh phase discriminant for a NetKey index.
// Transitions are a total function: Normal -> Phase1 -> Phase2 ->
// Normal, and BeginKeyRefresh, CommitKeyRefresh and RevokeOldKey
// reject any other order.
type Phase int

const (
	PhaseNormal Phase = iota
	PhasePhase1
	PhasePhase2
)

// KeyPhase holds the currently-valid NetworkKeyMaterials for one NetKey
// index under its key-refresh phase. Normal carries one key; Phase1 and
// Phase2 carry both the old and new key, because the network layer must
// accept frames encrypted under either during a key refresh.
type KeyPhase struct {
	phase Phase
	cur   NetworkKeyMaterials
	old   *NetworkKeyMaterials // non-nil only in Phase1/Phase2
	new_  *NetworkKeyMaterials // non-nil only in Phase1/Phase2
}

func NewKeyPhase(km NetworkKeyMaterials) KeyPhase {
	return KeyPhase{phase: PhaseNormal, cur: km}
}

func (p KeyPhase) Phase() Phase { return p.phase }

// RxKeys returns the 1 or 2 NetworkKeyMaterials a decrypt path must try,
// borrowed for the duration of the call.
func (p KeyPhase) RxKeys() []NetworkKeyMaterials {
	switch p.phase {
	case PhaseNormal:
		return []NetworkKeyMaterials{p.cur}
	default:
		return []NetworkKeyMaterials{*p.old, *p.new_}
	}
}

// TxKey returns the single NetworkKeyMaterials an encrypt path must use:
// the only key in Normal, the old key in Phase1 (new key is advertised
// via secure beacons but not yet used for traffic), the new key in
// Phase2.
func (p KeyPhase) TxKey() NetworkKeyMaterials {
	switch p.phase {
	case PhaseNormal:
		return p.cur
	case PhasePhase1:
		return *p.old
	case PhasePhase2:
		return *p.new_
	default:
		panic("keys: unreachable phase")
	}
}

// ErrIllegalPhaseTransition is returned by BeginKeyRefresh,
// CommitKeyRefresh and RevokeOldKey when asked to skip a phase or
// advance twice.
var ErrIllegalPhaseTransition = fmt.Errorf("keys: illegal phase transition")

// BeginKeyRefresh moves Normal -> Phase1, introducing newKey alongside
// the current key.
func (p KeyPhase) BeginKeyRefresh(newKey NetworkKeyMaterials) (KeyPhase, error) {
	if p.phase != PhaseNormal {
		return p, ErrIllegalPhaseTransition
	}
	old := p.cur
	return KeyPhase{phase: PhasePhase1, cur: p.cur, old: &old, new_: &newKey}, nil
}

// CommitKeyRefresh moves Phase1 -> Phase2: the node now transmits under
// the new key.
func (p KeyPhase) CommitKeyRefresh() (KeyPhase, error) {
	if p.phase != PhasePhase1 {
		return p, ErrIllegalPhaseTransition
	}
	return KeyPhase{phase: PhasePhase2, cur: p.cur, old: p.old, new_: p.new_}, nil
}

// RevokeOldKey moves Phase2 -> Normal: the old key is discarded and the
// new key becomes cur.
func (p KeyPhase) RevokeOldKey() (KeyPhase, error) {
	if p.phase != PhasePhase2 {
		return p, ErrIllegalPhaseTransition
	}
	return NewKeyPhase(*p.new_), nil
}

// NetKeyIndex and AppKeyIndex are the 12-bit (stored as uint16) indices
// used on the wire and in the device-state snapshot.
type NetKeyIndex = uint16
type AppKeyIndex = uint16

// AppKeyEntry binds an AppKey to its owning NetKey and pre-derived AID.
type AppKeyEntry struct {
	NetKeyIndex NetKeyIndex
	AppKey      AppKey
	AID         uint8
}

// Store is the key-materials store (C5): a NetKey-index table of
// KeyPhases plus an AppKey-index table, with NID/AID candidate lookup
// for the decrypt paths.
type Store struct {
	netKeys map[NetKeyIndex]KeyPhase
	appKeys map[AppKeyIndex]AppKeyEntry
	devKey  DevKey
}

func NewStore(devKey DevKey) *Store {
	return &Store{
		netKeys: make(map[NetKeyIndex]KeyPhase),
		appKeys: make(map[AppKeyIndex]AppKeyEntry),
		devKey:  devKey,
	}
}

func (s *Store) DevKey() DevKey { return s.devKey }

// InsertNetKey stores a brand-new NetKey index, deriving its materials
// eagerly.
func (s *Store) InsertNetKey(idx NetKeyIndex, n NetKey) {
	s.netKeys[idx] = NewKeyPhase(DeriveNetworkKeyMaterials(n))
}

// NetKeyPhase returns the KeyPhase for idx, or false if unknown.
func (s *Store) NetKeyPhase(idx NetKeyIndex) (KeyPhase, bool) {
	kp, ok := s.netKeys[idx]
	return kp, ok
}

// TransitionNetKeyPhase applies fn (one of KeyPhase's phase-transition
// methods) to the stored phase for idx.
func (s *Store) TransitionNetKeyPhase(idx NetKeyIndex, fn func(KeyPhase) (KeyPhase, error)) error {
	kp, ok := s.netKeys[idx]
	if !ok {
		return fmt.Errorf("keys: unknown net key index %d", idx)
	}
	next, err := fn(kp)
	if err != nil {
		return err
	}
	s.netKeys[idx] = next
	return nil
}

// InsertAppKey binds a new AppKey to netIdx, deriving its AID eagerly.
func (s *Store) InsertAppKey(idx AppKeyIndex, netIdx NetKeyIndex, a AppKey) {
	s.appKeys[idx] = AppKeyEntry{NetKeyIndex: netIdx, AppKey: a, AID: K4(a)}
}

// NetKeyCandidate pairs an index with its borrowed materials, returned
// by MatchNID.
type NetKeyCandidate struct {
	Index     NetKeyIndex
	Materials NetworkKeyMaterials
}

// MatchNID returns every (index, materials) pair whose RX key set
// contains nid. NID is 7 bits, so collisions are expected; the network
// layer tries each candidate until CCM authenticates.
func (s *Store) MatchNID(nid uint8) []NetKeyCandidate {
	var out []NetKeyCandidate
	for idx, kp := range s.netKeys {
		for _, km := range kp.RxKeys() {
			if km.NID == nid {
				out = append(out, NetKeyCandidate{Index: idx, Materials: km})
			}
		}
	}
	return out
}

// AppKeyCandidate pairs an index with its entry, returned by MatchAID.
type AppKeyCandidate struct {
	Index AppKeyIndex
	Entry AppKeyEntry
}

// MatchAID returns every AppKey bound to netIdx whose AID matches aid.
func (s *Store) MatchAID(aid uint8, netIdx NetKeyIndex) []AppKeyCandidate {
	var out []AppKeyCandidate
	for idx, e := range s.appKeys {
		if e.NetKeyIndex == netIdx && e.AID == aid {
			out = append(out, AppKeyCandidate{Index: idx, Entry: e})
		}
	}
	return out
}

// NetKeyIndexes returns every stored NetKey index, for snapshotting.
func (s *Store) NetKeyIndexes() []NetKeyIndex {
	out := make([]NetKeyIndex, 0, len(s.netKeys))
	for idx := range s.netKeys {
		out = append(out, idx)
	}
	return out
}

// AppKeyIndexes returns every stored AppKey index, for snapshotting.
func (s *Store) AppKeyIndexes() []AppKeyIndex {
	out := make([]AppKeyIndex, 0, len(s.appKeys))
	for idx := range s.appKeys {
		out = append(out, idx)
	}
	return out
}

// AppKeyByIndex returns the stored entry for idx.
func (s *Store) AppKeyByIndex(idx AppKeyIndex) (AppKeyEntry, bool) {
	e, ok := s.appKeys[idx]
	return e, ok
}
