package keys

import "testing"

func TestKeyPhaseTransitions(t *testing.T) {
	net := mustKey("7dd7364cd842ad18c17c2b820c84c3d6")
	newNet := mustKey("f7a2a44f8e8a8029064f173ddc1e2b00")

	kp := NewKeyPhase(DeriveNetworkKeyMaterials(net))
	if kp.Phase() != PhaseNormal {
		t.Fatalf("fresh KeyPhase should be Normal, got %v", kp.Phase())
	}
	if len(kp.RxKeys()) != 1 {
		t.Fatalf("Normal phase should expose exactly one RX key, got %d", len(kp.RxKeys()))
	}

	kp, err := kp.BeginKeyRefresh(DeriveNetworkKeyMaterials(newNet))
	if err != nil {
		t.Fatalf("BeginKeyRefresh: %v", err)
	}
	if kp.Phase() != PhasePhase1 {
		t.Fatalf("phase = %v, want Phase1", kp.Phase())
	}
	if len(kp.RxKeys()) != 2 {
		t.Fatalf("Phase1 should expose two RX keys, got %d", len(kp.RxKeys()))
	}
	if kp.TxKey().NetKey != net {
		t.Errorf("Phase1 TxKey should still be the old key")
	}

	if _, err := kp.BeginKeyRefresh(DeriveNetworkKeyMaterials(newNet)); err != ErrIllegalPhaseTransition {
		t.Errorf("BeginKeyRefresh from Phase1 should fail, got %v", err)
	}

	kp, err = kp.CommitKeyRefresh()
	if err != nil {
		t.Fatalf("CommitKeyRefresh: %v", err)
	}
	if kp.Phase() != PhasePhase2 {
		t.Fatalf("phase = %v, want Phase2", kp.Phase())
	}
	if kp.TxKey().NetKey != newNet {
		t.Errorf("Phase2 TxKey should be the new key")
	}
	if len(kp.RxKeys()) != 2 {
		t.Fatalf("Phase2 should still accept both keys on RX, got %d", len(kp.RxKeys()))
	}

	kp, err = kp.RevokeOldKey()
	if err != nil {
		t.Fatalf("RevokeOldKey: %v", err)
	}
	if kp.Phase() != PhaseNormal {
		t.Fatalf("phase = %v, want Normal", kp.Phase())
	}
	if len(kp.RxKeys()) != 1 || kp.TxKey().NetKey != newNet {
		t.Errorf("after revoke, only the new key should remain")
	}
}

func TestStoreMatchNIDAndAID(t *testing.T) {
	s := NewStore(mustKey("000102030405060708090a0b0c0d0e0f"))
	net := mustKey("7dd7364cd842ad18c17c2b820c84c3d6")
	s.InsertNetKey(0, net)

	km := DeriveNetworkKeyMaterials(net)
	candidates := s.MatchNID(km.NID)
	if len(candidates) != 1 || candidates[0].Index != 0 {
		t.Fatalf("MatchNID(0x%02x) = %+v, want one candidate at index 0", km.NID, candidates)
	}

	appKey := mustKey("63964771734fbd76e3b40519d1d94a48")
	s.InsertAppKey(5, 0, appKey)
	aidCandidates := s.MatchAID(K4(appKey), 0)
	if len(aidCandidates) != 1 || aidCandidates[0].Index != 5 {
		t.Fatalf("MatchAID = %+v, want one candidate at index 5", aidCandidates)
	}
}
