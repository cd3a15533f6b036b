package dantypes

import "testing"

func TestTryCreateSubstatePledge_Output(t *testing.T) {
	intent := LockIntent{SubstateID: "component_1", Version: 0, Op: LockOutput}
	pledge, err := TryCreateSubstatePledge(intent, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pledge.Value != nil {
		t.Fatal("output pledge must not carry a value")
	}
}

func TestTryCreateSubstatePledge_OutputWithValueIsInconsistent(t *testing.T) {
	intent := LockIntent{SubstateID: "component_1", Version: 0, Op: LockOutput}
	_, err := TryCreateSubstatePledge(intent, &Substate{Version: 0})
	if err == nil {
		t.Fatal("expected error constructing output pledge with a value")
	}
}

func TestTryCreateSubstatePledge_ReadRequiresValue(t *testing.T) {
	intent := LockIntent{SubstateID: "component_1", Version: 2, Op: LockRead}
	_, err := TryCreateSubstatePledge(intent, nil)
	if err == nil {
		t.Fatal("expected error constructing read pledge without a value")
	}
}

func TestTryCreateSubstatePledge_VersionMismatch(t *testing.T) {
	intent := LockIntent{SubstateID: "component_1", Version: 2, Op: LockWrite}
	_, err := TryCreateSubstatePledge(intent, &Substate{Version: 3})
	if err == nil {
		t.Fatal("expected error for mismatched pledge version")
	}
}

func TestSubstateShard_Deterministic(t *testing.T) {
	id := SubstateId("component_abc")
	s1 := id.Shard(256)
	s2 := id.Shard(256)
	if s1 != s2 {
		t.Fatal("shard assignment must be deterministic")
	}
	if uint32(s1) >= 256 {
		t.Fatalf("shard %d out of range", s1)
	}
}

func TestShardGroupContains(t *testing.T) {
	g := ShardGroup{Start: 10, End: 20}
	if !g.Contains(10) || !g.Contains(19) {
		t.Fatal("boundaries should be included/excluded correctly")
	}
	if g.Contains(20) || g.Contains(9) {
		t.Fatal("out-of-range shards must not be contained")
	}
}
