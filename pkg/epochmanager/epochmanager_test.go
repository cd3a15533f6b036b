package epochmanager

import (
	"testing"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

func testManager(t *testing.T) *StaticManager {
	t.Helper()
	gf := genesisFile{
		Network:        "dantest",
		NumPreshards:   4,
		MyValidatorKey: "aa",
		ShardGroups: []genesisShardGroup{
			{Start: 0, End: 2, Committee: []string{"aa", "bb", "cc", "dd"}},
			{Start: 2, End: 4, Committee: []string{"ee", "ff", "gg"}},
		},
	}
	m, err := newStaticManager(gf)
	if err != nil {
		t.Fatalf("newStaticManager: %v", err)
	}
	return m
}

func TestMyShardGroup(t *testing.T) {
	m := testManager(t)
	group, err := m.MyShardGroup(0)
	if err != nil {
		t.Fatalf("MyShardGroup: %v", err)
	}
	want := dantypes.ShardGroup{Start: 0, End: 2}
	if !group.Equal(want) {
		t.Fatalf("got %s, want %s", group, want)
	}
}

func TestLeaderAtRoundRobin(t *testing.T) {
	m := testManager(t)
	group := dantypes.ShardGroup{Start: 0, End: 2}
	committee, err := m.CommitteeForShardGroup(0, group)
	if err != nil {
		t.Fatalf("CommitteeForShardGroup: %v", err)
	}
	for h := dantypes.NodeHeight(0); h < dantypes.NodeHeight(len(committee)*2); h++ {
		leader, err := m.LeaderAt(0, group, h)
		if err != nil {
			t.Fatalf("LeaderAt(%d): %v", h, err)
		}
		want := committee[uint64(h)%uint64(len(committee))]
		if string(leader) != string(want) {
			t.Fatalf("height %d: got %x want %x", h, leader, want)
		}
	}
}

func TestQuorumSize(t *testing.T) {
	m := testManager(t)
	// 4-member committee tolerates f=1, quorum 2f+1=3.
	q, err := m.QuorumSize(0, dantypes.ShardGroup{Start: 0, End: 2})
	if err != nil {
		t.Fatalf("QuorumSize: %v", err)
	}
	if q != 3 {
		t.Fatalf("got %d, want 3", q)
	}
	// 3-member committee tolerates f=0, quorum 1, but must not exceed n.
	q2, err := m.QuorumSize(0, dantypes.ShardGroup{Start: 2, End: 4})
	if err != nil {
		t.Fatalf("QuorumSize: %v", err)
	}
	if q2 != 1 {
		t.Fatalf("got %d, want 1", q2)
	}
}

func TestCommitteeForUnknownGroupErrors(t *testing.T) {
	m := testManager(t)
	if _, err := m.CommitteeForShardGroup(0, dantypes.ShardGroup{Start: 9, End: 10}); err == nil {
		t.Fatal("expected error for unknown shard group")
	}
}
