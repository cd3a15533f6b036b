package statetree

import (
	"testing"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

func upChange(id dantypes.SubstateId, version uint64, value []byte) dantypes.SubstateChange {
	s := dantypes.Substate{ID: id, Version: version, Value: value}
	return dantypes.SubstateChange{Kind: dantypes.SubstateUp, ID: id, Substate: &s}
}

func TestComputeDiff_Deterministic(t *testing.T) {
	tree := NewShardTree(0)

	changesA := []dantypes.SubstateChange{
		upChange("b", 0, []byte("vb")),
		upChange("a", 0, []byte("va")),
	}
	changesB := []dantypes.SubstateChange{
		upChange("a", 0, []byte("va")),
		upChange("b", 0, []byte("vb")),
	}

	diffA := tree.ComputeDiff(changesA)
	diffB := tree.ComputeDiff(changesB)

	if string(diffA.NewRoot) != string(diffB.NewRoot) {
		t.Fatal("diff order must not affect the resulting root")
	}
}

func TestApplyThenRevert_RestoresRoot(t *testing.T) {
	tree := NewShardTree(0)
	before := tree.Root()

	diff := tree.ComputeDiff([]dantypes.SubstateChange{upChange("a", 0, []byte("va"))})
	tree.Apply(diff)
	if tree.Root() == before {
		t.Fatal("root should change after applying a non-empty diff")
	}

	tree.Revert(diff)
	if tree.Root() != before {
		t.Fatal("reverting the diff should restore the original root")
	}
}

func TestEmptyTreeRoot_MatchesHashOfNil(t *testing.T) {
	tree := NewShardTree(0)
	if tree.Root() != dantypes.HashBytes(nil) {
		t.Fatal("empty shard tree root must equal HashBytes(nil)")
	}
}

func TestDownRemovesLeaf(t *testing.T) {
	tree := NewShardTree(0)
	diff := tree.ComputeDiff([]dantypes.SubstateChange{upChange("a", 0, []byte("va"))})
	tree.Apply(diff)

	downDiff := tree.ComputeDiff([]dantypes.SubstateChange{
		{Kind: dantypes.SubstateDown, ID: "a"},
	})
	tree.Apply(downDiff)

	if tree.Leaf("a") != nil {
		t.Fatal("destroyed substate must have no leaf")
	}
	if tree.Root() != dantypes.HashBytes(nil) {
		t.Fatal("tree should be back to empty after destroying its only substate")
	}
}
