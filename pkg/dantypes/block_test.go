package dantypes

import (
	"testing"
	"time"
)

func TestComputeBlockID_Deterministic(t *testing.T) {
	h := BlockHeader{
		Network:    "dan-devnet",
		ParentID:   BlockId(ZeroHash),
		Height:     1,
		Epoch:      0,
		ShardGroup: ShardGroup{Start: 0, End: 16},
		Timestamp:  time.Unix(0, 0).UTC(),
	}
	id1 := ComputeBlockID(h)
	id2 := ComputeBlockID(h)
	if id1 != id2 {
		t.Fatalf("block id not deterministic: %s != %s", id1, id2)
	}
}

func TestComputeBlockID_SensitiveToFields(t *testing.T) {
	base := BlockHeader{
		Network:    "dan-devnet",
		Height:     1,
		ShardGroup: ShardGroup{Start: 0, End: 16},
		Timestamp:  time.Unix(0, 0).UTC(),
	}
	modified := base
	modified.Height = 2

	if ComputeBlockID(base) == ComputeBlockID(modified) {
		t.Fatal("changing height must change block id")
	}
}

func TestNewGenesisBlock(t *testing.T) {
	group := ShardGroup{Start: 0, End: 16}
	b := NewGenesisBlock("dan-devnet", group, 0, HashBytes(nil), time.Unix(0, 0).UTC())

	if b.Header.Height != 0 {
		t.Fatalf("genesis height = %d, want 0", b.Header.Height)
	}
	if !b.Header.ParentID.IsZero() {
		t.Fatal("genesis parent id must be zero")
	}
	if !b.Justify.IsGenesis() {
		t.Fatal("genesis block must be justified by the genesis QC")
	}
	if recomputed := ComputeBlockID(b.Header); recomputed != b.ID {
		t.Fatalf("recomputed id %s != stored id %s", recomputed, b.ID)
	}
}

func TestCommandOrdering(t *testing.T) {
	txA := TransactionId(HashBytes([]byte("a")))
	txB := TransactionId(HashBytes([]byte("b")))

	cmds := []Command{
		{Kind: CommandEpochEnd},
		{Kind: CommandPrepare, Atom: &Atom{TransactionID: txB}},
		{Kind: CommandPrepare, Atom: &Atom{TransactionID: txA}},
	}
	SortCommands(cmds)

	if cmds[0].Kind != CommandPrepare || cmds[1].Kind != CommandPrepare {
		t.Fatalf("Prepare commands must sort before EpochEnd")
	}
	if cmds[2].Kind != CommandEpochEnd {
		t.Fatalf("EpochEnd must sort last among these kinds")
	}
}

func TestComputeCommandMerkleRoot_OrderIndependent(t *testing.T) {
	txA := TransactionId(HashBytes([]byte("a")))
	txB := TransactionId(HashBytes([]byte("b")))

	cmds1 := []Command{
		{Kind: CommandPrepare, Atom: &Atom{TransactionID: txA}},
		{Kind: CommandPrepare, Atom: &Atom{TransactionID: txB}},
	}
	cmds2 := []Command{
		{Kind: CommandPrepare, Atom: &Atom{TransactionID: txB}},
		{Kind: CommandPrepare, Atom: &Atom{TransactionID: txA}},
	}

	if ComputeCommandMerkleRoot(cmds1) != ComputeCommandMerkleRoot(cmds2) {
		t.Fatal("command merkle root must not depend on input order")
	}
}

func TestComputeCommandMerkleRoot_Empty(t *testing.T) {
	root1 := ComputeCommandMerkleRoot(nil)
	root2 := ComputeCommandMerkleRoot([]Command{})
	if root1 != root2 {
		t.Fatal("empty command lists must produce the same root")
	}
}
