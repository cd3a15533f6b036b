// Package statetree maintains, per shard, a binary Merkle tree over
// leaves sorted by SubstateId and valued by hash(version, value); it is
// not a sparse Merkle tree. It computes a
// deterministic diff/root pair per block and tracks the diff as a
// pending artifact until the owning block commits or is abandoned.
package statetree

import (
	"sort"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/merkle"
)

// LeafChange is one entry of a computed diff: the substate id and its
// new leaf hash (nil when the substate was destroyed, in which case the
// leaf is removed from the canonical map on replay).
type LeafChange struct {
	ID        dantypes.SubstateId
	LeafHash  []byte // nil => remove
	PrevLeaf  []byte // nil if the id had no prior leaf
}

// TreeDiff is the deterministic output of applying a BlockDiff's changes
// to one shard's tree: the new root and the ordered list of leaf
// changes (sorted by SubstateId, matching compute_diff's determinism
// requirement).
type TreeDiff struct {
	NewRoot []byte
	Changes []LeafChange
}

// VersionedStateHashTreeDiff is the pending artifact stored per
// (block, shard) until the block commits (then replayed into the
// canonical tree) or is abandoned (then discarded).
type VersionedStateHashTreeDiff struct {
	BlockID dantypes.BlockId
	Shard   dantypes.Shard
	Version uint64
	Diff    TreeDiff
}

// ShardTree is one shard's canonical tree, represented as a map from
// SubstateId to its current leaf hash; its root is the binary Merkle
// root over those leaves in SubstateId order.
type ShardTree struct {
	Shard  dantypes.Shard
	leaves map[dantypes.SubstateId][]byte
}

// NewShardTree creates an empty tree for the given shard.
func NewShardTree(shard dantypes.Shard) *ShardTree {
	return &ShardTree{Shard: shard, leaves: map[dantypes.SubstateId][]byte{}}
}

// Root computes the current merkle root over this shard's leaves. An
// empty shard's root is HashBytes(nil), matching the genesis boundary
// behavior (empty tree plus any bootstrap substates).
func (t *ShardTree) Root() dantypes.Hash32 {
	if len(t.leaves) == 0 {
		return dantypes.HashBytes(nil)
	}
	entries := make(map[string][]byte, len(t.leaves))
	for id, leaf := range t.leaves {
		entries[string(id)] = leaf
	}
	tree, _, err := merkle.BuildKeyedTree(entries)
	if err != nil {
		// Cannot happen: leaves are always well-formed 32-byte hashes
		// produced by SubstateLeafHash.
		panic(err)
	}
	var root dantypes.Hash32
	copy(root[:], tree.Root())
	return root
}

// Leaf returns the current leaf hash for id, or nil if absent.
func (t *ShardTree) Leaf(id dantypes.SubstateId) []byte {
	return t.leaves[id]
}

// SubstateLeafHash is the value a substate contributes to the tree:
// hash(version, value), matching Substate.ContentHash.
func SubstateLeafHash(s dantypes.Substate) []byte {
	h := s.ContentHash()
	return h[:]
}

// ComputeDiff is deterministic: changes are sorted by SubstateId before
// application, so the same BlockDiff always yields the same TreeDiff
// regardless of the order its SubstateChange entries were produced in.
func (t *ShardTree) ComputeDiff(changes []dantypes.SubstateChange) TreeDiff {
	sorted := make([]dantypes.SubstateChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	leafChanges := make([]LeafChange, 0, len(sorted))
	working := make(map[dantypes.SubstateId][]byte, len(t.leaves))
	for id, leaf := range t.leaves {
		working[id] = leaf
	}

	for _, c := range sorted {
		prev := working[c.ID]
		switch c.Kind {
		case dantypes.SubstateUp:
			newLeaf := SubstateLeafHash(*c.Substate)
			working[c.ID] = newLeaf
			leafChanges = append(leafChanges, LeafChange{ID: c.ID, LeafHash: newLeaf, PrevLeaf: prev})
		case dantypes.SubstateDown:
			delete(working, c.ID)
			leafChanges = append(leafChanges, LeafChange{ID: c.ID, LeafHash: nil, PrevLeaf: prev})
		}
	}

	entries := make(map[string][]byte, len(working))
	for id, leaf := range working {
		entries[string(id)] = leaf
	}
	var newRoot []byte
	if len(entries) == 0 {
		r := dantypes.HashBytes(nil)
		newRoot = r[:]
	} else {
		tree, _, err := merkle.BuildKeyedTree(entries)
		if err != nil {
			panic(err)
		}
		newRoot = tree.Root()
	}

	return TreeDiff{NewRoot: newRoot, Changes: leafChanges}
}

// Apply replays a diff's leaf changes into the canonical tree. Called
// when the owning block commits.
func (t *ShardTree) Apply(diff TreeDiff) {
	for _, c := range diff.Changes {
		if c.LeafHash == nil {
			delete(t.leaves, c.ID)
		} else {
			t.leaves[c.ID] = c.LeafHash
		}
	}
}

// Revert undoes a diff's leaf changes, restoring each id's prior leaf
// (or removing it if it had none). Used when a pending diff's block is
// abandoned after having been speculatively applied, or to roll back a
// double-apply attempt.
func (t *ShardTree) Revert(diff TreeDiff) {
	for _, c := range diff.Changes {
		if c.PrevLeaf == nil {
			delete(t.leaves, c.ID)
		} else {
			t.leaves[c.ID] = c.PrevLeaf
		}
	}
}
