package merkle

import "sort"

// KeyedLeaf is one entry of a keyed tree: Key is kept alongside its
// LeafHash so callers can recover which index a proof corresponds to.
type KeyedLeaf struct {
	Key      string
	LeafHash []byte
}

// BuildKeyedTree builds a tree over entries sorted by Key, so that the
// resulting root is independent of the order entries were supplied in.
// Used by pkg/statetree to build a deterministic per-shard root keyed by
// SubstateId.
func BuildKeyedTree(entries map[string][]byte) (*Tree, []KeyedLeaf, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([][]byte, len(keys))
	ordered := make([]KeyedLeaf, len(keys))
	for i, k := range keys {
		leaves[i] = entries[k]
		ordered[i] = KeyedLeaf{Key: k, LeafHash: entries[k]}
	}

	if len(leaves) == 0 {
		return nil, ordered, nil
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, nil, err
	}
	return tree, ordered, nil
}
