package consensus

import (
	"context"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// ancestorChecker is the narrow blockgraph capability safeNode needs.
type ancestorChecker interface {
	IsAncestor(ctx context.Context, descendant, ancestor dantypes.BlockId) (bool, error)
}

// safeNode reports whether a received proposal is safe to vote for: a
// proposal is safe if EITHER the liveness rule holds (its justify
// references a higher block than our locked block, so the chain is
// making progress past a stale lock) OR the safety rule holds (the
// proposal extends our locked block, so it cannot contradict a
// previously-locked 3-chain). Only one need hold.
func safeNode(ctx context.Context, graph ancestorChecker, proposal dantypes.Block, locked dantypes.BlockId, lockedHeight dantypes.NodeHeight) (bool, error) {
	liveness := proposal.Justify.BlockHeight > lockedHeight

	// The proposal is checked before it is inserted, so ancestry is walked
	// from its parent rather than from the proposal itself.
	parent := proposal.Header.ParentID
	extends, err := graph.IsAncestor(ctx, parent, locked)
	if err != nil {
		return false, err
	}
	safety := extends || parent == locked || proposal.ID == locked

	return liveness || safety, nil
}
