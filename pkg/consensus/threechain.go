package consensus

import (
	"context"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// blockSource is the narrow blockgraph capability the three-chain
// recursion needs to walk parent links and fetch justify QCs.
type blockSource interface {
	Get(ctx context.Context, id dantypes.BlockId) (dantypes.Block, error)
}

// registerStore is the narrow registers.Store capability threechain.go
// needs; satisfied structurally by *registers.Store.
type registerStore interface {
	HighQC(epoch dantypes.Epoch) (dantypes.QuorumCertificate, bool, error)
	SetHighQC(qc dantypes.QuorumCertificate) error
	LockedBlock(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error)
	SetLockedBlock(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error
	LastExecuted(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error)
	SetLastExecuted(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error
}

// onLockBlock is invoked, in ascending-height order, for every block
// that becomes newly locked as the 3-chain advances.
type onLockBlock func(ctx context.Context, locked dantypes.Block) error

// onCommitBlock is invoked, in ascending-height order, for every block
// that becomes newly committed.
type onCommitBlock func(ctx context.Context, committed dantypes.Block) error

// updateHighQC advances the epoch's HighQC register if qc is higher than
// whatever is currently stored, per spec.md §4.5.
func updateHighQC(regs registerStore, qc dantypes.QuorumCertificate) error {
	current, ok, err := regs.HighQC(qc.Epoch)
	if err != nil {
		return err
	}
	if ok && current.BlockHeight >= qc.BlockHeight {
		return nil
	}
	return regs.SetHighQC(qc)
}

// chainToAncestor walks parent links from tip back to (but excluding)
// stopAt, returning the blocks in ascending-height order. It returns an
// empty slice if tip is stopAt or stopAt is not found on the chain
// within the walk (the latter should not happen for a well-formed
// proposal, since the proposal was already validated against the
// locked/executed block before this recursion runs).
func chainToAncestor(ctx context.Context, graph blockSource, tip dantypes.BlockId, stopAt dantypes.BlockId) ([]dantypes.Block, error) {
	var descending []dantypes.Block
	cur := tip
	for cur != stopAt {
		b, err := graph.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		descending = append(descending, b)
		if b.Header.Height == 0 {
			return nil, nil
		}
		cur = b.Header.ParentID
	}
	// reverse into ascending-height order
	out := make([]dantypes.Block, len(descending))
	for i, b := range descending {
		out[len(descending)-1-i] = b
	}
	return out, nil
}

// tryLock implements the lock rule: if the justified predecessor b' of
// the newly-arrived block's 2-chain is higher than the currently locked
// block, every block between the old lock (exclusive) and b' (inclusive)
// becomes newly locked, firing onLock for each in order, then the
// LockedBlock register advances to b'.
func tryLock(ctx context.Context, graph blockSource, regs registerStore, epoch dantypes.Epoch, candidate dantypes.Block, onLock onLockBlock) error {
	lockedID, lockedHeight, haveLocked, err := regs.LockedBlock(epoch)
	if err != nil {
		return err
	}
	if haveLocked && candidate.Header.Height <= lockedHeight {
		return nil
	}

	var chain []dantypes.Block
	if haveLocked {
		chain, err = chainToAncestor(ctx, graph, candidate.ID, lockedID)
		if err != nil {
			return err
		}
	} else {
		chain = []dantypes.Block{candidate}
	}

	for _, b := range chain {
		if onLock != nil {
			if err := onLock(ctx, b); err != nil {
				return err
			}
		}
	}
	return regs.SetLockedBlock(epoch, candidate.ID, candidate.Header.Height)
}

// tryCommit implements the commit rule: given a contiguous 3-chain
// b -> b' -> b'' -> candidate (candidate's great-grandparent justify
// chain), every block between LastExecuted (exclusive) and b (inclusive)
// becomes newly committed, firing onCommit for each in order, then the
// LastExecuted register advances to b.
func tryCommit(ctx context.Context, graph blockSource, regs registerStore, epoch dantypes.Epoch, commitTarget dantypes.Block, onCommit onCommitBlock) error {
	executedID, executedHeight, haveExecuted, err := regs.LastExecuted(epoch)
	if err != nil {
		return err
	}
	if haveExecuted && commitTarget.Header.Height <= executedHeight {
		return nil
	}

	var chain []dantypes.Block
	if haveExecuted {
		chain, err = chainToAncestor(ctx, graph, commitTarget.ID, executedID)
		if err != nil {
			return err
		}
	} else {
		chain = []dantypes.Block{commitTarget}
	}

	for _, b := range chain {
		if onCommit != nil {
			if err := onCommit(ctx, b); err != nil {
				return err
			}
		}
	}
	return regs.SetLastExecuted(epoch, commitTarget.ID, commitTarget.Header.Height)
}

// contiguous3Chain reports whether b, b2 (b's justified child) and b3
// (b2's justified child) form an uninterrupted parent chain b <- b2 <-
// b3, the condition that promotes b from locked to committed.
func contiguous3Chain(b, b2, b3 dantypes.Block) bool {
	return b2.Header.ParentID == b.ID && b3.Header.ParentID == b2.ID
}
