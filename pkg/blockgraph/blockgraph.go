// Package blockgraph stores blocks, their parent/child links, and the
// six per-epoch consensus registers, and implements the cascade-delete
// of abandoned parallel chains at commit time.
package blockgraph

import (
	"context"
	"log"

	"github.com/dan-network/validator-core/pkg/database"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
	"github.com/dan-network/validator-core/pkg/registers"
	"github.com/dan-network/validator-core/pkg/statetree"
)

// Graph is the block storage and register layer the consensus engine
// drives. It composes the relational block/QC repositories with the KV
// register store, following the teacher's pattern of one facade type per
// component wrapping several narrower repositories.
type Graph struct {
	blocks     *database.BlockRepository
	qcs        *database.QCRepository
	diffs      *database.BlockDiffRepository
	treeDiffs  *database.TreeDiffRepository
	locks      *database.LockRepository
	pool       *database.TransactionPoolRepository
	executions *database.ExecutionRepository
	foreign    *database.ForeignProposalRepository
	registers  *registers.Store
	logger     *log.Logger
}

// New constructs a Graph over the given repositories and register store.
func New(
	blocks *database.BlockRepository,
	qcs *database.QCRepository,
	diffs *database.BlockDiffRepository,
	treeDiffs *database.TreeDiffRepository,
	locks *database.LockRepository,
	pool *database.TransactionPoolRepository,
	executions *database.ExecutionRepository,
	foreign *database.ForeignProposalRepository,
	regs *registers.Store,
) *Graph {
	return &Graph{
		blocks:     blocks,
		qcs:        qcs,
		diffs:      diffs,
		treeDiffs:  treeDiffs,
		locks:      locks,
		pool:       pool,
		executions: executions,
		foreign:    foreign,
		registers:  regs,
		logger:     log.New(log.Writer(), "[BlockGraph] ", log.LstdFlags),
	}
}

// Insert stores a new block and its justifying QC.
func (g *Graph) Insert(ctx context.Context, b dantypes.Block) error {
	if err := g.blocks.Insert(ctx, b); err != nil {
		return err
	}
	if !b.Justify.IsGenesis() {
		if err := g.qcs.Insert(ctx, b.Justify); err != nil {
			return err
		}
	}
	return nil
}

// PutDiff stores the substate-change diff a block's execution produced.
func (g *Graph) PutDiff(ctx context.Context, diff dantypes.BlockDiff) error {
	return g.diffs.Insert(ctx, diff)
}

// DiffFor returns the stored diff for a block.
func (g *Graph) DiffFor(ctx context.Context, id dantypes.BlockId) (dantypes.BlockDiff, error) {
	return g.diffs.Get(ctx, id)
}

// Get retrieves a block by id.
func (g *Graph) Get(ctx context.Context, id dantypes.BlockId) (dantypes.Block, error) {
	b, err := g.blocks.Get(ctx, id)
	if err != nil {
		return dantypes.Block{}, err
	}
	qc, err := g.qcs.GetByBlock(ctx, id)
	if err != nil && !dynerr.IsKind(err, dynerr.KindNotFound) {
		return dantypes.Block{}, err
	}
	b.Justify = qc
	return b, nil
}

// Exists reports whether a block id is stored.
func (g *Graph) Exists(ctx context.Context, id dantypes.BlockId) (bool, error) {
	return g.blocks.Exists(ctx, id)
}

// GetIDsByParent returns the child ids of a block.
func (g *Graph) GetIDsByParent(ctx context.Context, parent dantypes.BlockId) ([]dantypes.BlockId, error) {
	return g.blocks.GetIDsByParent(ctx, parent)
}

// GetIDsByEpochAndHeight returns every block id at (epoch, height).
func (g *Graph) GetIDsByEpochAndHeight(ctx context.Context, epoch dantypes.Epoch, height dantypes.NodeHeight) ([]dantypes.BlockId, error) {
	return g.blocks.GetIDsByEpochAndHeight(ctx, epoch, height)
}

// IsAncestor mirrors original_source's Block::extends fast paths: a
// block is never its own ancestor, a direct parent short-circuits to
// true, and a missing parent along the way short-circuits to false
// rather than erroring, since an incomplete chain simply isn't an
// ancestor relationship this validator can attest to.
func (g *Graph) IsAncestor(ctx context.Context, descendant, ancestor dantypes.BlockId) (bool, error) {
	if descendant == ancestor {
		return false, nil
	}
	cur := descendant
	for {
		parent, err := g.blocks.ParentOf(ctx, cur)
		if dynerr.IsKind(err, dynerr.KindNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if parent == ancestor {
			return true, nil
		}
		if parent.IsZero() {
			return false, nil
		}
		cur = parent
	}
}

// SetFlags updates a block's is_justified/is_committed flags.
func (g *Graph) SetFlags(ctx context.Context, id dantypes.BlockId, isJustified, isCommitted *bool) error {
	return g.blocks.SetFlags(ctx, id, isJustified, isCommitted)
}

// DeleteParallelChains implements the spec.md §4.3 cascade-delete: for
// every block at (B.epoch, B.height) other than B itself, recursively
// delete it and every descendant along with its diffs, tree diffs, pool
// updates, execution records and foreign-proposal rows. Substate locks
// are not deleted.
func (g *Graph) DeleteParallelChains(ctx context.Context, b dantypes.Block) error {
	siblings, err := g.blocks.GetIDsByEpochAndHeight(ctx, b.Header.Epoch, b.Header.Height)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib == b.ID {
			continue
		}
		if err := g.deleteSubtree(ctx, sib); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) deleteSubtree(ctx context.Context, id dantypes.BlockId) error {
	children, err := g.blocks.GetIDsByParent(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := g.deleteSubtree(ctx, c); err != nil {
			return err
		}
	}

	if err := g.diffs.DeleteForBlock(ctx, id); err != nil {
		return err
	}
	if err := g.treeDiffs.DeleteForBlock(ctx, id); err != nil {
		return err
	}
	if err := g.executions.DeleteForBlock(ctx, id); err != nil {
		return err
	}
	if err := g.foreign.DeleteForBlock(ctx, id); err != nil {
		return err
	}
	if err := g.pool.UndoUpdatesForBlock(ctx, id); err != nil {
		return err
	}
	if err := g.blocks.DeleteRecord(ctx, id); err != nil {
		return err
	}
	g.logger.Printf("🔄 pruned abandoned block %s", id)
	return nil
}

// Registers exposes the per-epoch register store for the engine.
func (g *Graph) Registers() *registers.Store { return g.registers }

// PutTreeDiff stores a shard's pending state tree diff for a block,
// produced by execution ahead of the block committing.
func (g *Graph) PutTreeDiff(ctx context.Context, d statetree.VersionedStateHashTreeDiff) error {
	return g.treeDiffs.Put(ctx, d)
}

// TreeDiffFor returns the pending state tree diff for (block, shard).
func (g *Graph) TreeDiffFor(ctx context.Context, id dantypes.BlockId, shard dantypes.Shard) (statetree.VersionedStateHashTreeDiff, error) {
	return g.treeDiffs.Get(ctx, id, shard)
}

// PutExecution records a transaction's execution result against the
// block that produced it.
func (g *Graph) PutExecution(ctx context.Context, blockID dantypes.BlockId, result dantypes.ExecuteResult) error {
	return g.executions.Insert(ctx, blockID, result)
}

// ExecutionResultFor returns the most recently recorded execution result
// for a transaction, for RPC lookups that don't know the committing
// block id in advance.
func (g *Graph) ExecutionResultFor(ctx context.Context, txID dantypes.TransactionId) (dantypes.ExecuteResult, error) {
	return g.executions.GetLatest(ctx, txID)
}

// RecordForeignProposal stores a received foreign proposal's pledge set
// for gap/duplicate detection, delegating to the foreign-proposal
// repository this Graph already composes.
func (g *Graph) RecordForeignProposal(ctx context.Context, blockID dantypes.BlockId, local, from dantypes.ShardGroup, foreignIndex uint64, pledges []dantypes.SubstatePledge) error {
	return g.foreign.RecordReceived(ctx, blockID, local, from, foreignIndex, pledges)
}

// LastForeignIndexFrom returns the highest foreign_index previously
// accepted from a sending shard group, for gap/duplicate detection.
func (g *Graph) LastForeignIndexFrom(ctx context.Context, local, from dantypes.ShardGroup) (uint64, bool, error) {
	return g.foreign.LastIndexFrom(ctx, local, from)
}

// ListCommittedRange returns up to limit committed block ids of a shard
// group's chain at or above fromHeight, for paging over committed
// history.
func (g *Graph) ListCommittedRange(ctx context.Context, group dantypes.ShardGroup, fromHeight dantypes.NodeHeight, limit int) ([]dantypes.BlockId, error) {
	return g.blocks.ListCommittedRange(ctx, group, fromHeight, limit)
}

// CountCommitted returns the number of committed blocks in a shard
// group's chain.
func (g *Graph) CountCommitted(ctx context.Context, group dantypes.ShardGroup) (uint64, error) {
	return g.blocks.CountCommitted(ctx, group)
}

// IncrementSendCounter increments and returns this shard group's
// outbound foreign_index counter to a destination shard, used to stamp
// an outgoing foreign proposal before it is sent.
func (g *Graph) IncrementSendCounter(ctx context.Context, from dantypes.ShardGroup, to dantypes.Shard) (uint64, error) {
	return g.foreign.IncrementSendCounter(ctx, from, to)
}
