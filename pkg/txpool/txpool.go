// Package txpool holds transactions between mempool admission and
// consensus finalization, tracking per-shard-group evidence and exposing
// a fee-ordered selection index for the leader's next proposal.
package txpool

import (
	"context"
	"log"
	"sync"

	"github.com/google/btree"

	"github.com/dan-network/validator-core/pkg/database"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// Stage re-exports the pool lifecycle stages the database layer stores.
type Stage = database.PoolStage

const (
	StageNew           = database.StageNew
	StagePrepared      = database.StagePrepared
	StageLocalPrepared = database.StageLocalPrepared
	StageAllPrepared   = database.StageAllPrepared
	StageLocalAccepted = database.StageLocalAccepted
	StageAllAccepted   = database.StageAllAccepted
	StageFinalized     = database.StageFinalized
	StageAborted       = database.StageAborted
)

// feeItem orders pool entries by (fee_rate desc, tx_id asc), the
// canonical select_next_commands order.
type feeItem struct {
	txID    dantypes.TransactionId
	feeRate uint64
}

func (a feeItem) Less(than btree.Item) bool {
	b := than.(feeItem)
	if a.feeRate != b.feeRate {
		return a.feeRate > b.feeRate // higher fee sorts first
	}
	return a.txID.String() < b.txID.String()
}

// Pool is the in-process fee-ordered view over the relational pool
// table; the table remains the durable source of truth, this index only
// accelerates select_next_commands.
type Pool struct {
	repo   *database.TransactionPoolRepository
	mu     sync.Mutex
	byTx   map[dantypes.TransactionId]feeItem
	byFee  *btree.BTree
	logger *log.Logger
}

// New constructs a Pool and warms its fee index from every New-stage
// entry already persisted.
func New(ctx context.Context, repo *database.TransactionPoolRepository) (*Pool, error) {
	p := &Pool{
		repo:   repo,
		byTx:   map[dantypes.TransactionId]feeItem{},
		byFee:  btree.New(32),
		logger: log.New(log.Writer(), "[TxPool] ", log.LstdFlags),
	}
	entries, err := repo.ListByStage(ctx, StageNew)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		p.indexLocked(e.TransactionID, e.FeeRate)
	}
	return p, nil
}

func (p *Pool) indexLocked(txID dantypes.TransactionId, feeRate uint64) {
	item := feeItem{txID: txID, feeRate: feeRate}
	p.byTx[txID] = item
	p.byFee.ReplaceOrInsert(item)
}

func (p *Pool) unindexLocked(txID dantypes.TransactionId) {
	if item, ok := p.byTx[txID]; ok {
		p.byFee.Delete(item)
		delete(p.byTx, txID)
	}
}

// Insert adds a transaction to the pool in the New stage (after mempool
// admission) and indexes it for selection.
func (p *Pool) Insert(ctx context.Context, txID dantypes.TransactionId, feeRate uint64) error {
	if err := p.repo.Insert(ctx, txID, feeRate); err != nil {
		return err
	}
	p.mu.Lock()
	p.indexLocked(txID, feeRate)
	p.mu.Unlock()
	return nil
}

// Update transitions a pool entry's stage, called from the consensus side
// (pkg/foreignbus) per spec.md §4.4 and never by RPC, recording the transition against
// blockID so it can be undone by blockgraph's cascade delete.
func (p *Pool) Update(ctx context.Context, blockID dantypes.BlockId, txID dantypes.TransactionId, from, to Stage, evidence dantypes.Evidence) error {
	if err := p.repo.UpdateStage(ctx, blockID, txID, from, to, evidence); err != nil {
		return err
	}
	p.mu.Lock()
	if to == StageFinalized || to == StageAborted || to != StageNew {
		p.unindexLocked(txID)
	}
	p.mu.Unlock()
	return nil
}

// Get returns a pool entry.
func (p *Pool) Get(ctx context.Context, txID dantypes.TransactionId) (database.PoolEntry, error) {
	return p.repo.Get(ctx, txID)
}

// SelectNextCommands returns up to budget transaction ids from the New
// stage, ordered by (fee_rate desc, tx_id asc) — the set the leader is
// about to wrap in Prepare commands.
func (p *Pool) SelectNextCommands(budget int) []dantypes.TransactionId {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]dantypes.TransactionId, 0, budget)
	p.byFee.Ascend(func(item btree.Item) bool {
		if len(out) >= budget {
			return false
		}
		out = append(out, item.(feeItem).txID)
		return true
	})
	return out
}

// UndoForBlock reverts every stage transition recorded against a
// cascade-deleted block and re-indexes any entry that falls back to the
// New stage.
func (p *Pool) UndoForBlock(ctx context.Context, blockID dantypes.BlockId) error {
	if err := p.repo.UndoUpdatesForBlock(ctx, blockID); err != nil {
		return err
	}
	entries, err := p.repo.ListByStage(ctx, StageNew)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, e := range entries {
		if _, ok := p.byTx[e.TransactionID]; !ok {
			p.indexLocked(e.TransactionID, e.FeeRate)
		}
	}
	p.mu.Unlock()
	return nil
}

// ListAll returns every pool entry regardless of stage, the full
// snapshot a get_tx_pool RPC call serves. Read-only callers go straight
// to the repository rather than the in-memory index, since the index
// only ever tracks the New stage.
func (p *Pool) ListAll(ctx context.Context) ([]database.PoolEntry, error) {
	return p.repo.ListAll(ctx)
}

// ErrNotInPool is returned by callers that expect a transaction already
// admitted to the pool.
var ErrNotInPool = dynerr.NotFound("transaction not in pool")
