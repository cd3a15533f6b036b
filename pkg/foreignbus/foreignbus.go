// Package foreignbus handles cross-shard-group transaction coordination:
// building this shard group's pledge set for a transaction that also
// touches other groups, sending it onward once the transaction's block
// locks, and receiving/validating the pledge sets other groups send back,
// with gap/duplicate detection and deferred replay on each sender's
// foreign_index sequence.
package foreignbus

import (
	"context"
	"log"
	"sync"

	"github.com/dan-network/validator-core/pkg/blockgraph"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
	"github.com/dan-network/validator-core/pkg/substatestore"
	"github.com/dan-network/validator-core/pkg/txpool"
)

// Transport delivers an outbound foreign proposal to another shard
// group's bus, generalized over pkg/p2p so this package never imports a
// transport concern directly.
type Transport interface {
	SendForeignProposal(ctx context.Context, to dantypes.ShardGroup, blockID dantypes.BlockId, foreignIndex uint64, pledges dantypes.BlockPledge) error
}

// Resyncer is an optional capability a Transport may also implement: it
// asks a shard group's committee to catch us up past a detected
// foreign_index gap (spec.md §4.6 step 2, "request the missing proposal
// via SyncRequest"). A Transport that doesn't implement it still gets
// correct, non-fatal deferral on a gap; it just relies on the gap
// filling in once the sender's own retransmission (or the next
// unrelated send) arrives.
type Resyncer interface {
	RequestResync(ctx context.Context, group dantypes.ShardGroup, afterIndex uint64) error
}

type pendingForeign struct {
	blockID dantypes.BlockId
	pledges dantypes.BlockPledge
}

// Bus is the consensus.ForeignBus implementation for one shard group.
type Bus struct {
	local dantypes.ShardGroup

	graph     *blockgraph.Graph
	store     *substatestore.Store
	pool      *txpool.Pool
	transport Transport

	mu       sync.Mutex
	received map[dantypes.TransactionId]map[dantypes.ShardGroup]bool
	deferred map[dantypes.ShardGroup]map[uint64]pendingForeign

	logger *log.Logger
}

// New constructs a Bus for the given local shard group.
func New(local dantypes.ShardGroup, graph *blockgraph.Graph, store *substatestore.Store, pool *txpool.Pool, transport Transport) *Bus {
	return &Bus{
		local:     local,
		graph:     graph,
		store:     store,
		pool:      pool,
		transport: transport,
		received:  map[dantypes.TransactionId]map[dantypes.ShardGroup]bool{},
		deferred:  map[dantypes.ShardGroup]map[uint64]pendingForeign{},
		logger:    log.New(log.Writer(), "[ForeignBus] ", log.LstdFlags),
	}
}

// OnLocked implements consensus.ForeignBus: once a block locks, every
// Prepare command whose evidence spans more than this shard group has
// its local pledge set built and dispatched to each other named group.
func (b *Bus) OnLocked(ctx context.Context, block dantypes.Block) error {
	for _, cmd := range block.Commands {
		if cmd.Kind != dantypes.CommandPrepare || cmd.Atom == nil {
			continue
		}
		atom := *cmd.Atom
		if atom.Evidence.IsLocalOnly(b.local) {
			continue
		}
		pledges, err := b.pledgesFor(ctx, atom.TransactionID)
		if err != nil {
			return err
		}
		for group := range atom.Evidence {
			if group.Equal(b.local) {
				continue
			}
			if err := b.send(ctx, group, block.ID, atom.TransactionID, pledges); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnCommitted implements consensus.ForeignBus and does nothing: no
// cross-shard bookkeeping runs once a block's diff has committed, and no
// substate locks are released here (pkg/txpool does not release them
// either).
func (b *Bus) OnCommitted(ctx context.Context, block dantypes.Block, diff dantypes.BlockDiff) error {
	return nil
}

// pledgesFor builds this shard group's pledge set for a transaction from
// the locks it currently holds, fetching the locked value for every
// Read/Write intent (an Output intent carries no value, since the
// substate it names does not exist yet).
func (b *Bus) pledgesFor(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.SubstatePledge, error) {
	intents, err := b.store.LocksForTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	out := make([]dantypes.SubstatePledge, 0, len(intents))
	for _, intent := range intents {
		var value *dantypes.Substate
		if intent.Op != dantypes.LockOutput {
			s, err := b.store.Get(ctx, dantypes.VersionedSubstateId{ID: intent.SubstateID, Version: intent.Version})
			if err != nil {
				return nil, err
			}
			value = &s
		}
		pledge, err := dantypes.TryCreateSubstatePledge(intent, value)
		if err != nil {
			return nil, dynerr.DataInconsistency(string(intent.SubstateID), err)
		}
		out = append(out, pledge)
	}
	return out, nil
}

func (b *Bus) send(ctx context.Context, to dantypes.ShardGroup, blockID dantypes.BlockId, txID dantypes.TransactionId, pledges []dantypes.SubstatePledge) error {
	idx, err := b.graph.IncrementSendCounter(ctx, b.local, to.Start)
	if err != nil {
		return err
	}
	if b.transport == nil {
		return nil
	}
	if err := b.transport.SendForeignProposal(ctx, to, blockID, idx, dantypes.BlockPledge{txID: pledges}); err != nil {
		b.logger.Printf("⚠️ failed to send foreign proposal to %s: %v", to, err)
	}
	return nil
}

// ReceiveForeignProposal handles an inbound pledge set from another
// shard group. A foreign_index no higher than the last one accepted
// from that sender is silently treated as a duplicate retransmission.
// A gap (the index skips ahead of last+1) is benign out-of-order
// arrival, not a data inconsistency: the proposal is buffered and a
// resync is requested from the sender, and it is replayed once the
// missing indexes between fill in. Each accepted proposal's pledges are
// checked against the transaction's recorded evidence for the sending
// shard group before being recorded, and each pledged transaction is
// marked "heard from" this sender; once every other shard group named
// in its evidence has reported, its pool entry advances from Prepared
// to AllPrepared (or LocalAccepted to AllAccepted).
func (b *Bus) ReceiveForeignProposal(ctx context.Context, blockID dantypes.BlockId, from dantypes.ShardGroup, foreignIndex uint64, pledges dantypes.BlockPledge) error {
	last, ok, err := b.graph.LastForeignIndexFrom(ctx, b.local, from)
	if err != nil {
		return err
	}
	if ok && foreignIndex <= last {
		return nil
	}
	if ok && foreignIndex != last+1 {
		b.deferProposal(from, foreignIndex, blockID, pledges)
		b.logger.Printf("⚠️ foreign index gap from %s: expected %d, got %d — deferring and requesting resync", from, last+1, foreignIndex)
		if resyncer, ok := b.transport.(Resyncer); ok {
			if err := resyncer.RequestResync(ctx, from, last); err != nil {
				b.logger.Printf("⚠️ resync request to %s failed: %v", from, err)
			}
		}
		return nil
	}

	if err := b.acceptForeignProposal(ctx, blockID, from, foreignIndex, pledges); err != nil {
		return err
	}

	for next := foreignIndex + 1; ; next++ {
		b.mu.Lock()
		pending, ok := b.deferred[from][next]
		if ok {
			delete(b.deferred[from], next)
		}
		b.mu.Unlock()
		if !ok {
			break
		}
		if err := b.acceptForeignProposal(ctx, pending.blockID, from, next, pending.pledges); err != nil {
			return err
		}
	}
	return nil
}

// deferProposal buffers an out-of-order proposal until the gap
// preceding it fills.
func (b *Bus) deferProposal(from dantypes.ShardGroup, foreignIndex uint64, blockID dantypes.BlockId, pledges dantypes.BlockPledge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.deferred[from]
	if !ok {
		m = map[uint64]pendingForeign{}
		b.deferred[from] = m
	}
	m[foreignIndex] = pendingForeign{blockID: blockID, pledges: pledges}
}

// acceptForeignProposal validates and records one in-order foreign
// index's pledges.
func (b *Bus) acceptForeignProposal(ctx context.Context, blockID dantypes.BlockId, from dantypes.ShardGroup, foreignIndex uint64, pledges dantypes.BlockPledge) error {
	flat := make([]dantypes.SubstatePledge, 0, len(pledges))
	for txID, txPledges := range pledges {
		if err := b.validatePledges(ctx, txID, from, txPledges); err != nil {
			return err
		}
		flat = append(flat, txPledges...)
		if err := b.markReceived(ctx, blockID, txID, from); err != nil {
			return err
		}
	}
	return b.graph.RecordForeignProposal(ctx, blockID, b.local, from, foreignIndex, flat)
}

// validatePledges checks that every lock intent a sending shard group
// pledges for a transaction is one that group's recorded evidence
// actually names, and that any value a Read/Write pledge carries
// matches the substate it claims to be and, where this shard group
// already holds a copy of that exact version, the content it committed
// for it. A transaction this node has no pool entry for yet (it admitted
// the transaction after evidence was already gathered elsewhere) has
// nothing to validate against and is accepted for bookkeeping only.
func (b *Bus) validatePledges(ctx context.Context, txID dantypes.TransactionId, from dantypes.ShardGroup, txPledges []dantypes.SubstatePledge) error {
	entry, err := b.pool.Get(ctx, txID)
	if dynerr.IsKind(err, dynerr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	evidence, ok := entry.Evidence[from]
	if !ok {
		return dynerr.DataInconsistency(txID.String(), errUnexpectedPledgeSender{from: from})
	}

	for _, pledge := range txPledges {
		named := evidence.Outputs
		if pledge.Intent.Op != dantypes.LockOutput {
			named = evidence.Inputs
		}
		if !containsSubstate(named, pledge.Intent.SubstateID) {
			return dynerr.DataInconsistency(txID.String(), errPledgeNotInEvidence{from: from, substate: pledge.Intent.SubstateID})
		}
		if pledge.Value == nil {
			continue
		}
		if pledge.Value.ID != pledge.Intent.SubstateID {
			return dynerr.DataInconsistency(txID.String(), errPledgeValueMismatch{substate: pledge.Intent.SubstateID})
		}
		existing, err := b.store.Get(ctx, dantypes.VersionedSubstateId{ID: pledge.Intent.SubstateID, Version: pledge.Intent.Version})
		if err != nil {
			if dynerr.IsKind(err, dynerr.KindNotFound) {
				continue
			}
			return err
		}
		if existing.ContentHash() != pledge.Value.ContentHash() {
			return dynerr.DataInconsistency(txID.String(), errPledgeContentMismatch{substate: pledge.Intent.SubstateID})
		}
	}
	return nil
}

func containsSubstate(ids []dantypes.SubstateId, target dantypes.SubstateId) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func (b *Bus) markReceived(ctx context.Context, blockID dantypes.BlockId, txID dantypes.TransactionId, from dantypes.ShardGroup) error {
	entry, err := b.pool.Get(ctx, txID)
	if dynerr.IsKind(err, dynerr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	seen, ok := b.received[txID]
	if !ok {
		seen = map[dantypes.ShardGroup]bool{}
		b.received[txID] = seen
	}
	seen[from] = true
	heard := len(seen)
	b.mu.Unlock()

	expected := 0
	for g := range entry.Evidence {
		if !g.Equal(b.local) {
			expected++
		}
	}
	if heard < expected {
		return nil
	}

	var next txpool.Stage
	switch entry.Stage {
	case txpool.StagePrepared:
		next = txpool.StageAllPrepared
	case txpool.StageLocalAccepted:
		next = txpool.StageAllAccepted
	default:
		return nil
	}

	b.mu.Lock()
	delete(b.received, txID)
	b.mu.Unlock()

	return b.pool.Update(ctx, blockID, txID, entry.Stage, next, entry.Evidence)
}

type errUnexpectedPledgeSender struct {
	from dantypes.ShardGroup
}

func (e errUnexpectedPledgeSender) Error() string {
	return "pledges received from " + e.from.String() + " but evidence names no entry for it"
}

type errPledgeNotInEvidence struct {
	from     dantypes.ShardGroup
	substate dantypes.SubstateId
}

func (e errPledgeNotInEvidence) Error() string {
	return "pledge for " + string(e.substate) + " from " + e.from.String() + " is not named in that group's evidence"
}

type errPledgeValueMismatch struct {
	substate dantypes.SubstateId
}

func (e errPledgeValueMismatch) Error() string {
	return "pledge value id does not match its intent's substate " + string(e.substate)
}

type errPledgeContentMismatch struct {
	substate dantypes.SubstateId
}

func (e errPledgeContentMismatch) Error() string {
	return "pledge value content hash disagrees with the locally committed substate " + string(e.substate)
}
