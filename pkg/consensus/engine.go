// Package consensus implements the three-chain (HotStuff/LibraBFT-style)
// core: a single-threaded actor per (epoch, shard group) that drains a
// mailbox of proposals, votes, timers and execution results, advances the
// high-QC/lock/commit registers, and drives the substate store and state
// tree through the on_lock/on_commit integration seam. Disk I/O and diff
// application run inline on the actor's goroutine; there is no worker
// pool, and nothing in this module sends executionResultMsg.
package consensus

import (
	"bytes"
	"context"
	"log"
	"sort"
	"time"

	"github.com/dan-network/validator-core/pkg/blockgraph"
	"github.com/dan-network/validator-core/pkg/crypto/bls"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/database"
	"github.com/dan-network/validator-core/pkg/dynerr"
	"github.com/dan-network/validator-core/pkg/registers"
	"github.com/dan-network/validator-core/pkg/statetree"
	"github.com/dan-network/validator-core/pkg/substatestore"
	"github.com/dan-network/validator-core/pkg/txpool"
)

// maxCommandsPerBlock bounds how many pool entries a single proposal
// wraps in Prepare commands.
const maxCommandsPerBlock = 500

// Executor runs a block's proposed commands against the substate store
// and returns the resulting diff. It stands in for the template/WASM
// execution engine, an external collaborator out of scope here.
type Executor interface {
	Execute(ctx context.Context, block dantypes.Block) (dantypes.BlockDiff, error)
}

// committeeInfo is the narrow epoch/committee capability the engine
// needs: who proposes at a given height, and how many signatures form a
// quorum. Satisfied structurally by *epochmanager.StaticManager.
type committeeInfo interface {
	LeaderAt(epoch dantypes.Epoch, group dantypes.ShardGroup, height dantypes.NodeHeight) ([]byte, error)
	QuorumSize(epoch dantypes.Epoch, group dantypes.ShardGroup) (int, error)
}

// ProposalTransport delivers a proposal to the rest of the committee.
type ProposalTransport interface {
	BroadcastProposal(ctx context.Context, block dantypes.Block, pledge dantypes.BlockPledge) error
}

// VoteTransport delivers a replica's vote to its designated collector
// (the leader of the following height, per chained-HotStuff convention).
type VoteTransport interface {
	SendVote(ctx context.Context, to []byte, vote Vote) error
}

// ForeignBus is the integration seam into the foreign-proposal bus:
// invoked once per newly-locked and newly-committed block so
// ForeignProposal commands can be built and dispatched downstream.
type ForeignBus interface {
	OnLocked(ctx context.Context, block dantypes.Block) error
	OnCommitted(ctx context.Context, block dantypes.Block, diff dantypes.BlockDiff) error
}

// Vote is a replica's signed decision on a proposed block, the exported
// shape pkg/p2p marshals on the wire and pkg/rpc may report back.
type Vote struct {
	BlockID   dantypes.BlockId
	Epoch     dantypes.Epoch
	Height    dantypes.NodeHeight
	Decision  dantypes.Decision
	Signature []byte
	Signer    []byte
}

// Config bundles an Engine's dependencies. Fields left nil are optional:
// an engine with no ForeignBus simply never emits foreign proposals, one
// with no ProposalTransport/VoteTransport only drives local storage
// (useful in tests and single-node devnets).
type Config struct {
	Network      string
	ShardGroup   dantypes.ShardGroup
	NumPreshards uint32

	Graph *blockgraph.Graph
	Store *substatestore.Store
	Pool  *txpool.Pool
	Trees map[dantypes.Shard]*statetree.ShardTree
	Stats *database.ValidatorStatsRepository

	Committee committeeInfo
	Proposals ProposalTransport
	Votes     VoteTransport
	Foreign   ForeignBus

	LocalKey *bls.PrivateKey

	ProposalTimeout   time.Duration
	MaxMissedPerEpoch int

	Logger *log.Logger
}

// Engine is the single-threaded consensus actor for one (validator,
// shard group) pair. Every exported method except Run only ever writes
// to the mailbox; all state mutation happens inside the goroutine
// running Run.
type Engine struct {
	network      string
	group        dantypes.ShardGroup
	numPreshards uint32

	graph *blockgraph.Graph
	regs  *registers.Store
	store *substatestore.Store
	pool  *txpool.Pool
	trees map[dantypes.Shard]*statetree.ShardTree
	stats *database.ValidatorStatsRepository

	committee committeeInfo
	proposals ProposalTransport
	votes     VoteTransport
	foreign   ForeignBus

	localKey *bls.PrivateKey
	localPub *bls.PublicKey

	proposalTimeout   time.Duration
	maxMissedPerEpoch int

	mailbox chan message
	pending map[dantypes.BlockId]map[string]voteMsg

	logger *log.Logger
}

// New constructs an Engine from cfg.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[ConsensusEngine] ", log.LstdFlags)
	}
	return &Engine{
		network:           cfg.Network,
		group:             cfg.ShardGroup,
		numPreshards:      cfg.NumPreshards,
		graph:             cfg.Graph,
		regs:              cfg.Graph.Registers(),
		store:             cfg.Store,
		pool:              cfg.Pool,
		trees:             cfg.Trees,
		stats:             cfg.Stats,
		committee:         cfg.Committee,
		proposals:         cfg.Proposals,
		votes:             cfg.Votes,
		foreign:           cfg.Foreign,
		localKey:          cfg.LocalKey,
		localPub:          cfg.LocalKey.PublicKey(),
		proposalTimeout:   cfg.ProposalTimeout,
		maxMissedPerEpoch: cfg.MaxMissedPerEpoch,
		mailbox:           make(chan message, 256),
		pending:           map[dantypes.BlockId]map[string]voteMsg{},
		logger:            logger,
	}
}

// SubmitProposal delivers a received or locally-fabricated proposal to
// the engine and blocks until it has been inserted or rejected.
func (e *Engine) SubmitProposal(ctx context.Context, block dantypes.Block, pledge dantypes.BlockPledge) error {
	reply := make(chan error, 1)
	select {
	case e.mailbox <- proposalMsg{block: block, pledge: pledge, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitVote delivers a sibling's vote. The mailbox is buffered, so this
// never blocks on vote processing.
func (e *Engine) SubmitVote(ctx context.Context, v Vote) error {
	msg := voteMsg{blockID: v.BlockID, epoch: v.Epoch, height: v.Height, decision: v.Decision, signature: v.Signature, signer: v.Signer}
	select {
	case e.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitTimer notifies the engine that a view's proposal timeout has
// elapsed with no progress at the given height.
func (e *Engine) SubmitTimer(ctx context.Context, epoch dantypes.Epoch, height dantypes.NodeHeight) error {
	select {
	case e.mailbox <- timerMsg{epoch: epoch, height: height}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown requests a cooperative drain-to-safe-boundary exit: the
// engine finishes whatever message it is currently processing, then
// stops, never leaving a partially-applied lock or commit behind.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case e.mailbox <- shutdownMsg{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the mailbox until ctx is cancelled or a shutdownMsg is
// processed. Exactly one goroutine should call Run for the engine's
// lifetime.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-e.mailbox:
			switch msg := m.(type) {
			case proposalMsg:
				err := e.handleProposal(ctx, msg.block, msg.pledge)
				if err != nil {
					e.logger.Printf("⚠️ rejected proposal %s: %v", msg.block.ID, err)
				}
				if msg.reply != nil {
					msg.reply <- err
				}
			case voteMsg:
				if err := e.handleVote(ctx, msg); err != nil {
					e.logger.Printf("⚠️ vote handling failed: %v", err)
				}
			case timerMsg:
				if err := e.handleTimer(ctx, msg); err != nil {
					e.logger.Printf("⚠️ timer handling failed: %v", err)
				}
			case executionResultMsg:
				if msg.err != nil {
					e.logger.Printf("⚠️ execution failed for block %s: %v", msg.blockID, msg.err)
				}
				if msg.done != nil {
					close(msg.done)
				}
			case shutdownMsg:
				e.logger.Printf("🛑 draining to safe boundary before shutdown")
				if msg.done != nil {
					close(msg.done)
				}
				return
			}
		}
	}
}

// handleProposal validates a block against the safety rules, inserts it,
// advances the three-chain registers, and votes if appropriate. Called
// both for proposals received from siblings and for blocks this replica
// fabricates itself as leader.
func (e *Engine) handleProposal(ctx context.Context, b dantypes.Block, pledge dantypes.BlockPledge) error {
	if dantypes.ComputeBlockID(b.Header) != b.ID {
		return dynerr.SafetyViolation(b.ID.String())
	}
	if dantypes.ComputeCommandMerkleRoot(b.Commands) != b.Header.CommandMerkleRoot {
		return dynerr.SafetyViolation(b.ID.String())
	}

	exists, err := e.graph.Exists(ctx, b.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if !b.Header.IsDummy && e.committee != nil {
		wantLeader, err := e.committee.LeaderAt(b.Header.Epoch, b.Header.ShardGroup, b.Header.Height)
		if err != nil {
			return err
		}
		if !bytes.Equal(wantLeader, b.Header.ProposedBy) {
			return dynerr.SafetyViolation(b.ID.String())
		}
	}

	if lockedID, lockedHeight, haveLocked, err := e.regs.LockedBlock(b.Header.Epoch); err != nil {
		return err
	} else if haveLocked {
		safe, err := safeNode(ctx, e.graph, b, lockedID, lockedHeight)
		if err != nil {
			return err
		}
		if !safe {
			return dynerr.SafetyViolation(b.ID.String())
		}
	}

	if err := e.graph.Insert(ctx, b); err != nil {
		return err
	}

	if leafID, leafHeight, haveLeaf, err := e.regs.LeafBlock(b.Header.Epoch); err != nil {
		return err
	} else if !haveLeaf || b.Header.Height > leafHeight {
		if err := e.regs.SetLeafBlock(b.Header.Epoch, b.ID, b.Header.Height); err != nil {
			return err
		}
		_ = leafID
	}

	e.accountForProposer(ctx, b)

	if err := e.advanceChain(ctx, b); err != nil {
		return err
	}

	return e.maybeVote(ctx, b)
}

// advanceChain implements the 3-chain walk triggered by a new block's
// justify QC: the prepared node (two hops back through Justify from the
// block being processed) becomes the new lock candidate, and if it plus
// its own justify chain form an uninterrupted 3-chain, the oldest of the
// three commits.
func (e *Engine) advanceChain(ctx context.Context, b dantypes.Block) error {
	if b.Justify.IsGenesis() {
		return nil
	}
	if err := updateHighQC(e.regs, b.Justify); err != nil {
		return err
	}

	justified1, err := e.graph.Get(ctx, b.Justify.BlockID)
	if err != nil {
		return err
	}

	// The lock rule locks the prepared node (two hops back via Justify),
	// not the one-hop justified node. If justified1's own Justify is the
	// genesis QC, the prepared node is the genesis block itself and
	// there is nothing to lock yet.
	if justified1.Justify.IsGenesis() {
		return nil
	}
	justified2, err := e.graph.Get(ctx, justified1.Justify.BlockID)
	if err != nil {
		return err
	}
	if err := tryLock(ctx, e.graph, e.regs, b.Header.Epoch, justified2, e.onLock); err != nil {
		return err
	}

	if justified2.Justify.IsGenesis() {
		return nil
	}
	justified3, err := e.graph.Get(ctx, justified2.Justify.BlockID)
	if err != nil {
		return err
	}
	if !contiguous3Chain(justified3, justified2, justified1) {
		return nil
	}
	return tryCommit(ctx, e.graph, e.regs, b.Header.Epoch, justified3, e.onCommit)
}

func (e *Engine) onLock(ctx context.Context, locked dantypes.Block) error {
	e.logger.Printf("🔒 locked block %s (height %d)", locked.ID, locked.Header.Height)
	if e.foreign == nil {
		return nil
	}
	return e.foreign.OnLocked(ctx, locked)
}

// onCommit applies the committed block's substate diff, replays its
// per-shard state tree diffs, marks it committed, prunes every abandoned
// parallel chain at its height, and finally notifies the foreign bus.
func (e *Engine) onCommit(ctx context.Context, committed dantypes.Block) error {
	diff, err := e.graph.DiffFor(ctx, committed.ID)
	if err != nil && !dynerr.IsKind(err, dynerr.KindNotFound) {
		return err
	}
	if err := e.store.ApplyDiff(ctx, committed.Header.IsDummy, committed.Header.Epoch, committed.Header.Height, diff); err != nil {
		return err
	}

	shardsTouched := map[dantypes.Shard]struct{}{}
	for _, c := range diff.Changes {
		shardsTouched[c.Shard] = struct{}{}
	}
	for shard := range shardsTouched {
		tree, ok := e.trees[shard]
		if !ok {
			continue
		}
		pending, err := e.graph.TreeDiffFor(ctx, committed.ID, shard)
		if err != nil {
			if dynerr.IsKind(err, dynerr.KindNotFound) {
				continue
			}
			return err
		}
		tree.Apply(pending.Diff)
	}

	committedFlag := true
	if err := e.graph.SetFlags(ctx, committed.ID, nil, &committedFlag); err != nil {
		return err
	}
	if err := e.graph.DeleteParallelChains(ctx, committed); err != nil {
		return err
	}

	e.logger.Printf("✅ committed block %s (height %d, %d changes)", committed.ID, committed.Header.Height, len(diff.Changes))

	if e.foreign != nil {
		if err := e.foreign.OnCommitted(ctx, committed, diff); err != nil {
			return err
		}
	}
	return nil
}

// accountForProposer records the leader-failure bookkeeping of spec
// §4.9: a dummy block blames the height's expected (and absent) leader,
// a real proposal resets that leader's missed count. A positive
// maxMissedPerEpoch caps the count per epoch.
func (e *Engine) accountForProposer(ctx context.Context, b dantypes.Block) {
	if e.stats == nil || e.committee == nil {
		return
	}
	expectedLeader, err := e.committee.LeaderAt(b.Header.Epoch, b.Header.ShardGroup, b.Header.Height)
	if err != nil {
		return
	}
	if b.Header.IsDummy {
		if e.maxMissedPerEpoch > 0 {
			missed, err := e.stats.MissedCount(ctx, expectedLeader, b.Header.Epoch)
			if err != nil {
				e.logger.Printf("⚠️ failed to read missed-proposal count: %v", err)
				return
			}
			if missed >= e.maxMissedPerEpoch {
				return
			}
		}
		if _, err := e.stats.IncrementMissed(ctx, expectedLeader, b.Header.Epoch); err != nil {
			e.logger.Printf("⚠️ failed to record missed proposal: %v", err)
		}
		return
	}
	if err := e.stats.ResetMissed(ctx, b.Header.ProposedBy, b.Header.Epoch); err != nil {
		e.logger.Printf("⚠️ failed to reset missed-proposal count: %v", err)
	}
}

// combinedStateRoot hashes the sorted per-shard tree roots into the
// single state_merkle_root a block header carries. Deterministic
// regardless of map iteration order; an engine with no assigned shards
// (not expected in practice) falls back to the canonical empty-tree root.
func (e *Engine) combinedStateRoot() dantypes.Hash32 {
	if len(e.trees) == 0 {
		return dantypes.HashBytes(nil)
	}
	shards := make([]dantypes.Shard, 0, len(e.trees))
	for s := range e.trees {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	var buf bytes.Buffer
	for _, s := range shards {
		root := e.trees[s].Root()
		buf.Write(root[:])
	}
	return dantypes.HashBytes(buf.Bytes())
}
