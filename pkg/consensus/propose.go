package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/dan-network/validator-core/pkg/crypto/bls"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// maybeVote signs and delivers a vote for b, unless this replica has
// already voted at or past its height this epoch. Votes route to the
// leader of the following height, per chained-HotStuff convention: that
// leader collects the quorum and carries it forward as the next
// proposal's justify QC.
//
// BlockHeader.Signature is never set by this engine: a block's
// authenticity comes from the 2f+1 vote signatures that form the QC
// justifying it, not from a single leader signature, so the field stays
// at its zero value exactly as NewGenesisBlock leaves it.
func (e *Engine) maybeVote(ctx context.Context, b dantypes.Block) error {
	if lastVoted, ok, err := e.regs.LastVoted(b.Header.Epoch); err != nil {
		return err
	} else if ok && b.Header.Height <= lastVoted {
		return nil
	}

	sig := e.localKey.SignWithDomain(b.ID[:], bls.DomainVote)

	if err := e.regs.SetLastVoted(b.Header.Epoch, b.Header.Height); err != nil {
		return err
	}

	vote := Vote{
		BlockID:   b.ID,
		Epoch:     b.Header.Epoch,
		Height:    b.Header.Height,
		Decision:  dantypes.DecisionCommit,
		Signature: sig.Bytes(),
		Signer:    e.localPub.Bytes(),
	}

	if e.committee == nil {
		return nil
	}
	collector, err := e.committee.LeaderAt(b.Header.Epoch, b.Header.ShardGroup, b.Header.Height+1)
	if err != nil {
		return err
	}

	if string(collector) == string(e.localPub.Bytes()) {
		return e.handleVote(ctx, voteMsg{
			blockID: vote.BlockID, epoch: vote.Epoch, height: vote.Height,
			decision: vote.Decision, signature: vote.Signature, signer: vote.Signer,
		})
	}
	if e.votes == nil {
		return nil
	}
	return e.votes.SendVote(ctx, collector, vote)
}

// handleVote accumulates a vote into its block's bucket and, once a
// quorum is reached, aggregates the signatures into a QC and proposes
// the next block with it as justify.
func (e *Engine) handleVote(ctx context.Context, v voteMsg) error {
	bucket, ok := e.pending[v.blockID]
	if !ok {
		bucket = map[string]voteMsg{}
		e.pending[v.blockID] = bucket
	}
	bucket[string(v.signer)] = v

	if e.committee == nil {
		return nil
	}
	quorum, err := e.committee.QuorumSize(v.epoch, e.group)
	if err != nil {
		return err
	}
	if len(bucket) < quorum {
		return nil
	}

	qc, err := buildQC(v, bucket, e.group)
	if err != nil {
		return err
	}
	delete(e.pending, v.blockID)

	return e.propose(ctx, v.epoch, v.height+1, qc)
}

// buildQC aggregates every collected vote's BLS signature into one
// QuorumCertificate. Individual signatures are kept alongside the
// aggregate so a verifier can fall back to checking them one at a time.
func buildQC(v voteMsg, bucket map[string]voteMsg, group dantypes.ShardGroup) (dantypes.QuorumCertificate, error) {
	sigs := make([]*bls.Signature, 0, len(bucket))
	rawSigs := make([][]byte, 0, len(bucket))
	signers := make([][]byte, 0, len(bucket))
	for _, vm := range bucket {
		sig, err := bls.SignatureFromBytes(vm.signature)
		if err != nil {
			return dantypes.QuorumCertificate{}, dynerr.DataInconsistency(v.blockID.String(), err)
		}
		sigs = append(sigs, sig)
		rawSigs = append(rawSigs, vm.signature)
		signers = append(signers, vm.signer)
	}
	agg, err := bls.AggregateSignatures(sigs)
	if err != nil {
		return dantypes.QuorumCertificate{}, dynerr.DataInconsistency(v.blockID.String(), err)
	}
	return dantypes.QuorumCertificate{
		Epoch:              v.epoch,
		ShardGroup:         group,
		BlockID:            v.blockID,
		BlockHeight:        v.height,
		Decision:           dantypes.DecisionCommit,
		Signatures:         rawSigs,
		SignerPublicKeys:   signers,
		AggregateSignature: agg.Bytes(),
	}, nil
}

// propose builds and broadcasts the next real block as leader, wrapping
// up to maxCommandsPerBlock fee-ordered pool entries in Prepare commands.
func (e *Engine) propose(ctx context.Context, epoch dantypes.Epoch, height dantypes.NodeHeight, justify dantypes.QuorumCertificate) error {
	if already, ok, err := e.regs.LastProposed(epoch); err != nil {
		return err
	} else if ok && height <= already {
		return nil
	}

	parent, err := e.graph.Get(ctx, justify.BlockID)
	if err != nil {
		return err
	}

	txIDs := e.pool.SelectNextCommands(maxCommandsPerBlock)
	commands := make([]dantypes.Command, 0, len(txIDs))
	for _, txID := range txIDs {
		entry, err := e.pool.Get(ctx, txID)
		if err != nil {
			return err
		}
		commands = append(commands, dantypes.Command{
			Kind: dantypes.CommandPrepare,
			Atom: &dantypes.Atom{
				TransactionID: txID,
				Decision:      dantypes.DecisionCommit,
				Evidence:      entry.Evidence,
			},
		})
	}
	dantypes.SortCommands(commands)

	header := dantypes.BlockHeader{
		Network:           e.network,
		ParentID:          parent.ID,
		JustifyQcID:       justify.ID(),
		Height:            height,
		Epoch:             epoch,
		ShardGroup:        e.group,
		ProposedBy:        e.localPub.Bytes(),
		StateMerkleRoot:   e.combinedStateRoot(),
		CommandMerkleRoot: dantypes.ComputeCommandMerkleRoot(commands),
		ForeignIndexes:    map[dantypes.Shard]uint64{},
		Timestamp:         time.Now(),
	}
	block := dantypes.Block{
		ID:       dantypes.ComputeBlockID(header),
		Header:   header,
		Justify:  justify,
		Commands: commands,
		StoredAt: header.Timestamp,
	}

	if err := e.regs.SetLastProposed(epoch, height); err != nil {
		return err
	}
	return e.finishProposal(ctx, block, dantypes.BlockPledge{})
}

// proposeDummy fabricates a commands-empty block reusing the parent's
// state root, substituting for a leader who missed its view. Applying a
// dummy block's (necessarily empty) diff is a no-op in substatestore.
func (e *Engine) proposeDummy(ctx context.Context, epoch dantypes.Epoch, height dantypes.NodeHeight, justify dantypes.QuorumCertificate) error {
	if already, ok, err := e.regs.LastProposed(epoch); err != nil {
		return err
	} else if ok && height <= already {
		return nil
	}

	parent, err := e.graph.Get(ctx, justify.BlockID)
	if err != nil {
		return err
	}

	header := dantypes.BlockHeader{
		Network:           e.network,
		ParentID:          parent.ID,
		JustifyQcID:       justify.ID(),
		Height:            height,
		Epoch:             epoch,
		ShardGroup:        e.group,
		ProposedBy:        e.localPub.Bytes(),
		StateMerkleRoot:   parent.Header.StateMerkleRoot,
		CommandMerkleRoot: dantypes.ComputeCommandMerkleRoot(nil),
		IsDummy:           true,
		ForeignIndexes:    map[dantypes.Shard]uint64{},
		Timestamp:         time.Now(),
	}
	block := dantypes.Block{
		ID:       dantypes.ComputeBlockID(header),
		Header:   header,
		Justify:  justify,
		StoredAt: header.Timestamp,
	}

	if err := e.regs.SetLastProposed(epoch, height); err != nil {
		return err
	}
	return e.finishProposal(ctx, block, dantypes.BlockPledge{})
}

// finishProposal processes a locally-fabricated block exactly as if it
// had arrived from a sibling, then broadcasts it.
func (e *Engine) finishProposal(ctx context.Context, block dantypes.Block, pledge dantypes.BlockPledge) error {
	if err := e.handleProposal(ctx, block, pledge); err != nil {
		return fmt.Errorf("processing own proposal: %w", err)
	}
	if e.proposals != nil {
		if err := e.proposals.BroadcastProposal(ctx, block, pledge); err != nil {
			e.logger.Printf("⚠️ failed to broadcast proposal %s: %v", block.ID, err)
		}
	}
	return nil
}

// handleTimer fabricates a dummy block when this replica is the leader
// of the height after the current leaf and no real proposal has arrived
// before the view timeout.
func (e *Engine) handleTimer(ctx context.Context, t timerMsg) error {
	leafID, leafHeight, haveLeaf, err := e.regs.LeafBlock(t.epoch)
	if err != nil {
		return err
	}
	if !haveLeaf || leafHeight >= t.height {
		return nil
	}

	leaf, err := e.graph.Get(ctx, leafID)
	if err != nil {
		return err
	}
	nextHeight := leaf.Header.Height + 1

	if e.committee == nil {
		return nil
	}
	leader, err := e.committee.LeaderAt(t.epoch, e.group, nextHeight)
	if err != nil {
		return err
	}
	if string(leader) != string(e.localPub.Bytes()) {
		return nil
	}

	highQC, ok, err := e.regs.HighQC(t.epoch)
	if err != nil {
		return err
	}
	if !ok {
		highQC = dantypes.GenesisQC(e.group, t.epoch)
	}
	return e.proposeDummy(ctx, t.epoch, nextHeight, highQC)
}
