package p2p

import (
	"time"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// Wire shapes mirror pkg/database/codec.go's approach to the same
// problem: Evidence and BlockPledge key their maps by ShardGroup and
// TransactionId, neither a string, integer or encoding.TextMarshaler, so
// encoding/json cannot marshal them as object keys directly. These
// shapes flatten every such map to an explicit slice of key/value pairs
// before it crosses the wire.

type shardGroupWire struct {
	Start dantypes.Shard `json:"start"`
	End   dantypes.Shard `json:"end"`
}

func toShardGroupWire(g dantypes.ShardGroup) shardGroupWire {
	return shardGroupWire{Start: g.Start, End: g.End}
}

func (w shardGroupWire) shardGroup() dantypes.ShardGroup {
	return dantypes.ShardGroup{Start: w.Start, End: w.End}
}

type shardEvidenceWire struct {
	Group    shardGroupWire        `json:"group"`
	Inputs   []dantypes.SubstateId `json:"inputs"`
	Outputs  []dantypes.SubstateId `json:"outputs"`
	Decision dantypes.Decision     `json:"decision"`
}

func toEvidenceWire(ev dantypes.Evidence) []shardEvidenceWire {
	out := make([]shardEvidenceWire, 0, len(ev))
	for g, se := range ev {
		out = append(out, shardEvidenceWire{
			Group:    toShardGroupWire(g),
			Inputs:   se.Inputs,
			Outputs:  se.Outputs,
			Decision: se.Decision,
		})
	}
	return out
}

func fromEvidenceWire(in []shardEvidenceWire) dantypes.Evidence {
	ev := make(dantypes.Evidence, len(in))
	for _, se := range in {
		ev[se.Group.shardGroup()] = dantypes.ShardEvidence{Inputs: se.Inputs, Outputs: se.Outputs, Decision: se.Decision}
	}
	return ev
}

type atomWire struct {
	TransactionID  dantypes.TransactionId `json:"transaction_id"`
	Decision       dantypes.Decision      `json:"decision"`
	Evidence       []shardEvidenceWire    `json:"evidence"`
	TransactionFee uint64                 `json:"transaction_fee"`
	LeaderFee      uint64                 `json:"leader_fee"`
}

func toAtomWire(a dantypes.Atom) atomWire {
	return atomWire{
		TransactionID:  a.TransactionID,
		Decision:       a.Decision,
		Evidence:       toEvidenceWire(a.Evidence),
		TransactionFee: a.TransactionFee,
		LeaderFee:      a.LeaderFee,
	}
}

func fromAtomWire(w atomWire) dantypes.Atom {
	return dantypes.Atom{
		TransactionID:  w.TransactionID,
		Decision:       w.Decision,
		Evidence:       fromEvidenceWire(w.Evidence),
		TransactionFee: w.TransactionFee,
		LeaderFee:      w.LeaderFee,
	}
}

type commandWire struct {
	Kind      dantypes.CommandKind `json:"kind"`
	Atom      *atomWire            `json:"atom,omitempty"`
	Foreign   *atomWire            `json:"foreign_atom,omitempty"`
	FromShard *shardGroupWire      `json:"from_shard,omitempty"`
}

func toCommandsWire(cmds []dantypes.Command) []commandWire {
	out := make([]commandWire, len(cmds))
	for i, c := range cmds {
		cw := commandWire{Kind: c.Kind}
		if c.Atom != nil {
			a := toAtomWire(*c.Atom)
			cw.Atom = &a
		}
		if c.Foreign != nil {
			a := toAtomWire(c.Foreign.Atom)
			cw.Foreign = &a
			fs := toShardGroupWire(c.Foreign.FromShard)
			cw.FromShard = &fs
		}
		out[i] = cw
	}
	return out
}

func fromCommandsWire(in []commandWire) []dantypes.Command {
	out := make([]dantypes.Command, len(in))
	for i, cw := range in {
		c := dantypes.Command{Kind: cw.Kind}
		if cw.Atom != nil {
			a := fromAtomWire(*cw.Atom)
			c.Atom = &a
		}
		if cw.Foreign != nil {
			a := fromAtomWire(*cw.Foreign)
			var fg dantypes.ShardGroup
			if cw.FromShard != nil {
				fg = cw.FromShard.shardGroup()
			}
			c.Foreign = &dantypes.ForeignAtomData{Atom: a, FromShard: fg}
		}
		out[i] = c
	}
	return out
}

type foreignIndexWire struct {
	Shard dantypes.Shard `json:"shard"`
	Index uint64         `json:"index"`
}

func toForeignIndexesWire(m map[dantypes.Shard]uint64) []foreignIndexWire {
	out := make([]foreignIndexWire, 0, len(m))
	for s, v := range m {
		out = append(out, foreignIndexWire{Shard: s, Index: v})
	}
	return out
}

func fromForeignIndexesWire(in []foreignIndexWire) map[dantypes.Shard]uint64 {
	out := make(map[dantypes.Shard]uint64, len(in))
	for _, fi := range in {
		out[fi.Shard] = fi.Index
	}
	return out
}

type blockHeaderWire struct {
	Network              string             `json:"network"`
	ParentID             dantypes.BlockId   `json:"parent_id"`
	JustifyQcID          dantypes.Hash32    `json:"justify_qc_id"`
	Height               dantypes.NodeHeight `json:"height"`
	Epoch                dantypes.Epoch     `json:"epoch"`
	ShardGroup           shardGroupWire     `json:"shard_group"`
	ProposedBy           []byte             `json:"proposed_by"`
	StateMerkleRoot      dantypes.Hash32    `json:"state_merkle_root"`
	CommandMerkleRoot    dantypes.Hash32    `json:"command_merkle_root"`
	TotalLeaderFee       uint64             `json:"total_leader_fee"`
	IsDummy              bool               `json:"is_dummy"`
	ForeignIndexes       []foreignIndexWire `json:"foreign_indexes"`
	Timestamp            time.Time          `json:"timestamp"`
	BaseLayerBlockHeight uint64             `json:"base_layer_block_height"`
	BaseLayerBlockHash   dantypes.Hash32    `json:"base_layer_block_hash"`
	ExtraData            []byte             `json:"extra_data"`
	Signature            []byte             `json:"signature"`
}

func toHeaderWire(h dantypes.BlockHeader) blockHeaderWire {
	return blockHeaderWire{
		Network:              h.Network,
		ParentID:             h.ParentID,
		JustifyQcID:          h.JustifyQcID,
		Height:               h.Height,
		Epoch:                h.Epoch,
		ShardGroup:           toShardGroupWire(h.ShardGroup),
		ProposedBy:           h.ProposedBy,
		StateMerkleRoot:      h.StateMerkleRoot,
		CommandMerkleRoot:    h.CommandMerkleRoot,
		TotalLeaderFee:       h.TotalLeaderFee,
		IsDummy:              h.IsDummy,
		ForeignIndexes:       toForeignIndexesWire(h.ForeignIndexes),
		Timestamp:            h.Timestamp,
		BaseLayerBlockHeight: h.BaseLayerBlockHeight,
		BaseLayerBlockHash:   h.BaseLayerBlockHash,
		ExtraData:            h.ExtraData,
		Signature:            h.Signature,
	}
}

func fromHeaderWire(w blockHeaderWire) dantypes.BlockHeader {
	return dantypes.BlockHeader{
		Network:              w.Network,
		ParentID:             w.ParentID,
		JustifyQcID:          w.JustifyQcID,
		Height:               w.Height,
		Epoch:                w.Epoch,
		ShardGroup:           w.ShardGroup.shardGroup(),
		ProposedBy:           w.ProposedBy,
		StateMerkleRoot:      w.StateMerkleRoot,
		CommandMerkleRoot:    w.CommandMerkleRoot,
		TotalLeaderFee:       w.TotalLeaderFee,
		IsDummy:              w.IsDummy,
		ForeignIndexes:       fromForeignIndexesWire(w.ForeignIndexes),
		Timestamp:            w.Timestamp,
		BaseLayerBlockHeight: w.BaseLayerBlockHeight,
		BaseLayerBlockHash:   w.BaseLayerBlockHash,
		ExtraData:            w.ExtraData,
		Signature:            w.Signature,
	}
}

type qcWire struct {
	Epoch              dantypes.Epoch      `json:"epoch"`
	ShardGroup         shardGroupWire      `json:"shard_group"`
	BlockID            dantypes.BlockId    `json:"block_id"`
	BlockHeight        dantypes.NodeHeight `json:"block_height"`
	Decision           dantypes.Decision   `json:"decision"`
	Signatures         [][]byte            `json:"signatures"`
	SignerPublicKeys   [][]byte            `json:"signer_public_keys"`
	AggregateSignature []byte              `json:"aggregate_signature"`
}

func toQCWire(qc dantypes.QuorumCertificate) qcWire {
	return qcWire{
		Epoch:              qc.Epoch,
		ShardGroup:         toShardGroupWire(qc.ShardGroup),
		BlockID:            qc.BlockID,
		BlockHeight:        qc.BlockHeight,
		Decision:           qc.Decision,
		Signatures:         qc.Signatures,
		SignerPublicKeys:   qc.SignerPublicKeys,
		AggregateSignature: qc.AggregateSignature,
	}
}

func fromQCWire(w qcWire) dantypes.QuorumCertificate {
	return dantypes.QuorumCertificate{
		Epoch:              w.Epoch,
		ShardGroup:         w.ShardGroup.shardGroup(),
		BlockID:            w.BlockID,
		BlockHeight:        w.BlockHeight,
		Decision:           w.Decision,
		Signatures:         w.Signatures,
		SignerPublicKeys:   w.SignerPublicKeys,
		AggregateSignature: w.AggregateSignature,
	}
}

type blockWire struct {
	ID       dantypes.BlockId `json:"id"`
	Header   blockHeaderWire  `json:"header"`
	Justify  qcWire           `json:"justify"`
	Commands []commandWire    `json:"commands"`
	StoredAt time.Time        `json:"stored_at"`
}

func toBlockWire(b dantypes.Block) blockWire {
	return blockWire{
		ID:       b.ID,
		Header:   toHeaderWire(b.Header),
		Justify:  toQCWire(b.Justify),
		Commands: toCommandsWire(b.Commands),
		StoredAt: b.StoredAt,
	}
}

func fromBlockWire(w blockWire) dantypes.Block {
	return dantypes.Block{
		ID:       w.ID,
		Header:   fromHeaderWire(w.Header),
		Justify:  fromQCWire(w.Justify),
		Commands: fromCommandsWire(w.Commands),
		StoredAt: w.StoredAt,
	}
}

type pledgeEntryWire struct {
	TransactionID dantypes.TransactionId    `json:"transaction_id"`
	Pledges       []dantypes.SubstatePledge `json:"pledges"`
}

func toPledgeWire(p dantypes.BlockPledge) []pledgeEntryWire {
	out := make([]pledgeEntryWire, 0, len(p))
	for txID, pledges := range p {
		out = append(out, pledgeEntryWire{TransactionID: txID, Pledges: pledges})
	}
	return out
}

func fromPledgeWire(in []pledgeEntryWire) dantypes.BlockPledge {
	out := make(dantypes.BlockPledge, len(in))
	for _, e := range in {
		out[e.TransactionID] = e.Pledges
	}
	return out
}

// Proposal pairs a block with the pledge set it carries, the unit
// exchanged over /p2p/proposal and returned in bulk by a sync response.
type Proposal struct {
	Block   dantypes.Block
	Pledges dantypes.BlockPledge
}

// proposalWire is the body POSTed to /p2p/proposal.
type proposalWire struct {
	Block   blockWire         `json:"block"`
	Pledges []pledgeEntryWire `json:"pledges"`
}

func toProposalWire(p Proposal) proposalWire {
	return proposalWire{Block: toBlockWire(p.Block), Pledges: toPledgeWire(p.Pledges)}
}

func fromProposalWire(w proposalWire) Proposal {
	return Proposal{Block: fromBlockWire(w.Block), Pledges: fromPledgeWire(w.Pledges)}
}

// voteWire is the body POSTed to /p2p/vote.
type voteWire struct {
	BlockID   dantypes.BlockId    `json:"block_id"`
	Epoch     dantypes.Epoch      `json:"epoch"`
	Height    dantypes.NodeHeight `json:"height"`
	Decision  dantypes.Decision   `json:"decision"`
	Signature []byte              `json:"signature"`
	Signer    []byte              `json:"signer"`
}

// foreignProposalWire is the body POSTed to /p2p/foreign-proposal.
type foreignProposalWire struct {
	To           shardGroupWire    `json:"to"`
	BlockID      dantypes.BlockId  `json:"block_id"`
	ForeignIndex uint64            `json:"foreign_index"`
	Pledges      []pledgeEntryWire `json:"pledges"`
}

// SyncRequest asks a peer for every block it has from AfterHeight
// (exclusive) up to and including ToHeight in a given epoch/shard group,
// the catch-up path for a replica that fell behind the leaf.
type SyncRequest struct {
	Epoch       dantypes.Epoch
	ShardGroup  dantypes.ShardGroup
	AfterHeight dantypes.NodeHeight
	ToHeight    dantypes.NodeHeight
}

type syncRequestWire struct {
	Epoch       dantypes.Epoch      `json:"epoch"`
	ShardGroup  shardGroupWire      `json:"shard_group"`
	AfterHeight dantypes.NodeHeight `json:"after_height"`
	ToHeight    dantypes.NodeHeight `json:"to_height"`
}

func toSyncRequestWire(r SyncRequest) syncRequestWire {
	return syncRequestWire{
		Epoch:       r.Epoch,
		ShardGroup:  toShardGroupWire(r.ShardGroup),
		AfterHeight: r.AfterHeight,
		ToHeight:    r.ToHeight,
	}
}

func fromSyncRequestWire(w syncRequestWire) SyncRequest {
	return SyncRequest{
		Epoch:       w.Epoch,
		ShardGroup:  w.ShardGroup.shardGroup(),
		AfterHeight: w.AfterHeight,
		ToHeight:    w.ToHeight,
	}
}

// SyncResponse carries the requested blocks, oldest first. handleSync
// leaves each Proposal's pledge set empty.
type SyncResponse struct {
	Blocks []Proposal
}

type syncResponseWire struct {
	Blocks []proposalWire `json:"blocks"`
}

func toSyncResponseWire(r SyncResponse) syncResponseWire {
	out := make([]proposalWire, len(r.Blocks))
	for i, p := range r.Blocks {
		out[i] = toProposalWire(p)
	}
	return syncResponseWire{Blocks: out}
}

func fromSyncResponseWire(w syncResponseWire) SyncResponse {
	out := make([]Proposal, len(w.Blocks))
	for i, p := range w.Blocks {
		out[i] = fromProposalWire(p)
	}
	return SyncResponse{Blocks: out}
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
