package rpc

import (
	"encoding/hex"
	"time"

	"github.com/dan-network/validator-core/pkg/database"
	"github.com/dan-network/validator-core/pkg/dantypes"
)

// This file flattens dantypes/database values into JSON-friendly shapes
// for RPC responses, the same map-key and byte-array problem pkg/database
// (codec.go) and pkg/p2p (wire.go) each solve at their own boundary.

type shardGroupWire struct {
	Start dantypes.Shard `json:"start"`
	End   dantypes.Shard `json:"end"`
}

func toShardGroupWire(g dantypes.ShardGroup) shardGroupWire {
	return shardGroupWire{Start: g.Start, End: g.End}
}

type shardEvidenceWire struct {
	Group    shardGroupWire       `json:"group"`
	Inputs   []dantypes.SubstateId  `json:"inputs"`
	Outputs  []dantypes.SubstateId  `json:"outputs"`
	Decision dantypes.Decision      `json:"decision"`
}

func toEvidenceWire(ev dantypes.Evidence) []shardEvidenceWire {
	out := make([]shardEvidenceWire, 0, len(ev))
	for g, se := range ev {
		out = append(out, shardEvidenceWire{
			Group: toShardGroupWire(g), Inputs: se.Inputs, Outputs: se.Outputs, Decision: se.Decision,
		})
	}
	return out
}

func fromEvidenceWire(in []shardEvidenceWire) dantypes.Evidence {
	out := make(dantypes.Evidence, len(in))
	for _, w := range in {
		g := dantypes.ShardGroup{Start: w.Group.Start, End: w.Group.End}
		out[g] = dantypes.ShardEvidence{Inputs: w.Inputs, Outputs: w.Outputs, Decision: w.Decision}
	}
	return out
}

type atomWire struct {
	TransactionID  string              `json:"transaction_id"`
	Decision       dantypes.Decision   `json:"decision"`
	Evidence       []shardEvidenceWire `json:"evidence"`
	TransactionFee uint64              `json:"transaction_fee"`
	LeaderFee      uint64              `json:"leader_fee"`
}

func toAtomWire(a dantypes.Atom) atomWire {
	return atomWire{
		TransactionID:  a.TransactionID.String(),
		Decision:       a.Decision,
		Evidence:       toEvidenceWire(a.Evidence),
		TransactionFee: a.TransactionFee,
		LeaderFee:      a.LeaderFee,
	}
}

type commandWire struct {
	Kind      dantypes.CommandKind `json:"kind"`
	Atom      *atomWire            `json:"atom,omitempty"`
	Foreign   *atomWire            `json:"foreign_atom,omitempty"`
	FromShard *shardGroupWire      `json:"from_shard,omitempty"`
}

func toCommandsWire(cmds []dantypes.Command) []commandWire {
	out := make([]commandWire, 0, len(cmds))
	for _, c := range cmds {
		cw := commandWire{Kind: c.Kind}
		if c.Atom != nil {
			a := toAtomWire(*c.Atom)
			cw.Atom = &a
		}
		if c.Foreign != nil {
			a := toAtomWire(c.Foreign.Atom)
			fg := toShardGroupWire(c.Foreign.FromShard)
			cw.Foreign = &a
			cw.FromShard = &fg
		}
		out = append(out, cw)
	}
	return out
}

type blockHeaderWire struct {
	Network              string          `json:"network"`
	ParentID             string          `json:"parent_id"`
	JustifyQcID          string          `json:"justify_qc_id"`
	Height               dantypes.NodeHeight `json:"height"`
	Epoch                dantypes.Epoch      `json:"epoch"`
	ShardGroup           shardGroupWire  `json:"shard_group"`
	ProposedBy           string          `json:"proposed_by"`
	StateMerkleRoot      string          `json:"state_merkle_root"`
	CommandMerkleRoot    string          `json:"command_merkle_root"`
	TotalLeaderFee       uint64          `json:"total_leader_fee"`
	IsDummy              bool            `json:"is_dummy"`
	Timestamp            time.Time       `json:"timestamp"`
	BaseLayerBlockHeight uint64          `json:"base_layer_block_height"`
	BaseLayerBlockHash   string          `json:"base_layer_block_hash"`
}

type blockWire struct {
	ID          string          `json:"id"`
	Header      blockHeaderWire `json:"header"`
	Commands    []commandWire   `json:"commands"`
	IsJustified bool            `json:"is_justified"`
	IsCommitted bool            `json:"is_committed"`
	StoredAt    time.Time       `json:"stored_at"`
}

func toBlockWire(b dantypes.Block) blockWire {
	return blockWire{
		ID: b.ID.String(),
		Header: blockHeaderWire{
			Network:              b.Header.Network,
			ParentID:             b.Header.ParentID.String(),
			JustifyQcID:          b.Header.JustifyQcID.String(),
			Height:               b.Header.Height,
			Epoch:                b.Header.Epoch,
			ShardGroup:           toShardGroupWire(b.Header.ShardGroup),
			ProposedBy:           hex.EncodeToString(b.Header.ProposedBy),
			StateMerkleRoot:      b.Header.StateMerkleRoot.String(),
			CommandMerkleRoot:    b.Header.CommandMerkleRoot.String(),
			TotalLeaderFee:       b.Header.TotalLeaderFee,
			IsDummy:              b.Header.IsDummy,
			Timestamp:            b.Header.Timestamp,
			BaseLayerBlockHeight: b.Header.BaseLayerBlockHeight,
			BaseLayerBlockHash:   b.Header.BaseLayerBlockHash.String(),
		},
		Commands:    toCommandsWire(b.Commands),
		IsJustified: b.IsJustified,
		IsCommitted: b.IsCommitted,
		StoredAt:    b.StoredAt,
	}
}

type substateWire struct {
	ID                     dantypes.SubstateId `json:"id"`
	Version                uint64              `json:"version"`
	Value                  []byte              `json:"value"`
	CreatedEpoch           dantypes.Epoch      `json:"created_epoch"`
	CreatedHeight          dantypes.NodeHeight `json:"created_height"`
	CreatedByBlock         string              `json:"created_by_block"`
	CreatedByTransaction   string              `json:"created_by_transaction"`
	DestroyedByBlock       *string             `json:"destroyed_by_block,omitempty"`
	DestroyedByTransaction *string             `json:"destroyed_by_transaction,omitempty"`
}

func toSubstateWire(s dantypes.Substate) substateWire {
	w := substateWire{
		ID: s.ID, Version: s.Version, Value: s.Value,
		CreatedEpoch: s.CreatedEpoch, CreatedHeight: s.CreatedHeight,
		CreatedByBlock:       s.CreatedByBlock.String(),
		CreatedByTransaction: s.CreatedByTransaction.String(),
	}
	if s.DestroyedByBlock != nil {
		v := s.DestroyedByBlock.String()
		w.DestroyedByBlock = &v
	}
	if s.DestroyedByTransaction != nil {
		v := s.DestroyedByTransaction.String()
		w.DestroyedByTransaction = &v
	}
	return w
}

func toSubstatesWire(in []dantypes.Substate) []substateWire {
	out := make([]substateWire, len(in))
	for i, s := range in {
		out[i] = toSubstateWire(s)
	}
	return out
}

type poolEntryWire struct {
	TransactionID string              `json:"transaction_id"`
	Stage         database.PoolStage  `json:"stage"`
	Evidence      []shardEvidenceWire `json:"evidence"`
	FeeRate       uint64              `json:"fee_rate"`
}

func toPoolEntryWire(e database.PoolEntry) poolEntryWire {
	return poolEntryWire{
		TransactionID: e.TransactionID.String(),
		Stage:         e.Stage,
		Evidence:      toEvidenceWire(e.Evidence),
		FeeRate:       e.FeeRate,
	}
}

func toPoolEntriesWire(in []database.PoolEntry) []poolEntryWire {
	out := make([]poolEntryWire, len(in))
	for i, e := range in {
		out[i] = toPoolEntryWire(e)
	}
	return out
}

type executeResultWire struct {
	TransactionID      string                  `json:"transaction_id"`
	Result             dantypes.TransactionResult `json:"result"`
	FeeChargedTotal    uint64                  `json:"fee_charged_total"`
	FeePaidInFull      bool                    `json:"fee_paid_in_full"`
	TransactionFailure *dantypes.RejectReason  `json:"transaction_failure,omitempty"`
}

func toExecuteResultWire(r dantypes.ExecuteResult) executeResultWire {
	return executeResultWire{
		TransactionID:      r.Finalize.TransactionID.String(),
		Result:             r.Finalize.Result,
		FeeChargedTotal:    r.Finalize.FeeReceipt.TotalFeeCharged,
		FeePaidInFull:      r.Finalize.FeeReceipt.PaidInFull,
		TransactionFailure: r.TransactionFailure,
	}
}
