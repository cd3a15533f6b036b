package database

import (
	"encoding/json"
	"fmt"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// The relational schema stores several dantypes values (Command, Evidence,
// ForeignIndexes) as JSONB columns. Evidence and ForeignIndexes use
// non-string map keys (ShardGroup, Shard) that encoding/json cannot marshal
// directly as object keys, so this file defines flattened wire shapes for
// round-tripping them through JSONB.

type shardGroupJSON struct {
	Start dantypes.Shard `json:"start"`
	End   dantypes.Shard `json:"end"`
}

type shardEvidenceJSON struct {
	Group    shardGroupJSON      `json:"group"`
	Inputs   []dantypes.SubstateId `json:"inputs"`
	Outputs  []dantypes.SubstateId `json:"outputs"`
	Decision dantypes.Decision     `json:"decision"`
}

type atomJSON struct {
	TransactionID  dantypes.Hash32     `json:"transaction_id"`
	Decision       dantypes.Decision   `json:"decision"`
	Evidence       []shardEvidenceJSON `json:"evidence"`
	TransactionFee uint64              `json:"transaction_fee"`
	LeaderFee      uint64              `json:"leader_fee"`
}

func toAtomJSON(a dantypes.Atom) atomJSON {
	ev := make([]shardEvidenceJSON, 0, len(a.Evidence))
	for g, se := range a.Evidence {
		ev = append(ev, shardEvidenceJSON{
			Group:    shardGroupJSON{Start: g.Start, End: g.End},
			Inputs:   se.Inputs,
			Outputs:  se.Outputs,
			Decision: se.Decision,
		})
	}
	return atomJSON{
		TransactionID:  dantypes.Hash32(a.TransactionID),
		Decision:       a.Decision,
		Evidence:       ev,
		TransactionFee: a.TransactionFee,
		LeaderFee:      a.LeaderFee,
	}
}

func fromAtomJSON(j atomJSON) dantypes.Atom {
	ev := make(dantypes.Evidence, len(j.Evidence))
	for _, se := range j.Evidence {
		g := dantypes.ShardGroup{Start: se.Group.Start, End: se.Group.End}
		ev[g] = dantypes.ShardEvidence{Inputs: se.Inputs, Outputs: se.Outputs, Decision: se.Decision}
	}
	return dantypes.Atom{
		TransactionID:  dantypes.TransactionId(j.TransactionID),
		Decision:       j.Decision,
		Evidence:       ev,
		TransactionFee: j.TransactionFee,
		LeaderFee:      j.LeaderFee,
	}
}

type commandJSON struct {
	Kind      dantypes.CommandKind `json:"kind"`
	Atom      *atomJSON            `json:"atom,omitempty"`
	Foreign   *atomJSON            `json:"foreign_atom,omitempty"`
	FromShard *shardGroupJSON      `json:"from_shard,omitempty"`
}

func encodeCommands(cmds []dantypes.Command) ([]byte, error) {
	out := make([]commandJSON, len(cmds))
	for i, c := range cmds {
		cj := commandJSON{Kind: c.Kind}
		if c.Atom != nil {
			a := toAtomJSON(*c.Atom)
			cj.Atom = &a
		}
		if c.Foreign != nil {
			a := toAtomJSON(c.Foreign.Atom)
			cj.Foreign = &a
			fs := shardGroupJSON{Start: c.Foreign.FromShard.Start, End: c.Foreign.FromShard.End}
			cj.FromShard = &fs
		}
		out[i] = cj
	}
	return json.Marshal(out)
}

func decodeCommands(raw []byte) ([]dantypes.Command, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []commandJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]dantypes.Command, len(in))
	for i, cj := range in {
		c := dantypes.Command{Kind: cj.Kind}
		if cj.Atom != nil {
			a := fromAtomJSON(*cj.Atom)
			c.Atom = &a
		}
		if cj.Foreign != nil {
			a := fromAtomJSON(*cj.Foreign)
			fg := dantypes.ShardGroup{}
			if cj.FromShard != nil {
				fg = dantypes.ShardGroup{Start: cj.FromShard.Start, End: cj.FromShard.End}
			}
			c.Foreign = &dantypes.ForeignAtomData{Atom: a, FromShard: fg}
		}
		out[i] = c
	}
	return out, nil
}

func encodeForeignIndexes(m map[dantypes.Shard]uint64) ([]byte, error) {
	if m == nil {
		m = map[dantypes.Shard]uint64{}
	}
	flat := make(map[string]uint64, len(m))
	for s, v := range m {
		flat[fmt.Sprintf("%d", uint32(s))] = v
	}
	return json.Marshal(flat)
}

func decodeForeignIndexes(raw []byte) (map[dantypes.Shard]uint64, error) {
	out := map[dantypes.Shard]uint64{}
	if len(raw) == 0 {
		return out, nil
	}
	var flat map[string]uint64
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	for k, v := range flat {
		var s uint32
		if _, err := fmt.Sscanf(k, "%d", &s); err != nil {
			return nil, err
		}
		out[dantypes.Shard(s)] = v
	}
	return out, nil
}

func encodePledges(pledges []dantypes.SubstatePledge) ([]byte, error) {
	return json.Marshal(pledges)
}

func decodePledges(raw []byte) ([]dantypes.SubstatePledge, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []dantypes.SubstatePledge
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
