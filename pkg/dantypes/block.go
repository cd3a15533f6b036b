package dantypes

import (
	"bytes"
	"time"
)

// blockHashDomain is the domain separator mixed into every block id hash,
// so that a block header's bytes can never collide with a differently
// typed hash (transaction id, command hash, merkle node) computed over
// the same raw bytes.
const blockHashDomain = "dan.block.v1"

// BlockHeader holds every field that is hashed into a block's id. Field
// order here is the canonical encoding order used by ComputeBlockID; it
// must not be reordered without changing every previously computed id.
type BlockHeader struct {
	Network              string
	ParentID             BlockId
	JustifyQcID          Hash32
	Height               NodeHeight
	Epoch                Epoch
	ShardGroup           ShardGroup
	ProposedBy           []byte // validator public key
	StateMerkleRoot      Hash32
	CommandMerkleRoot    Hash32
	TotalLeaderFee        uint64
	IsDummy              bool
	ForeignIndexes       map[Shard]uint64
	Timestamp            time.Time
	BaseLayerBlockHeight uint64
	BaseLayerBlockHash   Hash32
	ExtraData            []byte
	Signature            []byte
}

// Block is a fully-formed, immutable-once-signed consensus block. Only
// the fields of Header are hashed into ID; Justify, Commands and the
// bookkeeping flags below are attached but not part of the hash.
type Block struct {
	ID     BlockId
	Header BlockHeader

	Justify  QuorumCertificate
	Commands []Command

	IsJustified bool
	IsCommitted bool
	StoredAt    time.Time
	BlockTime   time.Duration
}

// ComputeBlockID hashes the header fields in their declared order using
// canonical length-prefixed binary encoding, domain-separated by
// "dan.block.v1". Recomputing this over a fetched block must reproduce
// the stored id (round-trip invariant).
func ComputeBlockID(h BlockHeader) BlockId {
	var buf bytes.Buffer
	buf.WriteString(blockHashDomain)

	writeLenPrefixed(&buf, []byte(h.Network))
	pid := Hash32(h.ParentID)
	buf.Write(pid[:])
	buf.Write(h.JustifyQcID[:])
	writeUint64(&buf, uint64(h.Height))
	writeUint64(&buf, uint64(h.Epoch))
	writeShardGroup(&buf, h.ShardGroup)
	writeLenPrefixed(&buf, h.ProposedBy)
	buf.Write(h.StateMerkleRoot[:])
	buf.Write(h.CommandMerkleRoot[:])
	writeUint64(&buf, h.TotalLeaderFee)
	if h.IsDummy {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeForeignIndexes(&buf, h.ForeignIndexes)
	writeUint64(&buf, uint64(h.Timestamp.UTC().UnixNano()))
	writeUint64(&buf, h.BaseLayerBlockHeight)
	buf.Write(h.BaseLayerBlockHash[:])
	writeLenPrefixed(&buf, h.ExtraData)
	writeLenPrefixed(&buf, h.Signature)

	return BlockId(HashBytes(buf.Bytes()))
}

func writeForeignIndexes(buf *bytes.Buffer, m map[Shard]uint64) {
	shards := make([]Shard, 0, len(m))
	for s := range m {
		shards = append(shards, s)
	}
	// Ordered map per spec: sort by shard so encoding is deterministic.
	for i := 0; i < len(shards); i++ {
		for j := i + 1; j < len(shards); j++ {
			if shards[j] < shards[i] {
				shards[i], shards[j] = shards[j], shards[i]
			}
		}
	}
	writeUint64(buf, uint64(len(shards)))
	for _, s := range shards {
		writeUint64(buf, uint64(s))
		writeUint64(buf, m[s])
	}
}

// NewGenesisBlock constructs the synthetic height-0 block with a
// zero parent id and the genesis QC, per spec boundary behavior. The
// caller supplies the already-computed merkle root over any bootstrap
// substates; an empty tree's root is the hash of a nil byte slice (see
// HashBytes(nil)).
func NewGenesisBlock(network string, group ShardGroup, epoch Epoch, stateRoot Hash32, timestamp time.Time) Block {
	header := BlockHeader{
		Network:           network,
		ParentID:          BlockId(ZeroHash),
		JustifyQcID:       ZeroHash,
		Height:            0,
		Epoch:             epoch,
		ShardGroup:        group,
		StateMerkleRoot:   stateRoot,
		CommandMerkleRoot: ComputeCommandMerkleRoot(nil),
		ForeignIndexes:    map[Shard]uint64{},
		Timestamp:         timestamp,
	}
	id := ComputeBlockID(header)
	return Block{
		ID:          id,
		Header:      header,
		Justify:     GenesisQC(group, epoch),
		Commands:    nil,
		IsJustified: true,
		IsCommitted: true,
		StoredAt:    timestamp,
	}
}
