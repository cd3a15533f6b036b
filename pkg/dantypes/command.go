package dantypes

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// CommandKind discriminates the ten canonical command variants. The
// numeric values ARE the canonical ordering used to sort commands before
// computing a block's command_merkle_root and before hashing a command
// itself; changing these values changes every block id computed from
// commands of mixed kinds, so they must never be renumbered.
type CommandKind uint8

const (
	CommandPrepare CommandKind = iota
	CommandLocalPrepare
	CommandAllPrepare
	CommandLocalAccept
	CommandAllAccept
	CommandSomePrepare
	CommandForeignProposal
	CommandMintConfidentialOutput
	CommandResumeNode
	CommandEpochEnd
)

// Command is a single entry in a block. Exactly one of Atom / Foreign is
// meaningful depending on Kind: EpochEnd carries neither.
type Command struct {
	Kind    CommandKind
	Atom    *Atom            // set for all atom-carrying kinds
	Foreign *ForeignAtomData // set only for CommandForeignProposal
}

// ForeignAtomData is the atom payload attached to a ForeignProposal
// command, naming the sending shard group so equivocation/ordering can be
// tracked per-sender.
type ForeignAtomData struct {
	Atom         Atom
	FromShard    ShardGroup
}

// Less implements the canonical Command::Ord required because block
// hashes depend on command order: first by Kind, then by transaction id
// bytes, keeping the order stable and independent of insertion order.
func (c Command) Less(o Command) bool {
	if c.Kind != o.Kind {
		return c.Kind < o.Kind
	}
	cid := c.transactionIDBytes()
	oid := o.transactionIDBytes()
	return bytes.Compare(cid, oid) < 0
}

func (c Command) transactionIDBytes() []byte {
	if c.Atom != nil {
		h := Hash32(c.Atom.TransactionID)
		return h[:]
	}
	if c.Foreign != nil {
		h := Hash32(c.Foreign.Atom.TransactionID)
		return h[:]
	}
	return nil
}

// SortCommands sorts a slice of commands in place using the canonical
// ordering.
func SortCommands(cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Less(cmds[j]) })
}

// Hash computes the content hash of a single command using the same
// length-prefixed canonical encoding as block headers (writeLenPrefixed
// and friends below),
// so it can be used as a leaf key in the command merkle tree.
func (c Command) Hash() Hash32 {
	var buf bytes.Buffer
	buf.WriteByte(byte(c.Kind))
	if c.Atom != nil {
		writeAtom(&buf, *c.Atom)
	}
	if c.Foreign != nil {
		writeShardGroup(&buf, c.Foreign.FromShard)
		writeAtom(&buf, c.Foreign.Atom)
	}
	return HashBytes(buf.Bytes())
}

func writeAtom(buf *bytes.Buffer, a Atom) {
	h := Hash32(a.TransactionID)
	buf.Write(h[:])
	buf.WriteByte(byte(a.Decision))
	writeEvidence(buf, a.Evidence)
	writeUint64(buf, a.TransactionFee)
	writeUint64(buf, a.LeaderFee)
}

func writeEvidence(buf *bytes.Buffer, ev Evidence) {
	groups := make([]ShardGroup, 0, len(ev))
	for g := range ev {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Start != groups[j].Start {
			return groups[i].Start < groups[j].Start
		}
		return groups[i].End < groups[j].End
	})
	writeUint64(buf, uint64(len(groups)))
	for _, g := range groups {
		writeShardGroup(buf, g)
		se := ev[g]
		writeUint64(buf, uint64(se.Decision))
		writeStringSlice(buf, toStrings(se.Inputs))
		writeStringSlice(buf, toStrings(se.Outputs))
	}
}

func toStrings(ids []SubstateId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	sort.Strings(out)
	return out
}

func writeShardGroup(buf *bytes.Buffer, g ShardGroup) {
	writeUint64(buf, uint64(g.Start))
	writeUint64(buf, uint64(g.End))
}

func writeStringSlice(buf *bytes.Buffer, ss []string) {
	writeUint64(buf, uint64(len(ss)))
	for _, s := range ss {
		writeLenPrefixed(buf, []byte(s))
	}
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

// ComputeCommandMerkleRoot sorts the commands by the canonical Ord and
// returns the binary merkle root (merkleRoot below) over their hashes in
// that order; it does not build a sparse merkle tree keyed by
// hash(command). A block whose stored command_merkle_root does not
// match this value is rejected at insert (see spec boundary behaviors).
func ComputeCommandMerkleRoot(cmds []Command) Hash32 {
	sorted := make([]Command, len(cmds))
	copy(sorted, cmds)
	SortCommands(sorted)

	leaves := make([][]byte, len(sorted))
	for i, c := range sorted {
		h := c.Hash()
		leaves[i] = h[:]
	}
	return merkleRoot(leaves)
}

// merkleRoot is a minimal binary merkle root over already-hashed leaves,
// duplicating the final node on odd levels.
func merkleRoot(leaves [][]byte) Hash32 {
	if len(leaves) == 0 {
		return HashBytes(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, combine(level[i], level[i]))
			} else {
				next = append(next, combine(level[i], level[i+1]))
			}
		}
		level = next
	}
	var out Hash32
	copy(out[:], level[0])
	return out
}

func combine(l, r []byte) []byte {
	h := HashBytes(append(append([]byte{}, l...), r...))
	return h[:]
}
