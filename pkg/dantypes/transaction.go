package dantypes

// Decision is a transaction's commit/abort outcome as recorded by an atom
// or a quorum certificate.
type Decision int

const (
	DecisionCommit Decision = iota
	DecisionAbort
)

func (d Decision) String() string {
	if d == DecisionAbort {
		return "Abort"
	}
	return "Commit"
}

// LockOp names the kind of lock a transaction intends to take on a
// substate.
type LockOp int

const (
	LockRead LockOp = iota
	LockWrite
	LockOutput
)

func (op LockOp) String() string {
	switch op {
	case LockWrite:
		return "Write"
	case LockOutput:
		return "Output"
	default:
		return "Read"
	}
}

// LockIntent names a substate, the version the transaction observed (for
// Read/Write) or is about to create (for Output), and the kind of lock
// requested.
type LockIntent struct {
	SubstateID SubstateId
	Version    uint64
	Op         LockOp
}

// ShardEvidence is one shard group's entry in a transaction's evidence
// map: the input/output addresses it touches and the local decision
// reached for those addresses.
type ShardEvidence struct {
	Inputs   []SubstateId
	Outputs  []SubstateId
	Decision Decision
}

// Evidence maps each shard group a transaction touches to that group's
// view of the transaction. A transaction is local-only iff len(Evidence)
// == 1 and its single key equals the local shard group.
type Evidence map[ShardGroup]ShardEvidence

// IsLocalOnly reports whether this evidence names exactly the given
// shard group and no other.
func (e Evidence) IsLocalOnly(local ShardGroup) bool {
	if len(e) != 1 {
		return false
	}
	for g := range e {
		return g.Equal(local)
	}
	return false
}

// Transaction is the unit of work ordered by consensus. TransactionId is
// the content hash of Inputs, TemplateCall, Fee and Signatures; it is
// computed once at construction and never recomputed implicitly, since
// the inputs it is derived from are treated as already-serialized bytes
// by this core (template/WASM execution is an external collaborator).
type Transaction struct {
	ID            TransactionId
	InputsHash    Hash32 // hash of referenced input addresses + versions
	TemplateCall  []byte // opaque; interpreted by the execution engine
	FeeInstruction []byte
	Signatures    [][]byte
	Evidence      Evidence
}

// Atom is the per-transaction payload embedded in a Command.
type Atom struct {
	TransactionID  TransactionId
	Decision       Decision
	Evidence       Evidence
	TransactionFee uint64
	LeaderFee      uint64
}
