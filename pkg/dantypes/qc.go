package dantypes

// QuorumCertificate aggregates committee signatures over a block id and
// decision. A QC is valid iff its Signatures come from >= 2f+1 distinct
// committee members of (Epoch, ShardGroup); this core treats that as a
// single BLS aggregate signature plus the set of signer public keys that
// contributed to it (see pkg/consensus for aggregation/verification).
type QuorumCertificate struct {
	Epoch       Epoch
	ShardGroup  ShardGroup
	BlockID     BlockId
	BlockHeight NodeHeight
	Decision    Decision

	// Signatures holds one entry per contributing committee member so the
	// QC can be independently re-verified; Engines that use BLS
	// aggregation still store the per-signer public keys here alongside
	// the single aggregate signature in AggregateSignature.
	Signatures         [][]byte
	SignerPublicKeys   [][]byte
	AggregateSignature []byte
}

// ID content-hashes the QC's identifying fields for use as a block's
// JustifyQcID.
func (qc QuorumCertificate) ID() Hash32 {
	var h [32]byte
	bid := Hash32(qc.BlockID)
	for i := range h {
		h[i] = bid[i]
	}
	return HashBytes(append(bid[:], byte(qc.BlockHeight), byte(qc.Decision)))
}

// GenesisQC is the synthetic QC over the zero block id that the genesis
// block claims to be justified by.
func GenesisQC(group ShardGroup, epoch Epoch) QuorumCertificate {
	return QuorumCertificate{
		Epoch:       epoch,
		ShardGroup:  group,
		BlockID:     BlockId(ZeroHash),
		BlockHeight: 0,
		Decision:    DecisionCommit,
	}
}

// IsGenesis reports whether qc is the synthetic genesis QC.
func (qc QuorumCertificate) IsGenesis() bool {
	return qc.BlockID.IsZero() && qc.BlockHeight == 0
}
