package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// QCRepository persists quorum certificates, one row per block they
// justify.
type QCRepository struct {
	client *Client
}

// NewQCRepository creates a new QC repository.
func NewQCRepository(client *Client) *QCRepository {
	return &QCRepository{client: client}
}

// Insert stores a quorum certificate.
func (r *QCRepository) Insert(ctx context.Context, qc dantypes.QuorumCertificate) error {
	sigs, err := json.Marshal(qc.Signatures)
	if err != nil {
		return dynerr.DataInconsistency(qc.BlockID.String(), err)
	}
	keys, err := json.Marshal(qc.SignerPublicKeys)
	if err != nil {
		return dynerr.DataInconsistency(qc.BlockID.String(), err)
	}

	query := `
		INSERT INTO quorum_certificates (
			qc_id, epoch, shard_group_start, shard_group_end, block_id,
			block_height, decision, signatures, signer_public_keys, aggregate_signature
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err = r.client.ExecContext(ctx, query,
		qc.ID().String(), uint64(qc.Epoch), qc.ShardGroup.Start, qc.ShardGroup.End,
		qc.BlockID.String(), uint64(qc.BlockHeight), int(qc.Decision), sigs, keys, qc.AggregateSignature,
	)
	if err != nil {
		return dynerr.StorageError(qc.BlockID.String(), err)
	}
	return nil
}

// GetByBlock returns the QC justifying the named block.
func (r *QCRepository) GetByBlock(ctx context.Context, blockID dantypes.BlockId) (dantypes.QuorumCertificate, error) {
	query := `
		SELECT q.epoch, q.shard_group_start, q.shard_group_end, q.block_id, q.block_height,
			q.decision, q.signatures, q.signer_public_keys, q.aggregate_signature
		FROM quorum_certificates q JOIN blocks b ON b.justify_qc_id = q.qc_id
		WHERE b.block_id = $1`

	var (
		epoch, height           uint64
		shardStart, shardEnd    uint32
		blockID2                string
		decision                int
		sigsRaw, keysRaw        []byte
		aggSig                  []byte
	)
	err := r.client.QueryRowContext(ctx, query, blockID.String()).Scan(
		&epoch, &shardStart, &shardEnd, &blockID2, &height, &decision, &sigsRaw, &keysRaw, &aggSig,
	)
	if err == sql.ErrNoRows {
		return dantypes.QuorumCertificate{}, dynerr.NotFound(blockID.String())
	}
	if err != nil {
		return dantypes.QuorumCertificate{}, dynerr.StorageError(blockID.String(), err)
	}

	var sigs, keys [][]byte
	if err := json.Unmarshal(sigsRaw, &sigs); err != nil {
		return dantypes.QuorumCertificate{}, dynerr.DataInconsistency(blockID.String(), err)
	}
	if err := json.Unmarshal(keysRaw, &keys); err != nil {
		return dantypes.QuorumCertificate{}, dynerr.DataInconsistency(blockID.String(), err)
	}

	return dantypes.QuorumCertificate{
		Epoch:              dantypes.Epoch(epoch),
		ShardGroup:         dantypes.ShardGroup{Start: dantypes.Shard(shardStart), End: dantypes.Shard(shardEnd)},
		BlockID:            dantypes.BlockId(decodeHex(blockID2)),
		BlockHeight:        dantypes.NodeHeight(height),
		Decision:           dantypes.Decision(decision),
		Signatures:         sigs,
		SignerPublicKeys:   keys,
		AggregateSignature: aggSig,
	}, nil
}
