package database

import (
	"context"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// BlockDiffRepository persists the ordered substate-change list each
// block's execution produced, stored one row per change for easy
// per-block scans and cascade-delete.
type BlockDiffRepository struct {
	client *Client
}

// NewBlockDiffRepository creates a new block-diff repository.
func NewBlockDiffRepository(client *Client) *BlockDiffRepository {
	return &BlockDiffRepository{client: client}
}

// Insert stores a block's diff as an ordered sequence of rows.
func (r *BlockDiffRepository) Insert(ctx context.Context, diff dantypes.BlockDiff) error {
	tx, err := r.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return dynerr.StorageError(diff.BlockID.String(), err)
	}
	defer tx.Rollback()

	for i, c := range diff.Changes {
		var value []byte
		if c.Substate != nil {
			value = c.Substate.Value
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO block_diffs (block_id, seq, kind, substate_id, shard, transaction_id, version, value)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			diff.BlockID.String(), i, int(c.Kind), string(c.ID), uint32(c.Shard),
			dantypes.Hash32(c.TransactionID).String(), c.Version, value,
		)
		if err != nil {
			return dynerr.StorageError(diff.BlockID.String(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dynerr.StorageError(diff.BlockID.String(), err)
	}
	return nil
}

// Get reconstructs a block's diff in sequence order, including the
// stored substate value of each Up change.
func (r *BlockDiffRepository) Get(ctx context.Context, blockID dantypes.BlockId) (dantypes.BlockDiff, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT kind, substate_id, shard, transaction_id, version, value
		FROM block_diffs WHERE block_id = $1 ORDER BY seq ASC`, blockID.String())
	if err != nil {
		return dantypes.BlockDiff{}, dynerr.StorageError(blockID.String(), err)
	}
	defer rows.Close()

	var changes []dantypes.SubstateChange
	for rows.Next() {
		var kind int
		var id, txID string
		var shard uint32
		var version uint64
		var value []byte
		if err := rows.Scan(&kind, &id, &shard, &txID, &version, &value); err != nil {
			return dantypes.BlockDiff{}, dynerr.StorageError(blockID.String(), err)
		}
		change := dantypes.SubstateChange{
			Kind:          dantypes.SubstateChangeKind(kind),
			ID:            dantypes.SubstateId(id),
			Shard:         dantypes.Shard(shard),
			TransactionID: dantypes.TransactionId(decodeHex(txID)),
			Version:       version,
		}
		switch change.Kind {
		case dantypes.SubstateUp:
			change.Substate = &dantypes.Substate{ID: change.ID, Version: version, Value: value}
		case dantypes.SubstateDown:
			change.DestroyedVersion = version
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return dantypes.BlockDiff{}, dynerr.StorageError(blockID.String(), err)
	}
	if len(changes) == 0 {
		var count int
		if err := r.client.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE block_id = $1`, blockID.String()).Scan(&count); err == nil && count == 0 {
			return dantypes.BlockDiff{}, dynerr.NotFound(blockID.String())
		}
	}
	return dantypes.BlockDiff{BlockID: blockID, Changes: changes}, nil
}

// DeleteForBlock removes the diff rows of a cascade-deleted block.
func (r *BlockDiffRepository) DeleteForBlock(ctx context.Context, blockID dantypes.BlockId) error {
	if _, err := r.client.ExecContext(ctx, `DELETE FROM block_diffs WHERE block_id = $1`, blockID.String()); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}
