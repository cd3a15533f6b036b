package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
	"github.com/dan-network/validator-core/pkg/statetree"
)

// TreeDiffRepository persists pending per-(block, shard) state tree diffs
// until they are replayed into the canonical tree at commit, or dropped
// on abandonment.
type TreeDiffRepository struct {
	client *Client
}

// NewTreeDiffRepository creates a new pending tree diff repository.
func NewTreeDiffRepository(client *Client) *TreeDiffRepository {
	return &TreeDiffRepository{client: client}
}

// Put stores a pending diff for (block, shard).
func (r *TreeDiffRepository) Put(ctx context.Context, d statetree.VersionedStateHashTreeDiff) error {
	raw, err := json.Marshal(d.Diff)
	if err != nil {
		return dynerr.DataInconsistency(d.BlockID.String(), err)
	}
	query := `
		INSERT INTO pending_state_tree_diffs (block_id, shard, version, diff)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (block_id, shard) DO UPDATE SET version = EXCLUDED.version, diff = EXCLUDED.diff`
	if _, err := r.client.ExecContext(ctx, query, d.BlockID.String(), uint32(d.Shard), d.Version, raw); err != nil {
		return dynerr.StorageError(d.BlockID.String(), err)
	}
	return nil
}

// Get returns the pending diff for (block, shard).
func (r *TreeDiffRepository) Get(ctx context.Context, blockID dantypes.BlockId, shard dantypes.Shard) (statetree.VersionedStateHashTreeDiff, error) {
	query := `SELECT version, diff FROM pending_state_tree_diffs WHERE block_id = $1 AND shard = $2`
	var version uint64
	var raw []byte
	err := r.client.QueryRowContext(ctx, query, blockID.String(), uint32(shard)).Scan(&version, &raw)
	if err == sql.ErrNoRows {
		return statetree.VersionedStateHashTreeDiff{}, dynerr.NotFound(blockID.String())
	}
	if err != nil {
		return statetree.VersionedStateHashTreeDiff{}, dynerr.StorageError(blockID.String(), err)
	}
	var diff statetree.TreeDiff
	if err := json.Unmarshal(raw, &diff); err != nil {
		return statetree.VersionedStateHashTreeDiff{}, dynerr.DataInconsistency(blockID.String(), err)
	}
	return statetree.VersionedStateHashTreeDiff{BlockID: blockID, Shard: shard, Version: version, Diff: diff}, nil
}

// DeleteForBlock removes the pending diffs (all shards) of a
// cascade-deleted block.
func (r *TreeDiffRepository) DeleteForBlock(ctx context.Context, blockID dantypes.BlockId) error {
	if _, err := r.client.ExecContext(ctx, `DELETE FROM pending_state_tree_diffs WHERE block_id = $1`, blockID.String()); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}
