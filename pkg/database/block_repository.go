package database

import (
	"context"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// BlockRepository persists blocks and their attached commands, and answers
// the parent/child/ancestor queries pkg/blockgraph builds on.
type BlockRepository struct {
	client *Client
}

// NewBlockRepository creates a new block repository.
func NewBlockRepository(client *Client) *BlockRepository {
	return &BlockRepository{client: client}
}

// Insert stores a new block row. ID collisions (re-inserting the same
// block) are tolerated as a no-op by the caller checking Exists first.
func (r *BlockRepository) Insert(ctx context.Context, b dantypes.Block) error {
	foreignIdx, err := encodeForeignIndexes(b.Header.ForeignIndexes)
	if err != nil {
		return dynerr.DataInconsistency(b.ID.String(), err)
	}
	cmds, err := encodeCommands(b.Commands)
	if err != nil {
		return dynerr.DataInconsistency(b.ID.String(), err)
	}

	query := `
		INSERT INTO blocks (
			block_id, parent_id, justify_qc_id, height, epoch,
			shard_group_start, shard_group_end, proposed_by,
			state_merkle_root, command_merkle_root, total_leader_fee,
			is_dummy, foreign_indexes, timestamp, base_layer_block_height,
			base_layer_block_hash, extra_data, signature, commands,
			is_justified, is_committed, stored_at, block_time_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`

	_, err = r.client.ExecContext(ctx, query,
		b.ID.String(), b.Header.ParentID.String(), b.Header.JustifyQcID.String(),
		uint64(b.Header.Height), uint64(b.Header.Epoch),
		b.Header.ShardGroup.Start, b.Header.ShardGroup.End, b.Header.ProposedBy,
		b.Header.StateMerkleRoot.String(), b.Header.CommandMerkleRoot.String(), b.Header.TotalLeaderFee,
		b.Header.IsDummy, foreignIdx, b.Header.Timestamp, b.Header.BaseLayerBlockHeight,
		b.Header.BaseLayerBlockHash.String(), b.Header.ExtraData, b.Header.Signature, cmds,
		b.IsJustified, b.IsCommitted, b.StoredAt, b.BlockTime.Milliseconds(),
	)
	if err != nil {
		return dynerr.StorageError(b.ID.String(), err)
	}
	return nil
}

// decodeHex parses a hex-encoded Hash32 as produced by Hash32.String();
// malformed input decodes to the zero hash rather than erroring, since the
// only source of this string is our own previously-written rows.
func decodeHex(s string) dantypes.Hash32 {
	var h dantypes.Hash32
	raw, err := hex.DecodeString(s)
	if err == nil {
		copy(h[:], raw)
	}
	return h
}

// Get retrieves a block by id, returning dynerr.NotFound if absent.
func (r *BlockRepository) Get(ctx context.Context, id dantypes.BlockId) (dantypes.Block, error) {
	query := `
		SELECT block_id, parent_id, justify_qc_id, height, epoch,
			shard_group_start, shard_group_end, proposed_by,
			state_merkle_root, command_merkle_root, total_leader_fee,
			is_dummy, foreign_indexes, timestamp, base_layer_block_height,
			base_layer_block_hash, extra_data, signature, commands,
			is_justified, is_committed, stored_at, block_time_ms
		FROM blocks WHERE block_id = $1`

	var (
		blockID, parentID, justifyID, stateRoot, cmdRoot, baseHash string
		height, epoch                                              uint64
		shardStart, shardEnd                                       uint32
		proposedBy                                                 []byte
		totalFee                                                   uint64
		isDummy                                                    bool
		foreignIdxRaw                                              []byte
		ts                                                         time.Time
		baseHeight                                                 uint64
		extraData, signature                                       []byte
		cmdsRaw                                                    []byte
		isJustified, isCommitted                                   bool
		storedAt                                                   time.Time
		blockTimeMs                                                int64
	)

	err := r.client.QueryRowContext(ctx, query, id.String()).Scan(
		&blockID, &parentID, &justifyID, &height, &epoch,
		&shardStart, &shardEnd, &proposedBy,
		&stateRoot, &cmdRoot, &totalFee,
		&isDummy, &foreignIdxRaw, &ts, &baseHeight,
		&baseHash, &extraData, &signature, &cmdsRaw,
		&isJustified, &isCommitted, &storedAt, &blockTimeMs,
	)
	if err == sql.ErrNoRows {
		return dantypes.Block{}, dynerr.NotFound(id.String())
	}
	if err != nil {
		return dantypes.Block{}, dynerr.StorageError(id.String(), err)
	}

	foreignIdx, err := decodeForeignIndexes(foreignIdxRaw)
	if err != nil {
		return dantypes.Block{}, dynerr.DataInconsistency(id.String(), err)
	}
	cmds, err := decodeCommands(cmdsRaw)
	if err != nil {
		return dantypes.Block{}, dynerr.DataInconsistency(id.String(), err)
	}

	header := dantypes.BlockHeader{
		ParentID:             dantypes.BlockId(decodeHex(parentID)),
		JustifyQcID:          decodeHex(justifyID),
		Height:               dantypes.NodeHeight(height),
		Epoch:                dantypes.Epoch(epoch),
		ShardGroup:           dantypes.ShardGroup{Start: dantypes.Shard(shardStart), End: dantypes.Shard(shardEnd)},
		ProposedBy:           proposedBy,
		StateMerkleRoot:      decodeHex(stateRoot),
		CommandMerkleRoot:    decodeHex(cmdRoot),
		TotalLeaderFee:       totalFee,
		IsDummy:              isDummy,
		ForeignIndexes:       foreignIdx,
		Timestamp:            ts,
		BaseLayerBlockHeight: baseHeight,
		BaseLayerBlockHash:   decodeHex(baseHash),
		ExtraData:            extraData,
		Signature:            signature,
	}

	return dantypes.Block{
		ID:          dantypes.BlockId(decodeHex(blockID)),
		Header:      header,
		Commands:    cmds,
		IsJustified: isJustified,
		IsCommitted: isCommitted,
		StoredAt:    storedAt,
		BlockTime:   time.Duration(blockTimeMs) * time.Millisecond,
	}, nil
}

// Exists reports whether a block id is stored.
func (r *BlockRepository) Exists(ctx context.Context, id dantypes.BlockId) (bool, error) {
	var count int
	err := r.client.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE block_id = $1`, id.String()).Scan(&count)
	if err != nil {
		return false, dynerr.StorageError(id.String(), err)
	}
	return count > 0, nil
}

// GetIDsByParent returns the ids of all blocks whose parent_id matches.
func (r *BlockRepository) GetIDsByParent(ctx context.Context, parent dantypes.BlockId) ([]dantypes.BlockId, error) {
	rows, err := r.client.QueryContext(ctx, `SELECT block_id FROM blocks WHERE parent_id = $1`, parent.String())
	if err != nil {
		return nil, dynerr.StorageError(parent.String(), err)
	}
	defer rows.Close()

	var out []dantypes.BlockId
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, dynerr.StorageError(parent.String(), err)
		}
		out = append(out, dantypes.BlockId(decodeHex(s)))
	}
	return out, rows.Err()
}

// GetIDsByEpochAndHeight returns every block id at (epoch, height); more
// than one entry means parallel (uncommitted) chains exist at that height.
func (r *BlockRepository) GetIDsByEpochAndHeight(ctx context.Context, epoch dantypes.Epoch, height dantypes.NodeHeight) ([]dantypes.BlockId, error) {
	rows, err := r.client.QueryContext(ctx, `SELECT block_id FROM blocks WHERE epoch = $1 AND height = $2`, uint64(epoch), uint64(height))
	if err != nil {
		return nil, dynerr.StorageError("", err)
	}
	defer rows.Close()

	var out []dantypes.BlockId
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, dynerr.StorageError("", err)
		}
		out = append(out, dantypes.BlockId(decodeHex(s)))
	}
	return out, rows.Err()
}

// ParentOf returns the parent id of a stored block.
func (r *BlockRepository) ParentOf(ctx context.Context, id dantypes.BlockId) (dantypes.BlockId, error) {
	var parent string
	err := r.client.QueryRowContext(ctx, `SELECT parent_id FROM blocks WHERE block_id = $1`, id.String()).Scan(&parent)
	if err == sql.ErrNoRows {
		return dantypes.BlockId{}, dynerr.NotFound(id.String())
	}
	if err != nil {
		return dantypes.BlockId{}, dynerr.StorageError(id.String(), err)
	}
	return dantypes.BlockId(decodeHex(parent)), nil
}

// SetFlags updates the is_committed/is_justified flags of a block.
func (r *BlockRepository) SetFlags(ctx context.Context, id dantypes.BlockId, isJustified, isCommitted *bool) error {
	if isJustified != nil {
		if _, err := r.client.ExecContext(ctx, `UPDATE blocks SET is_justified = $2 WHERE block_id = $1`, id.String(), *isJustified); err != nil {
			return dynerr.StorageError(id.String(), err)
		}
	}
	if isCommitted != nil {
		if _, err := r.client.ExecContext(ctx, `UPDATE blocks SET is_committed = $2 WHERE block_id = $1`, id.String(), *isCommitted); err != nil {
			return dynerr.StorageError(id.String(), err)
		}
	}
	return nil
}

// DeleteRecord removes a single block row. Cascading to diffs, locks,
// pool updates etc. is the caller's (pkg/blockgraph's) responsibility.
func (r *BlockRepository) DeleteRecord(ctx context.Context, id dantypes.BlockId) error {
	if _, err := r.client.ExecContext(ctx, `DELETE FROM blocks WHERE block_id = $1`, id.String()); err != nil {
		return dynerr.StorageError(id.String(), err)
	}
	return nil
}

// ListCommittedRange returns up to limit committed block ids of a shard
// group's chain at or above fromHeight, ordered oldest first — the page
// a get_blocks RPC call walks.
func (r *BlockRepository) ListCommittedRange(ctx context.Context, group dantypes.ShardGroup, fromHeight dantypes.NodeHeight, limit int) ([]dantypes.BlockId, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT block_id FROM blocks
		WHERE shard_group_start = $1 AND shard_group_end = $2
		  AND height >= $3 AND is_committed = true
		ORDER BY height ASC LIMIT $4`,
		group.Start, group.End, uint64(fromHeight), limit,
	)
	if err != nil {
		return nil, dynerr.StorageError(group.String(), err)
	}
	defer rows.Close()

	var out []dantypes.BlockId
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, dynerr.StorageError(group.String(), err)
		}
		out = append(out, dantypes.BlockId(decodeHex(s)))
	}
	return out, rows.Err()
}

// CountCommitted returns the number of committed blocks in a shard
// group's chain.
func (r *BlockRepository) CountCommitted(ctx context.Context, group dantypes.ShardGroup) (uint64, error) {
	var count uint64
	err := r.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE shard_group_start = $1 AND shard_group_end = $2 AND is_committed = true`,
		group.Start, group.End,
	).Scan(&count)
	if err != nil {
		return 0, dynerr.StorageError(group.String(), err)
	}
	return count, nil
}
