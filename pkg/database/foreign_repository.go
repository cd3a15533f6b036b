package database

import (
	"context"
	"database/sql"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// ForeignProposalRepository persists received foreign proposals (keyed by
// the sending shard group, for gap/duplicate detection) and each shard
// group's outbound send counters.
type ForeignProposalRepository struct {
	client *Client
}

// NewForeignProposalRepository creates a new foreign-proposal repository.
func NewForeignProposalRepository(client *Client) *ForeignProposalRepository {
	return &ForeignProposalRepository{client: client}
}

// RecordReceived stores a foreign proposal's pledge set for a block,
// keyed by (block, local shard group); a second row for the same pair is
// ignored.
func (r *ForeignProposalRepository) RecordReceived(ctx context.Context, blockID dantypes.BlockId, local, from dantypes.ShardGroup, foreignIndex uint64, pledges []dantypes.SubstatePledge) error {
	raw, err := encodePledges(pledges)
	if err != nil {
		return dynerr.DataInconsistency(blockID.String(), err)
	}
	query := `
		INSERT INTO foreign_proposals (
			block_id, shard_group_start, shard_group_end,
			from_shard_group_start, from_shard_group_end, foreign_index, pledge
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (block_id, shard_group_start, shard_group_end) DO NOTHING`

	_, err = r.client.ExecContext(ctx, query,
		blockID.String(), local.Start, local.End, from.Start, from.End, foreignIndex, raw,
	)
	if err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}

// LastIndexFrom returns the highest foreign_index previously accepted
// from a given sending shard group, for gap/duplicate detection.
func (r *ForeignProposalRepository) LastIndexFrom(ctx context.Context, local, from dantypes.ShardGroup) (uint64, bool, error) {
	query := `
		SELECT MAX(foreign_index) FROM foreign_proposals
		WHERE shard_group_start = $1 AND shard_group_end = $2
		  AND from_shard_group_start = $3 AND from_shard_group_end = $4`

	var idx sql.NullInt64
	err := r.client.QueryRowContext(ctx, query, local.Start, local.End, from.Start, from.End).Scan(&idx)
	if err != nil {
		return 0, false, dynerr.StorageError("", err)
	}
	if !idx.Valid {
		return 0, false, nil
	}
	return uint64(idx.Int64), true, nil
}

// DeleteForBlock removes foreign-proposal mark-proposed rows for a
// cascade-deleted block.
func (r *ForeignProposalRepository) DeleteForBlock(ctx context.Context, blockID dantypes.BlockId) error {
	if _, err := r.client.ExecContext(ctx, `DELETE FROM foreign_proposals WHERE block_id = $1`, blockID.String()); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}

// IncrementSendCounter increments and returns the outbound send counter
// from a shard group to a destination shard.
func (r *ForeignProposalRepository) IncrementSendCounter(ctx context.Context, from dantypes.ShardGroup, to dantypes.Shard) (uint64, error) {
	query := `
		INSERT INTO foreign_send_counters (from_shard_group_start, from_shard_group_end, to_shard, counter)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (from_shard_group_start, from_shard_group_end, to_shard)
		DO UPDATE SET counter = foreign_send_counters.counter + 1
		RETURNING counter`

	var counter uint64
	if err := r.client.QueryRowContext(ctx, query, from.Start, from.End, uint32(to)).Scan(&counter); err != nil {
		return 0, dynerr.StorageError("", err)
	}
	return counter, nil
}

// SendCounter returns the current outbound send counter, or 0 if none
// has been sent yet.
func (r *ForeignProposalRepository) SendCounter(ctx context.Context, from dantypes.ShardGroup, to dantypes.Shard) (uint64, error) {
	query := `SELECT counter FROM foreign_send_counters WHERE from_shard_group_start = $1 AND from_shard_group_end = $2 AND to_shard = $3`
	var counter uint64
	err := r.client.QueryRowContext(ctx, query, from.Start, from.End, uint32(to)).Scan(&counter)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, dynerr.StorageError("", err)
	}
	return counter, nil
}

// ValidatorStatsRepository tracks per-epoch missed-proposal counts used
// by the engine's leader-failure accounting.
type ValidatorStatsRepository struct {
	client *Client
}

// NewValidatorStatsRepository creates a new validator stats repository.
func NewValidatorStatsRepository(client *Client) *ValidatorStatsRepository {
	return &ValidatorStatsRepository{client: client}
}

// IncrementMissed increments a validator's missed-proposal count for an
// epoch and returns the new total.
func (r *ValidatorStatsRepository) IncrementMissed(ctx context.Context, pubKey []byte, epoch dantypes.Epoch) (int, error) {
	query := `
		INSERT INTO validator_epoch_stats (validator_public_key, epoch, missed_proposal_count)
		VALUES ($1,$2,1)
		ON CONFLICT (validator_public_key, epoch)
		DO UPDATE SET missed_proposal_count = validator_epoch_stats.missed_proposal_count + 1
		RETURNING missed_proposal_count`

	var count int
	if err := r.client.QueryRowContext(ctx, query, pubKey, uint64(epoch)).Scan(&count); err != nil {
		return 0, dynerr.StorageError("", err)
	}
	return count, nil
}

// ResetMissed resets a validator's missed-proposal count for an epoch to
// zero, called when that validator successfully proposes.
func (r *ValidatorStatsRepository) ResetMissed(ctx context.Context, pubKey []byte, epoch dantypes.Epoch) error {
	query := `
		INSERT INTO validator_epoch_stats (validator_public_key, epoch, missed_proposal_count)
		VALUES ($1,$2,0)
		ON CONFLICT (validator_public_key, epoch) DO UPDATE SET missed_proposal_count = 0`

	if _, err := r.client.ExecContext(ctx, query, pubKey, uint64(epoch)); err != nil {
		return dynerr.StorageError("", err)
	}
	return nil
}

// MissedCount returns a validator's current missed-proposal count for an
// epoch.
func (r *ValidatorStatsRepository) MissedCount(ctx context.Context, pubKey []byte, epoch dantypes.Epoch) (int, error) {
	query := `SELECT missed_proposal_count FROM validator_epoch_stats WHERE validator_public_key = $1 AND epoch = $2`
	var count int
	err := r.client.QueryRowContext(ctx, query, pubKey, uint64(epoch)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, dynerr.StorageError("", err)
	}
	return count, nil
}
