package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// ExecutionRepository persists per-(transaction, block) execution
// results.
type ExecutionRepository struct {
	client *Client
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(client *Client) *ExecutionRepository {
	return &ExecutionRepository{client: client}
}

// Insert stores a transaction's execution result for a specific block.
func (r *ExecutionRepository) Insert(ctx context.Context, blockID dantypes.BlockId, result dantypes.ExecuteResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return dynerr.DataInconsistency(blockID.String(), err)
	}
	query := `INSERT INTO transaction_executions (transaction_id, block_id, result) VALUES ($1,$2,$3)`
	if _, err := r.client.ExecContext(ctx, query, result.Finalize.TransactionID.String(), blockID.String(), raw); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}

// Get returns the execution result recorded for a transaction in a block.
func (r *ExecutionRepository) Get(ctx context.Context, blockID dantypes.BlockId, txID dantypes.TransactionId) (dantypes.ExecuteResult, error) {
	query := `SELECT result FROM transaction_executions WHERE block_id = $1 AND transaction_id = $2`
	var raw []byte
	err := r.client.QueryRowContext(ctx, query, blockID.String(), txID.String()).Scan(&raw)
	if err == sql.ErrNoRows {
		return dantypes.ExecuteResult{}, dynerr.NotFound(txID.String())
	}
	if err != nil {
		return dantypes.ExecuteResult{}, dynerr.StorageError(txID.String(), err)
	}
	var out dantypes.ExecuteResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return dantypes.ExecuteResult{}, dynerr.DataInconsistency(txID.String(), err)
	}
	return out, nil
}

// GetLatest returns the most recently recorded execution result for a
// transaction, regardless of which block produced it. Cascade-deleting
// an abandoned fork also deletes its execution rows (DeleteForBlock), so
// in steady state at most one row survives per transaction; this just
// avoids requiring the caller to already know the committing block id.
func (r *ExecutionRepository) GetLatest(ctx context.Context, txID dantypes.TransactionId) (dantypes.ExecuteResult, error) {
	query := `SELECT result FROM transaction_executions WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`
	var raw []byte
	err := r.client.QueryRowContext(ctx, query, txID.String()).Scan(&raw)
	if err == sql.ErrNoRows {
		return dantypes.ExecuteResult{}, dynerr.NotFound(txID.String())
	}
	if err != nil {
		return dantypes.ExecuteResult{}, dynerr.StorageError(txID.String(), err)
	}
	var out dantypes.ExecuteResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return dantypes.ExecuteResult{}, dynerr.DataInconsistency(txID.String(), err)
	}
	return out, nil
}

// DeleteForBlock removes every execution record attached to a
// cascade-deleted block.
func (r *ExecutionRepository) DeleteForBlock(ctx context.Context, blockID dantypes.BlockId) error {
	if _, err := r.client.ExecContext(ctx, `DELETE FROM transaction_executions WHERE block_id = $1`, blockID.String()); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}
