package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// PoolStage names a transaction pool entry's lifecycle stage; stored as
// plain text so ad-hoc SQL inspection during incident response doesn't
// need a lookup table.
type PoolStage string

const (
	StageNew           PoolStage = "New"
	StagePrepared      PoolStage = "Prepared"
	StageLocalPrepared PoolStage = "LocalPrepared"
	StageAllPrepared   PoolStage = "AllPrepared"
	StageLocalAccepted PoolStage = "LocalAccepted"
	StageAllAccepted   PoolStage = "AllAccepted"
	StageFinalized     PoolStage = "Finalized"
	StageAborted       PoolStage = "Aborted"
)

// PoolEntry is one transaction pool row.
type PoolEntry struct {
	TransactionID dantypes.TransactionId
	Stage         PoolStage
	Evidence      dantypes.Evidence
	FeeRate       uint64
}

// TransactionPoolRepository persists the pool's transaction entries and
// the per-block pending-update log used to undo transitions when a block
// is cascade-deleted.
type TransactionPoolRepository struct {
	client *Client
}

// NewTransactionPoolRepository creates a new pool repository.
func NewTransactionPoolRepository(client *Client) *TransactionPoolRepository {
	return &TransactionPoolRepository{client: client}
}

func encodeEvidence(ev dantypes.Evidence) ([]byte, error) {
	a := dantypes.Atom{Evidence: ev}
	return json.Marshal(toAtomJSON(a).Evidence)
}

func decodeEvidence(raw []byte) (dantypes.Evidence, error) {
	var ev []shardEvidenceJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
	}
	a := fromAtomJSON(atomJSON{Evidence: ev})
	return a.Evidence, nil
}

// Insert adds a new pool entry in the New stage.
func (r *TransactionPoolRepository) Insert(ctx context.Context, txID dantypes.TransactionId, feeRate uint64) error {
	query := `
		INSERT INTO transaction_pool (transaction_id, stage, evidence, fee_rate)
		VALUES ($1, $2, '{}', $3)`
	if _, err := r.client.ExecContext(ctx, query, txID.String(), string(StageNew), feeRate); err != nil {
		return dynerr.StorageError(txID.String(), err)
	}
	return nil
}

// Get returns a pool entry by transaction id.
func (r *TransactionPoolRepository) Get(ctx context.Context, txID dantypes.TransactionId) (PoolEntry, error) {
	query := `SELECT transaction_id, stage, evidence, fee_rate FROM transaction_pool WHERE transaction_id = $1`
	var id, stage string
	var evRaw []byte
	var feeRate uint64
	err := r.client.QueryRowContext(ctx, query, txID.String()).Scan(&id, &stage, &evRaw, &feeRate)
	if err == sql.ErrNoRows {
		return PoolEntry{}, dynerr.NotFound(txID.String())
	}
	if err != nil {
		return PoolEntry{}, dynerr.StorageError(txID.String(), err)
	}
	ev, err := decodeEvidence(evRaw)
	if err != nil {
		return PoolEntry{}, dynerr.DataInconsistency(txID.String(), err)
	}
	return PoolEntry{TransactionID: dantypes.TransactionId(decodeHex(id)), Stage: PoolStage(stage), Evidence: ev, FeeRate: feeRate}, nil
}

// UpdateStage transitions a pool entry's stage and evidence, and records
// the transition in transaction_pool_state_updates so it can be reverted
// if blockID is later cascade-deleted.
func (r *TransactionPoolRepository) UpdateStage(ctx context.Context, blockID dantypes.BlockId, txID dantypes.TransactionId, from, to PoolStage, evidence dantypes.Evidence) error {
	evRaw, err := encodeEvidence(evidence)
	if err != nil {
		return dynerr.DataInconsistency(txID.String(), err)
	}

	tx, err := r.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return dynerr.StorageError(txID.String(), err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE transaction_pool SET stage = $2, evidence = $3, updated_at = now() WHERE transaction_id = $1`,
		txID.String(), string(to), evRaw,
	); err != nil {
		return dynerr.StorageError(txID.String(), err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transaction_pool_state_updates (transaction_id, block_id, from_stage, to_stage) VALUES ($1,$2,$3,$4)`,
		txID.String(), blockID.String(), string(from), string(to),
	); err != nil {
		return dynerr.StorageError(txID.String(), err)
	}

	if err := tx.Commit(); err != nil {
		return dynerr.StorageError(txID.String(), err)
	}
	return nil
}

// UndoUpdatesForBlock reverts every pool-stage transition recorded against
// a cascade-deleted block, restoring each affected transaction to its
// from_stage.
func (r *TransactionPoolRepository) UndoUpdatesForBlock(ctx context.Context, blockID dantypes.BlockId) error {
	rows, err := r.client.QueryContext(ctx,
		`SELECT transaction_id, from_stage FROM transaction_pool_state_updates WHERE block_id = $1 ORDER BY id DESC`,
		blockID.String(),
	)
	if err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	type undo struct {
		txID, fromStage string
	}
	var undos []undo
	for rows.Next() {
		var u undo
		if err := rows.Scan(&u.txID, &u.fromStage); err != nil {
			rows.Close()
			return dynerr.StorageError(blockID.String(), err)
		}
		undos = append(undos, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}

	for _, u := range undos {
		if _, err := r.client.ExecContext(ctx, `UPDATE transaction_pool SET stage = $2, updated_at = now() WHERE transaction_id = $1`, u.txID, u.fromStage); err != nil {
			return dynerr.StorageError(blockID.String(), err)
		}
	}
	if _, err := r.client.ExecContext(ctx, `DELETE FROM transaction_pool_state_updates WHERE block_id = $1`, blockID.String()); err != nil {
		return dynerr.StorageError(blockID.String(), err)
	}
	return nil
}

// ListByStage returns every pool entry at a given stage, ordered by
// (fee_rate desc, transaction_id) — the canonical select_next_commands
// order — as a fallback path for callers without an in-memory btree
// index warmed yet.
func (r *TransactionPoolRepository) ListByStage(ctx context.Context, stage PoolStage) ([]PoolEntry, error) {
	rows, err := r.client.QueryContext(ctx,
		`SELECT transaction_id, stage, evidence, fee_rate FROM transaction_pool WHERE stage = $1 ORDER BY fee_rate DESC, transaction_id ASC`,
		string(stage),
	)
	if err != nil {
		return nil, dynerr.StorageError("", err)
	}
	defer rows.Close()

	var out []PoolEntry
	for rows.Next() {
		var id, s string
		var evRaw []byte
		var feeRate uint64
		if err := rows.Scan(&id, &s, &evRaw, &feeRate); err != nil {
			return nil, dynerr.StorageError("", err)
		}
		ev, err := decodeEvidence(evRaw)
		if err != nil {
			return nil, dynerr.DataInconsistency(id, err)
		}
		out = append(out, PoolEntry{TransactionID: dantypes.TransactionId(decodeHex(id)), Stage: PoolStage(s), Evidence: ev, FeeRate: feeRate})
	}
	return out, rows.Err()
}

// ListAll returns every pool entry regardless of stage, ordered by
// (fee_rate desc, transaction_id) — the full snapshot a get_tx_pool RPC
// call serves.
func (r *TransactionPoolRepository) ListAll(ctx context.Context) ([]PoolEntry, error) {
	rows, err := r.client.QueryContext(ctx,
		`SELECT transaction_id, stage, evidence, fee_rate FROM transaction_pool ORDER BY fee_rate DESC, transaction_id ASC`,
	)
	if err != nil {
		return nil, dynerr.StorageError("", err)
	}
	defer rows.Close()

	var out []PoolEntry
	for rows.Next() {
		var id, s string
		var evRaw []byte
		var feeRate uint64
		if err := rows.Scan(&id, &s, &evRaw, &feeRate); err != nil {
			return nil, dynerr.StorageError("", err)
		}
		ev, err := decodeEvidence(evRaw)
		if err != nil {
			return nil, dynerr.DataInconsistency(id, err)
		}
		out = append(out, PoolEntry{TransactionID: dantypes.TransactionId(decodeHex(id)), Stage: PoolStage(s), Evidence: ev, FeeRate: feeRate})
	}
	return out, rows.Err()
}
