package database

import (
	"context"
	"database/sql"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// SubstateRepository persists versioned substates and their lock records.
type SubstateRepository struct {
	client *Client
}

// NewSubstateRepository creates a new substate repository.
func NewSubstateRepository(client *Client) *SubstateRepository {
	return &SubstateRepository{client: client}
}

// InsertUp records a newly-created substate version.
func (r *SubstateRepository) InsertUp(ctx context.Context, shard dantypes.Shard, s dantypes.Substate) error {
	query := `
		INSERT INTO substates (
			substate_id, version, value, shard, created_epoch, created_height,
			created_by_block, created_by_transaction
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := r.client.ExecContext(ctx, query,
		string(s.ID), s.Version, s.Value, uint32(shard), uint64(s.CreatedEpoch), uint64(s.CreatedHeight),
		s.CreatedByBlock.String(), s.CreatedByTransaction.String(),
	)
	if err != nil {
		return dynerr.StorageError(string(s.ID), err)
	}
	return nil
}

// MarkDown marks the substate at the given version as destroyed.
func (r *SubstateRepository) MarkDown(ctx context.Context, id dantypes.SubstateId, version uint64, epoch dantypes.Epoch, height dantypes.NodeHeight, blockID dantypes.BlockId, txID dantypes.TransactionId) error {
	query := `
		UPDATE substates SET
			destroyed_epoch = $3, destroyed_height = $4,
			destroyed_by_block = $5, destroyed_by_transaction = $6
		WHERE substate_id = $1 AND version = $2`

	res, err := r.client.ExecContext(ctx, query, string(id), version, uint64(epoch), uint64(height), blockID.String(), txID.String())
	if err != nil {
		return dynerr.StorageError(string(id), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dynerr.DataInconsistency(string(id), errVersionMismatch)
	}
	return nil
}

var errVersionMismatch = versionMismatchError{}

type versionMismatchError struct{}

func (versionMismatchError) Error() string { return "down does not match current max version" }

// GetLatestUp returns the current (undestroyed) record for a substate id.
func (r *SubstateRepository) GetLatestUp(ctx context.Context, id dantypes.SubstateId) (dantypes.Substate, error) {
	query := `
		SELECT substate_id, version, value, created_epoch, created_height,
			created_by_block, created_by_transaction
		FROM substates WHERE substate_id = $1 AND destroyed_by_block IS NULL
		ORDER BY version DESC LIMIT 1`

	var (
		sid                    string
		version                uint64
		value                  []byte
		createdEpoch, createdH uint64
		createdBlock, createdTx string
	)
	err := r.client.QueryRowContext(ctx, query, string(id)).Scan(&sid, &version, &value, &createdEpoch, &createdH, &createdBlock, &createdTx)
	if err == sql.ErrNoRows {
		return dantypes.Substate{}, dynerr.NotFound(string(id))
	}
	if err != nil {
		return dantypes.Substate{}, dynerr.StorageError(string(id), err)
	}

	return dantypes.Substate{
		ID:                   dantypes.SubstateId(sid),
		Version:              version,
		Value:                value,
		CreatedEpoch:         dantypes.Epoch(createdEpoch),
		CreatedHeight:        dantypes.NodeHeight(createdH),
		CreatedByBlock:       dantypes.BlockId(decodeHex(createdBlock)),
		CreatedByTransaction: dantypes.TransactionId(decodeHex(createdTx)),
	}, nil
}

// Get returns the substate at a specific version, which may already be
// destroyed.
func (r *SubstateRepository) Get(ctx context.Context, v dantypes.VersionedSubstateId) (dantypes.Substate, error) {
	query := `
		SELECT substate_id, version, value, created_epoch, created_height,
			created_by_block, created_by_transaction, destroyed_by_block, destroyed_by_transaction
		FROM substates WHERE substate_id = $1 AND version = $2`

	var (
		sid                     string
		version                 uint64
		value                   []byte
		createdEpoch, createdH  uint64
		createdBlock, createdTx string
		destroyedBlock, destroyedTx sql.NullString
	)
	err := r.client.QueryRowContext(ctx, query, string(v.ID), v.Version).Scan(
		&sid, &version, &value, &createdEpoch, &createdH, &createdBlock, &createdTx, &destroyedBlock, &destroyedTx,
	)
	if err == sql.ErrNoRows {
		return dantypes.Substate{}, dynerr.NotFound(v.String())
	}
	if err != nil {
		return dantypes.Substate{}, dynerr.StorageError(v.String(), err)
	}

	out := dantypes.Substate{
		ID:                   dantypes.SubstateId(sid),
		Version:              version,
		Value:                value,
		CreatedEpoch:         dantypes.Epoch(createdEpoch),
		CreatedHeight:        dantypes.NodeHeight(createdH),
		CreatedByBlock:       dantypes.BlockId(decodeHex(createdBlock)),
		CreatedByTransaction: dantypes.TransactionId(decodeHex(createdTx)),
	}
	if destroyedBlock.Valid {
		b := dantypes.BlockId(decodeHex(destroyedBlock.String))
		out.DestroyedByBlock = &b
	}
	if destroyedTx.Valid {
		t := dantypes.TransactionId(decodeHex(destroyedTx.String))
		out.DestroyedByTransaction = &t
	}
	return out, nil
}

// Exists reports whether a specific version is stored.
func (r *SubstateRepository) Exists(ctx context.Context, v dantypes.VersionedSubstateId) (bool, error) {
	var count int
	err := r.client.QueryRowContext(ctx, `SELECT COUNT(*) FROM substates WHERE substate_id = $1 AND version = $2`, string(v.ID), v.Version).Scan(&count)
	if err != nil {
		return false, dynerr.StorageError(v.String(), err)
	}
	return count > 0, nil
}

// CreatedByTransaction returns every substate version a transaction
// created.
func (r *SubstateRepository) CreatedByTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.Substate, error) {
	return r.byTransactionColumn(ctx, "created_by_transaction", txID)
}

// DestroyedByTransaction returns every substate version a transaction
// destroyed.
func (r *SubstateRepository) DestroyedByTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.Substate, error) {
	return r.byTransactionColumn(ctx, "destroyed_by_transaction", txID)
}

func (r *SubstateRepository) byTransactionColumn(ctx context.Context, column string, txID dantypes.TransactionId) ([]dantypes.Substate, error) {
	query := `
		SELECT substate_id, version, value, created_epoch, created_height,
			created_by_block, created_by_transaction, destroyed_by_block, destroyed_by_transaction
		FROM substates WHERE ` + column + ` = $1`

	rows, err := r.client.QueryContext(ctx, query, txID.String())
	if err != nil {
		return nil, dynerr.StorageError(txID.String(), err)
	}
	defer rows.Close()

	var out []dantypes.Substate
	for rows.Next() {
		var (
			sid                         string
			version                     uint64
			value                       []byte
			createdEpoch, createdH      uint64
			createdBlock, createdTx     string
			destroyedBlock, destroyedTx sql.NullString
		)
		if err := rows.Scan(&sid, &version, &value, &createdEpoch, &createdH, &createdBlock, &createdTx, &destroyedBlock, &destroyedTx); err != nil {
			return nil, dynerr.StorageError(txID.String(), err)
		}
		s := dantypes.Substate{
			ID:                   dantypes.SubstateId(sid),
			Version:              version,
			Value:                value,
			CreatedEpoch:         dantypes.Epoch(createdEpoch),
			CreatedHeight:        dantypes.NodeHeight(createdH),
			CreatedByBlock:       dantypes.BlockId(decodeHex(createdBlock)),
			CreatedByTransaction: dantypes.TransactionId(decodeHex(createdTx)),
		}
		if destroyedBlock.Valid {
			b := dantypes.BlockId(decodeHex(destroyedBlock.String))
			s.DestroyedByBlock = &b
		}
		if destroyedTx.Valid {
			t := dantypes.TransactionId(decodeHex(destroyedTx.String))
			s.DestroyedByTransaction = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LockRepository tracks per-transaction substate locks.
type LockRepository struct {
	client *Client
}

// NewLockRepository creates a new lock repository.
func NewLockRepository(client *Client) *LockRepository {
	return &LockRepository{client: client}
}

// ActiveLocks returns every lock currently held against a substate id,
// across all versions and transactions.
func (r *LockRepository) ActiveLocks(ctx context.Context, id dantypes.SubstateId) ([]dantypes.LockIntent, error) {
	rows, err := r.client.QueryContext(ctx, `SELECT version, transaction_id, lock_op FROM substate_locks WHERE substate_id = $1`, string(id))
	if err != nil {
		return nil, dynerr.StorageError(string(id), err)
	}
	defer rows.Close()

	var out []dantypes.LockIntent
	for rows.Next() {
		var version uint64
		var txID string
		var op int
		if err := rows.Scan(&version, &txID, &op); err != nil {
			return nil, dynerr.StorageError(string(id), err)
		}
		out = append(out, dantypes.LockIntent{SubstateID: id, Version: version, Op: dantypes.LockOp(op)})
	}
	return out, rows.Err()
}

// Acquire records a lock for a transaction. Caller must have already
// checked the exclusive/shared invariants against ActiveLocks.
func (r *LockRepository) Acquire(ctx context.Context, txID dantypes.TransactionId, intent dantypes.LockIntent) error {
	query := `
		INSERT INTO substate_locks (substate_id, version, transaction_id, lock_op)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (substate_id, transaction_id) DO UPDATE SET lock_op = EXCLUDED.lock_op, version = EXCLUDED.version`

	_, err := r.client.ExecContext(ctx, query, string(intent.SubstateID), intent.Version, txID.String(), int(intent.Op))
	if err != nil {
		return dynerr.StorageError(string(intent.SubstateID), err)
	}
	return nil
}

// LocksForTransaction returns every lock intent a transaction currently
// holds, the shape pledge construction needs to know which substates a
// LocalPrepare/LocalAccept atom actually touched.
func (r *LockRepository) LocksForTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.LockIntent, error) {
	rows, err := r.client.QueryContext(ctx, `SELECT substate_id, version, lock_op FROM substate_locks WHERE transaction_id = $1`, txID.String())
	if err != nil {
		return nil, dynerr.StorageError(txID.String(), err)
	}
	defer rows.Close()

	var out []dantypes.LockIntent
	for rows.Next() {
		var substateID string
		var version uint64
		var op int
		if err := rows.Scan(&substateID, &version, &op); err != nil {
			return nil, dynerr.StorageError(txID.String(), err)
		}
		out = append(out, dantypes.LockIntent{SubstateID: dantypes.SubstateId(substateID), Version: version, Op: dantypes.LockOp(op)})
	}
	return out, rows.Err()
}

// Release removes every lock held by a transaction.
func (r *LockRepository) Release(ctx context.Context, txID dantypes.TransactionId) error {
	if _, err := r.client.ExecContext(ctx, `DELETE FROM substate_locks WHERE transaction_id = $1`, txID.String()); err != nil {
		return dynerr.StorageError(txID.String(), err)
	}
	return nil
}
