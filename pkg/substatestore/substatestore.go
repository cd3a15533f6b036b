// Package substatestore exposes one Store facade over the versioned
// substate store: get/exists/locate_dependent,
// lock_for_transaction/release_locks, and diff application with the
// exclusive/shared/output lock invariants of spec.md §4.1. There are no
// separate read-only or read-write transaction handles; every call goes
// straight to pkg/database.
package substatestore

import (
	"context"
	"log"

	"github.com/dan-network/validator-core/pkg/database"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// Store is the substate store facade used by both the consensus engine
// (read-write, on the commit path) and RPC/indexer callers (read-only).
type Store struct {
	substates    *database.SubstateRepository
	locks        *database.LockRepository
	numPreshards uint32
	logger       *log.Logger
}

// New constructs a Store.
func New(substates *database.SubstateRepository, locks *database.LockRepository, numPreshards uint32) *Store {
	return &Store{
		substates:    substates,
		locks:        locks,
		numPreshards: numPreshards,
		logger:       log.New(log.Writer(), "[SubstateStore] ", log.LstdFlags),
	}
}

// Get returns a substate at an exact version.
func (s *Store) Get(ctx context.Context, v dantypes.VersionedSubstateId) (dantypes.Substate, error) {
	return s.substates.Get(ctx, v)
}

// Exists reports whether a specific version is stored.
func (s *Store) Exists(ctx context.Context, v dantypes.VersionedSubstateId) (bool, error) {
	return s.substates.Exists(ctx, v)
}

// LocateDependent walks the supplied addresses and resolves each to its
// current (undestroyed) version, the shape LocalPrepare construction
// needs before it can build lock intents.
func (s *Store) LocateDependent(ctx context.Context, addresses []dantypes.SubstateId) ([]dantypes.VersionedSubstateId, error) {
	out := make([]dantypes.VersionedSubstateId, 0, len(addresses))
	for _, addr := range addresses {
		up, err := s.substates.GetLatestUp(ctx, addr)
		if err != nil {
			return nil, err
		}
		out = append(out, dantypes.VersionedSubstateId{ID: addr, Version: up.Version})
	}
	return out, nil
}

// LockForTransaction attempts to acquire every intent atomically: a
// substate may carry at most one exclusive Write lock alongside any
// number of shared Read locks, and an Output lock is exclusive and
// forbids the target version already existing. Any conflicting intent
// aborts the whole batch with dynerr.LockConflict; no partial locks are
// left behind.
func (s *Store) LockForTransaction(ctx context.Context, txID dantypes.TransactionId, intents []dantypes.LockIntent) error {
	for _, intent := range intents {
		if err := s.checkLockInvariant(ctx, intent); err != nil {
			return err
		}
	}
	for _, intent := range intents {
		if err := s.locks.Acquire(ctx, txID, intent); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkLockInvariant(ctx context.Context, intent dantypes.LockIntent) error {
	active, err := s.locks.ActiveLocks(ctx, intent.SubstateID)
	if err != nil {
		return err
	}

	if intent.Op == dantypes.LockOutput {
		exists, err := s.substates.Exists(ctx, dantypes.VersionedSubstateId{ID: intent.SubstateID, Version: intent.Version})
		if err != nil {
			return err
		}
		if exists {
			return dynerr.LockConflict(string(intent.SubstateID))
		}
	}

	for _, other := range active {
		if intent.Op == dantypes.LockWrite || intent.Op == dantypes.LockOutput || other.Op == dantypes.LockWrite || other.Op == dantypes.LockOutput {
			return dynerr.LockConflict(string(intent.SubstateID))
		}
	}
	return nil
}

// LocksForTransaction returns every lock intent a transaction currently
// holds, used by pledge construction to know which substates a committed
// LocalPrepare/LocalAccept atom actually touched.
func (s *Store) LocksForTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.LockIntent, error) {
	return s.locks.LocksForTransaction(ctx, txID)
}

// ReleaseLocks drops every lock held by a transaction. No code in this
// module calls it, so locks stay in place after a transaction reaches
// Finalized or Aborted.
func (s *Store) ReleaseLocks(ctx context.Context, txID dantypes.TransactionId) error {
	return s.locks.Release(ctx, txID)
}

// GetLatestUp returns the current (undestroyed) record for a substate
// id, for read-only callers that don't already know a specific version.
func (s *Store) GetLatestUp(ctx context.Context, id dantypes.SubstateId) (dantypes.Substate, error) {
	return s.substates.GetLatestUp(ctx, id)
}

// CreatedByTransaction returns every substate version a transaction
// created, for indexer/RPC lookups.
func (s *Store) CreatedByTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.Substate, error) {
	return s.substates.CreatedByTransaction(ctx, txID)
}

// DestroyedByTransaction returns every substate version a transaction
// destroyed, for indexer/RPC lookups.
func (s *Store) DestroyedByTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.Substate, error) {
	return s.substates.DestroyedByTransaction(ctx, txID)
}

// ApplyDiff atomically applies a block's substate diff: every Down must
// match the current max version and every Up.Version must be the
// previous version plus one. Applying a diff for a block marked dummy
// is rejected unless the diff is empty. epoch/height are the committing
// block's, recorded against each Down entry.
func (s *Store) ApplyDiff(ctx context.Context, isDummy bool, epoch dantypes.Epoch, height dantypes.NodeHeight, diff dantypes.BlockDiff) error {
	if isDummy && len(diff.Changes) > 0 {
		return dynerr.DataInconsistency(diff.BlockID.String(), errDummyNonEmptyDiff{})
	}

	for _, change := range diff.Changes {
		switch change.Kind {
		case dantypes.SubstateUp:
			if change.Substate == nil {
				return dynerr.DataInconsistency(string(change.ID), errMissingUpValue{})
			}
			if change.Version > 0 {
				prevExists, err := s.substates.Exists(ctx, dantypes.VersionedSubstateId{ID: change.ID, Version: change.Version - 1})
				if err != nil {
					return err
				}
				if !prevExists {
					return dynerr.DataInconsistency(string(change.ID), errVersionGap{})
				}
			}
			if err := s.substates.InsertUp(ctx, change.Shard, *change.Substate); err != nil {
				return err
			}
		case dantypes.SubstateDown:
			latest, err := s.substates.GetLatestUp(ctx, change.ID)
			if err != nil {
				return err
			}
			if latest.Version != change.DestroyedVersion {
				return dynerr.DataInconsistency(string(change.ID), errDownNotLatest{})
			}
			if err := s.substates.MarkDown(ctx, change.ID, change.DestroyedVersion, epoch, height, diff.BlockID, change.TransactionID); err != nil {
				return err
			}
		}
	}
	s.logger.Printf("applied diff for block %s (%d changes)", diff.BlockID, len(diff.Changes))
	return nil
}

type errDummyNonEmptyDiff struct{}

func (errDummyNonEmptyDiff) Error() string { return "dummy block must have an empty diff" }

type errMissingUpValue struct{}

func (errMissingUpValue) Error() string { return "up change missing substate value" }

type errVersionGap struct{}

func (errVersionGap) Error() string { return "up version is not previous+1" }

type errDownNotLatest struct{}

func (errDownNotLatest) Error() string { return "down does not match current max version" }
