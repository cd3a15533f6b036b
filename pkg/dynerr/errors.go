// Package dynerr defines the structured error kinds shared across the
// consensus core: storage, substate store, block graph, transaction pool,
// and engine all wrap their failures in one of these kinds so that callers
// can decide retry/drop/abort policy without string-matching error text.
package dynerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy purposes.
type Kind int

const (
	// KindNotFound is returned when a requested block/substate/transaction
	// is absent. Surfaced to the caller as-is.
	KindNotFound Kind = iota
	// KindDataInconsistency marks an internal invariant violation (e.g. a
	// pledge could not be constructed from a consistent intent+value).
	// Fatal: the current database transaction must be aborted and the
	// engine halted.
	KindDataInconsistency
	// KindStorageError marks a database-layer failure. Surfaced to the
	// caller; retried by the caller when the operation is idempotent.
	KindStorageError
	// KindAccessDenied covers wallet/admin JSON-RPC authorization
	// failures. Never arises on the consensus hot path.
	KindAccessDenied
	// KindReject wraps a consensus-level rejection of a transaction; see
	// Reason for the specific cause. The transaction is considered
	// finalized (aborted), not retried.
	KindReject
	// KindSafetyViolation marks a proposal that failed the safeNode
	// predicate. The proposal is dropped and never voted for.
	KindSafetyViolation
	// KindLockConflict marks a substate already exclusively locked by
	// another transaction. The caller holds the transaction pending lock
	// release.
	KindLockConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindDataInconsistency:
		return "DataInconsistency"
	case KindStorageError:
		return "StorageError"
	case KindAccessDenied:
		return "AccessDenied"
	case KindReject:
		return "Reject"
	case KindSafetyViolation:
		return "SafetyViolation"
	case KindLockConflict:
		return "LockConflict"
	default:
		return "Unknown"
	}
}

// Reason enumerates the consensus reject reasons recorded against a
// finalized transaction.
type Reason string

const (
	ReasonShardsNotPledged          Reason = "ShardsNotPledged"
	ReasonExecutionFailure          Reason = "ExecutionFailure"
	ReasonPreviousQcRejection       Reason = "PreviousQcRejection"
	ReasonShardPledgedToAnotherPayload Reason = "ShardPledgedToAnotherPayload"
	ReasonShardRejected              Reason = "ShardRejected"
	ReasonFeeTransactionFailed       Reason = "FeeTransactionFailed"
	ReasonFeesNotPaid                Reason = "FeesNotPaid"
)

// Error is the structured error type carried across package boundaries.
// Context is a short, stable identifier (e.g. a block id or substate id)
// useful for logs; it is never parsed by callers.
type Error struct {
	Kind    Kind
	Reason  Reason // only meaningful when Kind == KindReject
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		if e.Context != "" {
			return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Reason, e.Context, e.Err)
		}
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.Reason, e.Err)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, dynerr.New(dynerr.KindNotFound, "", nil)) style checks
// work without comparing Context or wrapped Err.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a structured error of the given kind.
func New(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// NotFound builds a KindNotFound error.
func NotFound(context string) *Error {
	return &Error{Kind: KindNotFound, Context: context, Err: errors.New("not found")}
}

// DataInconsistency builds a KindDataInconsistency error. Callers that
// receive this must treat the current database transaction as unusable.
func DataInconsistency(context string, err error) *Error {
	return &Error{Kind: KindDataInconsistency, Context: context, Err: err}
}

// StorageError builds a KindStorageError error.
func StorageError(context string, err error) *Error {
	return &Error{Kind: KindStorageError, Context: context, Err: err}
}

// AccessDenied builds a KindAccessDenied error.
func AccessDenied(context string) *Error {
	return &Error{Kind: KindAccessDenied, Context: context, Err: errors.New("access denied")}
}

// Reject builds a KindReject error carrying one of the named Reasons.
func Reject(reason Reason, context string) *Error {
	return &Error{Kind: KindReject, Reason: reason, Context: context, Err: fmt.Errorf("transaction rejected: %s", reason)}
}

// SafetyViolation builds a KindSafetyViolation error.
func SafetyViolation(context string) *Error {
	return &Error{Kind: KindSafetyViolation, Context: context, Err: errors.New("proposal failed safeNode")}
}

// LockConflict builds a KindLockConflict error.
func LockConflict(context string) *Error {
	return &Error{Kind: KindLockConflict, Context: context, Err: errors.New("substate exclusively locked")}
}

// IsKind reports whether err is a *Error of the given kind, unwrapping as
// needed.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Sentinel errors kept for direct errors.Is comparisons against legacy
// call sites (e.g. database repositories returning sql.ErrNoRows wrapped
// once at the boundary).
var (
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyCommitted = errors.New("block already committed")
)
