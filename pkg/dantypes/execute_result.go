package dantypes

// RejectReason names why a transaction's body failed even though it may
// still have paid its fee. Distinct from dynerr.Reason: this one
// describes execution-engine outcomes recorded in a FinalizeResult,
// dynerr.Reason describes consensus-level admission/propagation
// rejections.
type RejectReason string

const (
	RejectExecutionFailure  RejectReason = "ExecutionFailure"
	RejectShardRejected     RejectReason = "ShardRejected"
	RejectFeeTransactionFailed RejectReason = "FeeTransactionFailed"
)

// TransactionResult is the outcome of running a transaction's body,
// independent of whether its fee instruction succeeded.
type TransactionResult int

const (
	ResultAccept TransactionResult = iota
	ResultAcceptFeeRejectRest
	ResultReject
)

// FeeReceipt records how much of a transaction's declared fee was
// collected even when its body rejected.
type FeeReceipt struct {
	TotalFeeCharged uint64
	PaidInFull      bool
}

// FinalizeResult is the execution engine's detailed accounting for one
// transaction: its logs/events are opaque to this core (owned by the
// template engine), but TransactionFailure and FeeReceipt are
// consensus-visible because they determine what a Command's Atom
// records.
type FinalizeResult struct {
	TransactionID      TransactionId
	Result             TransactionResult
	FeeReceipt         FeeReceipt
	TransactionFailure *RejectReason
}

// ExpectSuccess panics-free accessor mirroring the original
// implementation's test helper: reports whether the body committed with
// no failure at all.
func (f FinalizeResult) ExpectSuccess() bool {
	return f.Result == ResultAccept && f.TransactionFailure == nil
}

// ExpectFeesPaidInFull reports whether the fee receipt shows full
// payment regardless of body outcome.
func (f FinalizeResult) ExpectFeesPaidInFull() bool {
	return f.FeeReceipt.PaidInFull
}

// ExecuteResult is the top-level result of executing a transaction: a
// Finalize result plus the top-level failure classification consensus
// cares about when deciding the atom's Decision.
type ExecuteResult struct {
	Finalize           FinalizeResult
	TransactionFailure *RejectReason
}

// FeeSucceedsBodyRejects builds the canonical "fee instruction succeeded
// but the main body rejected" result: the finalize result still reports
// Accept (over the fee-only diff) with a recorded TransactionFailure, and
// the fee receipt shows full payment. This is the shape end-to-end
// scenario 6 exercises.
func FeeSucceedsBodyRejects(txID TransactionId, totalFee uint64, reason RejectReason) ExecuteResult {
	r := reason
	return ExecuteResult{
		Finalize: FinalizeResult{
			TransactionID: txID,
			Result:        ResultAccept,
			FeeReceipt: FeeReceipt{
				TotalFeeCharged: totalFee,
				PaidInFull:      true,
			},
			TransactionFailure: &r,
		},
		TransactionFailure: &r,
	}
}
