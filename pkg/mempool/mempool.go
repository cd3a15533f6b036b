// Package mempool runs the admission chain a transaction must pass
// before it enters the pool: has_inputs ∧ template_exists ∧
// has_fee_instruction. It never mutates pool state.
package mempool

import (
	"context"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// TemplateResolver answers whether a template referenced by a
// transaction's TemplateCall is known to this node. External
// collaborator: template WASM execution is out of scope (spec.md §1).
type TemplateResolver interface {
	TemplateExists(ctx context.Context, templateCall []byte) (bool, error)
}

// Validator runs the mempool admission chain over a Transaction.
type Validator struct {
	templates TemplateResolver
}

// New constructs a Validator.
func New(templates TemplateResolver) *Validator {
	return &Validator{templates: templates}
}

// Admit runs has_inputs ∧ template_exists ∧ has_fee_instruction in order,
// short-circuiting on the first failure with the matching Reject reason.
func (v *Validator) Admit(ctx context.Context, tx dantypes.Transaction) error {
	if !hasInputs(tx) {
		return dynerr.Reject(dynerr.ReasonShardsNotPledged, tx.ID.String())
	}
	ok, err := v.templates.TemplateExists(ctx, tx.TemplateCall)
	if err != nil {
		return dynerr.StorageError(tx.ID.String(), err)
	}
	if !ok {
		return dynerr.Reject(dynerr.ReasonExecutionFailure, tx.ID.String())
	}
	if !hasFeeInstruction(tx) {
		return dynerr.Reject(dynerr.ReasonFeesNotPaid, tx.ID.String())
	}
	return nil
}

func hasInputs(tx dantypes.Transaction) bool {
	for _, se := range tx.Evidence {
		if len(se.Inputs) > 0 || len(se.Outputs) > 0 {
			return true
		}
	}
	return false
}

func hasFeeInstruction(tx dantypes.Transaction) bool {
	return len(tx.FeeInstruction) > 0
}
