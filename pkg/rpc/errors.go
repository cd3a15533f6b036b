package rpc

import (
	"github.com/AccumulateNetwork/jsonrpc2/v15"

	"github.com/dan-network/validator-core/pkg/dynerr"
)

// JSON-RPC application error codes, chosen to sit alongside the
// HTTP-adjacent convention spec.md §6 asks for (401/404/500-flavored)
// while staying inside the JSON-RPC 2.0 reserved-range rules (anything
// outside -32768..-32000 is available to the application).
const (
	codeAccessDenied = 4401
	codeNotFound     = 4404
	codeConflict     = 4409
	codeRejected     = 4422
	codeInternal     = 5500

	// codeInvalidParams is the JSON-RPC 2.0 spec's reserved code for
	// malformed parameters, used directly rather than via a library
	// constant since the exact name that constant carries is uncertain.
	codeInvalidParams = -32602
)

// toRPCError maps a dynerr.Error's Kind onto a JSON-RPC application
// error; anything not already a *dynerr.Error (a bug, not a domain
// rejection) is surfaced as an opaque internal error rather than leaking
// its message.
func toRPCError(err error) *jsonrpc2.Error {
	if err == nil {
		return nil
	}
	de, ok := err.(*dynerr.Error)
	if !ok {
		return &jsonrpc2.Error{Code: codeInternal, Message: "internal error"}
	}
	switch de.Kind {
	case dynerr.KindNotFound:
		return &jsonrpc2.Error{Code: codeNotFound, Message: "not found", Data: de.Context}
	case dynerr.KindAccessDenied:
		return &jsonrpc2.Error{Code: codeAccessDenied, Message: "access denied", Data: de.Context}
	case dynerr.KindReject:
		return &jsonrpc2.Error{Code: codeRejected, Message: "transaction rejected", Data: string(de.Reason)}
	case dynerr.KindLockConflict:
		return &jsonrpc2.Error{Code: codeConflict, Message: "substate locked", Data: de.Context}
	default:
		return &jsonrpc2.Error{Code: codeInternal, Message: "internal error"}
	}
}

func invalidParams(err error) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: codeInvalidParams, Message: "invalid params", Data: err.Error()}
}
