package rpc

import (
	"encoding/hex"
	"fmt"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

func parseHexBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed hex: %w", err)
	}
	return b, nil
}

// parseHash32 decodes a hex string into a Hash32, treating malformed
// input as the zero hash — the same tolerant convention
// pkg/database.decodeHex uses, since a bad id here fails downstream as a
// not-found rather than needing its own error path.
func parseHash32(s string) dantypes.Hash32 {
	var h dantypes.Hash32
	raw, err := hex.DecodeString(s)
	if err == nil {
		copy(h[:], raw)
	}
	return h
}

func parseTransactionID(s string) (dantypes.TransactionId, error) {
	if len(s) != 64 {
		return dantypes.TransactionId{}, fmt.Errorf("transaction_id must be 32 bytes hex-encoded, got %d chars", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return dantypes.TransactionId{}, fmt.Errorf("malformed transaction_id: %w", err)
	}
	var id dantypes.TransactionId
	copy(id[:], raw)
	return id, nil
}

func hexString(b []byte) string { return hex.EncodeToString(b) }
