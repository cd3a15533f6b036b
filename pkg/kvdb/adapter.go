// Package kvdb adapts CometBFT's dbm.DB interface to the narrow KV
// interface pkg/registers needs for its singleton markers.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a CometBFT dbm.DB and exposes a plain Get/Set
// interface, so pkg/registers can run over goleveldb, badgerdb or
// boltdb interchangeably depending on config.KVBackend.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get reads a key, returning (nil, nil) when absent.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}

	if v, err := a.db.Get(key); err != nil {
		return nil, err
	} else {
		return v, nil
	}
}

// Set writes a key durably (SetSync), so a register update survives a
// crash immediately after the call returns.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}

	// Use SetSync for durable writes at commit time
	if err := a.db.SetSync(key, value); err != nil {
		return err
	}
	return nil
}