// Package registers stores the six per-epoch consensus singletons
// (HighQC, LockedBlock, LastExecuted, LeafBlock, LastProposed, LastVoted)
// in a pluggable key-value backend (goleveldb/badgerdb/boltdb via
// cometbft-db), following the same key-prefix + JSON-marshal pattern the
// teacher's ledger store used for its own singleton markers.
package registers

import (
	"encoding/json"
	"fmt"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/dynerr"
)

// KV is the minimal key-value interface registers needs; satisfied by
// pkg/kvdb.KVAdapter.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

const (
	prefixHighQC       = "r/high_qc/"
	prefixLockedBlock  = "r/locked_block/"
	prefixLastExecuted = "r/last_executed/"
	prefixLeafBlock    = "r/leaf_block/"
	prefixLastProposed = "r/last_proposed/"
	prefixLastVoted    = "r/last_voted/"
)

// Store reads and writes the consensus registers for one validator
// process. All registers are scoped per-epoch.
type Store struct {
	kv KV
}

// NewStore wraps a KV backend as a register store.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

func epochKey(prefix string, epoch dantypes.Epoch) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, epoch))
}

func (s *Store) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return false, dynerr.StorageError(string(key), err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, dynerr.DataInconsistency(string(key), err)
	}
	return true, nil
}

func (s *Store) setJSON(key []byte, in interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return dynerr.DataInconsistency(string(key), err)
	}
	if err := s.kv.Set(key, raw); err != nil {
		return dynerr.StorageError(string(key), err)
	}
	return nil
}

// qcRecord and blockRefRecord are the on-disk shapes; kept distinct from
// dantypes so storage encoding doesn't leak into the domain model.
type qcRecord struct {
	Epoch              dantypes.Epoch
	ShardGroupStart    dantypes.Shard
	ShardGroupEnd      dantypes.Shard
	BlockID            dantypes.Hash32
	BlockHeight        dantypes.NodeHeight
	Decision           dantypes.Decision
	Signatures         [][]byte
	SignerPublicKeys   [][]byte
	AggregateSignature []byte
}

func toRecord(qc dantypes.QuorumCertificate) qcRecord {
	return qcRecord{
		Epoch:              qc.Epoch,
		ShardGroupStart:    qc.ShardGroup.Start,
		ShardGroupEnd:      qc.ShardGroup.End,
		BlockID:            dantypes.Hash32(qc.BlockID),
		BlockHeight:        qc.BlockHeight,
		Decision:           qc.Decision,
		Signatures:         qc.Signatures,
		SignerPublicKeys:   qc.SignerPublicKeys,
		AggregateSignature: qc.AggregateSignature,
	}
}

func (r qcRecord) toQC() dantypes.QuorumCertificate {
	return dantypes.QuorumCertificate{
		Epoch:              r.Epoch,
		ShardGroup:          dantypes.ShardGroup{Start: r.ShardGroupStart, End: r.ShardGroupEnd},
		BlockID:             dantypes.BlockId(r.BlockID),
		BlockHeight:         r.BlockHeight,
		Decision:            r.Decision,
		Signatures:          r.Signatures,
		SignerPublicKeys:    r.SignerPublicKeys,
		AggregateSignature:  r.AggregateSignature,
	}
}

// HighQC returns the highest-height valid QC observed in the given
// epoch, or ok=false if none has been recorded yet.
func (s *Store) HighQC(epoch dantypes.Epoch) (dantypes.QuorumCertificate, bool, error) {
	var rec qcRecord
	ok, err := s.getJSON(epochKey(prefixHighQC, epoch), &rec)
	if err != nil || !ok {
		return dantypes.QuorumCertificate{}, false, err
	}
	return rec.toQC(), true, nil
}

// SetHighQC stores qc as the new HighQC for its epoch.
func (s *Store) SetHighQC(qc dantypes.QuorumCertificate) error {
	return s.setJSON(epochKey(prefixHighQC, qc.Epoch), toRecord(qc))
}

type blockRefRecord struct {
	BlockID dantypes.Hash32
	Height  dantypes.NodeHeight
}

func getBlockRef(s *Store, prefix string, epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error) {
	var rec blockRefRecord
	ok, err := s.getJSON(epochKey(prefix, epoch), &rec)
	if err != nil || !ok {
		return dantypes.BlockId{}, 0, false, err
	}
	return dantypes.BlockId(rec.BlockID), rec.Height, true, nil
}

func setBlockRef(s *Store, prefix string, epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error {
	return s.setJSON(epochKey(prefix, epoch), blockRefRecord{BlockID: dantypes.Hash32(id), Height: height})
}

// LockedBlock returns the prepared node of the current 3-chain.
func (s *Store) LockedBlock(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error) {
	return getBlockRef(s, prefixLockedBlock, epoch)
}

// SetLockedBlock updates the LockedBlock marker.
func (s *Store) SetLockedBlock(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error {
	return setBlockRef(s, prefixLockedBlock, epoch, id, height)
}

// LastExecuted returns the highest committed block.
func (s *Store) LastExecuted(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error) {
	return getBlockRef(s, prefixLastExecuted, epoch)
}

// SetLastExecuted updates the LastExecuted marker.
func (s *Store) SetLastExecuted(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error {
	return setBlockRef(s, prefixLastExecuted, epoch, id, height)
}

// LeafBlock returns the current chain tip.
func (s *Store) LeafBlock(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error) {
	return getBlockRef(s, prefixLeafBlock, epoch)
}

// SetLeafBlock updates the LeafBlock marker.
func (s *Store) SetLeafBlock(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error {
	return setBlockRef(s, prefixLeafBlock, epoch, id, height)
}

// LastProposed is the local-replica leader de-dup marker: the last
// height this validator proposed at, for a given epoch.
func (s *Store) LastProposed(epoch dantypes.Epoch) (dantypes.NodeHeight, bool, error) {
	var h dantypes.NodeHeight
	ok, err := s.getJSON(epochKey(prefixLastProposed, epoch), &h)
	return h, ok, err
}

// SetLastProposed updates the LastProposed marker.
func (s *Store) SetLastProposed(epoch dantypes.Epoch, height dantypes.NodeHeight) error {
	return s.setJSON(epochKey(prefixLastProposed, epoch), height)
}

// LastVoted is the per-replica vote de-dup marker.
func (s *Store) LastVoted(epoch dantypes.Epoch) (dantypes.NodeHeight, bool, error) {
	var h dantypes.NodeHeight
	ok, err := s.getJSON(epochKey(prefixLastVoted, epoch), &h)
	return h, ok, err
}

// SetLastVoted updates the LastVoted marker.
func (s *Store) SetLastVoted(epoch dantypes.Epoch, height dantypes.NodeHeight) error {
	return s.setJSON(epochKey(prefixLastVoted, epoch), height)
}
