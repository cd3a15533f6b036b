package registers

import (
	"testing"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	m.data[string(key)] = value
	return nil
}

func TestHighQC_RoundTrip(t *testing.T) {
	s := NewStore(newMemKV())

	_, ok, err := s.HighQC(0)
	if err != nil || ok {
		t.Fatalf("expected no HighQC yet, got ok=%v err=%v", ok, err)
	}

	qc := dantypes.QuorumCertificate{
		Epoch:       0,
		ShardGroup:  dantypes.ShardGroup{Start: 0, End: 16},
		BlockID:     dantypes.BlockId(dantypes.HashBytes([]byte("block"))),
		BlockHeight: 5,
		Decision:    dantypes.DecisionCommit,
	}
	if err := s.SetHighQC(qc); err != nil {
		t.Fatalf("SetHighQC: %v", err)
	}

	got, ok, err := s.HighQC(0)
	if err != nil || !ok {
		t.Fatalf("expected HighQC, got ok=%v err=%v", ok, err)
	}
	if got.BlockID != qc.BlockID || got.BlockHeight != qc.BlockHeight {
		t.Fatalf("HighQC mismatch: got %+v, want %+v", got, qc)
	}
}

func TestLockedBlock_PerEpoch(t *testing.T) {
	s := NewStore(newMemKV())
	id := dantypes.BlockId(dantypes.HashBytes([]byte("b1")))

	if err := s.SetLockedBlock(1, id, 3); err != nil {
		t.Fatalf("SetLockedBlock: %v", err)
	}

	gotID, gotHeight, ok, err := s.LockedBlock(1)
	if err != nil || !ok {
		t.Fatalf("expected locked block, got ok=%v err=%v", ok, err)
	}
	if gotID != id || gotHeight != 3 {
		t.Fatalf("locked block mismatch: got (%s,%d)", gotID, gotHeight)
	}

	_, _, ok, err = s.LockedBlock(2)
	if err != nil || ok {
		t.Fatalf("epoch 2 must not see epoch 1's locked block")
	}
}

func TestLastVotedMonotonicByCaller(t *testing.T) {
	s := NewStore(newMemKV())
	if err := s.SetLastVoted(0, 10); err != nil {
		t.Fatalf("SetLastVoted: %v", err)
	}
	h, ok, err := s.LastVoted(0)
	if err != nil || !ok || h != 10 {
		t.Fatalf("unexpected LastVoted: h=%d ok=%v err=%v", h, ok, err)
	}
}
