package consensus

import (
	"context"
	"testing"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// fakeGraph is an in-memory blockSource/ancestorChecker fake so the
// three-chain/safeNode logic can be exercised without a real blockgraph.Graph.
type fakeGraph struct {
	blocks map[dantypes.BlockId]dantypes.Block
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{blocks: map[dantypes.BlockId]dantypes.Block{}}
}

func (g *fakeGraph) put(b dantypes.Block) { g.blocks[b.ID] = b }

func (g *fakeGraph) Get(ctx context.Context, id dantypes.BlockId) (dantypes.Block, error) {
	b, ok := g.blocks[id]
	if !ok {
		return dantypes.Block{}, errNotFoundInFake{id}
	}
	return b, nil
}

func (g *fakeGraph) IsAncestor(ctx context.Context, descendant, ancestor dantypes.BlockId) (bool, error) {
	if descendant == ancestor {
		return false, nil
	}
	cur := descendant
	for {
		b, ok := g.blocks[cur]
		if !ok {
			return false, nil
		}
		if b.Header.ParentID == ancestor {
			return true, nil
		}
		if b.Header.Height == 0 {
			return false, nil
		}
		cur = b.Header.ParentID
	}
}

type errNotFoundInFake struct{ id dantypes.BlockId }

func (e errNotFoundInFake) Error() string { return "not found: " + e.id.String() }

// fakeRegisters is an in-memory registerStore fake.
type fakeRegisters struct {
	highQC      map[dantypes.Epoch]dantypes.QuorumCertificate
	locked      map[dantypes.Epoch]dantypes.BlockId
	lockedH     map[dantypes.Epoch]dantypes.NodeHeight
	executed    map[dantypes.Epoch]dantypes.BlockId
	executedH   map[dantypes.Epoch]dantypes.NodeHeight
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{
		highQC:    map[dantypes.Epoch]dantypes.QuorumCertificate{},
		locked:    map[dantypes.Epoch]dantypes.BlockId{},
		lockedH:   map[dantypes.Epoch]dantypes.NodeHeight{},
		executed:  map[dantypes.Epoch]dantypes.BlockId{},
		executedH: map[dantypes.Epoch]dantypes.NodeHeight{},
	}
}

func (r *fakeRegisters) HighQC(epoch dantypes.Epoch) (dantypes.QuorumCertificate, bool, error) {
	qc, ok := r.highQC[epoch]
	return qc, ok, nil
}
func (r *fakeRegisters) SetHighQC(qc dantypes.QuorumCertificate) error {
	r.highQC[qc.Epoch] = qc
	return nil
}
func (r *fakeRegisters) LockedBlock(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error) {
	id, ok := r.locked[epoch]
	return id, r.lockedH[epoch], ok, nil
}
func (r *fakeRegisters) SetLockedBlock(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error {
	r.locked[epoch] = id
	r.lockedH[epoch] = height
	return nil
}
func (r *fakeRegisters) LastExecuted(epoch dantypes.Epoch) (dantypes.BlockId, dantypes.NodeHeight, bool, error) {
	id, ok := r.executed[epoch]
	return id, r.executedH[epoch], ok, nil
}
func (r *fakeRegisters) SetLastExecuted(epoch dantypes.Epoch, id dantypes.BlockId, height dantypes.NodeHeight) error {
	r.executed[epoch] = id
	r.executedH[epoch] = height
	return nil
}

// chainOf builds height-0..n blocks, each justified by its parent's id
// (a QC over the parent, mimicking a real chained-HotStuff chain), and
// registers each with graph.
func chainOf(t *testing.T, graph *fakeGraph, n int) []dantypes.Block {
	t.Helper()
	blocks := make([]dantypes.Block, 0, n+1)
	genesis := dantypes.Block{
		ID:     dantypes.BlockId(dantypes.HashBytes([]byte("genesis"))),
		Header: dantypes.BlockHeader{Height: 0, Epoch: 1, ParentID: dantypes.BlockId(dantypes.ZeroHash)},
	}
	graph.put(genesis)
	blocks = append(blocks, genesis)

	parent := genesis
	for i := 1; i <= n; i++ {
		h := dantypes.BlockHeader{
			Height:   dantypes.NodeHeight(i),
			Epoch:    1,
			ParentID: parent.ID,
		}
		b := dantypes.Block{
			ID:     dantypes.BlockId(dantypes.HashBytes([]byte{byte(i)})),
			Header: h,
			Justify: dantypes.QuorumCertificate{
				Epoch:       1,
				BlockID:     parent.ID,
				BlockHeight: parent.Header.Height,
			},
		}
		graph.put(b)
		blocks = append(blocks, b)
		parent = b
	}
	return blocks
}

func TestTryLock_FirstLockTakesCandidateAlone(t *testing.T) {
	graph := newFakeGraph()
	regs := newFakeRegisters()
	chain := chainOf(t, graph, 3)

	var locked []dantypes.BlockId
	onLock := func(ctx context.Context, b dantypes.Block) error {
		locked = append(locked, b.ID)
		return nil
	}

	if err := tryLock(context.Background(), graph, regs, 1, chain[1], onLock); err != nil {
		t.Fatalf("tryLock: %v", err)
	}
	if len(locked) != 1 || locked[0] != chain[1].ID {
		t.Fatalf("expected only candidate locked, got %v", locked)
	}
	id, height, ok, _ := regs.LockedBlock(1)
	if !ok || id != chain[1].ID || height != 1 {
		t.Fatalf("LockedBlock register not advanced: id=%s height=%d ok=%v", id, height, ok)
	}
}

func TestTryLock_AdvancesThroughIntermediateBlocks(t *testing.T) {
	graph := newFakeGraph()
	regs := newFakeRegisters()
	chain := chainOf(t, graph, 4)

	if err := tryLock(context.Background(), graph, regs, 1, chain[1], nil); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	var locked []dantypes.BlockId
	onLock := func(ctx context.Context, b dantypes.Block) error {
		locked = append(locked, b.ID)
		return nil
	}
	if err := tryLock(context.Background(), graph, regs, 1, chain[3], onLock); err != nil {
		t.Fatalf("tryLock: %v", err)
	}
	if len(locked) != 2 || locked[0] != chain[2].ID || locked[1] != chain[3].ID {
		t.Fatalf("expected blocks 2,3 locked in ascending order, got %v", locked)
	}
}

func TestTryLock_IgnoresStaleCandidate(t *testing.T) {
	graph := newFakeGraph()
	regs := newFakeRegisters()
	chain := chainOf(t, graph, 3)

	if err := tryLock(context.Background(), graph, regs, 1, chain[3], nil); err != nil {
		t.Fatalf("initial lock: %v", err)
	}

	calls := 0
	onLock := func(ctx context.Context, b dantypes.Block) error { calls++; return nil }
	if err := tryLock(context.Background(), graph, regs, 1, chain[2], onLock); err != nil {
		t.Fatalf("tryLock: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no lock callbacks for a stale candidate, got %d", calls)
	}
}

func TestTryCommit_FirstCommitTakesTargetAlone(t *testing.T) {
	graph := newFakeGraph()
	regs := newFakeRegisters()
	chain := chainOf(t, graph, 3)

	var committed []dantypes.BlockId
	onCommit := func(ctx context.Context, b dantypes.Block) error {
		committed = append(committed, b.ID)
		return nil
	}
	if err := tryCommit(context.Background(), graph, regs, 1, chain[1], onCommit); err != nil {
		t.Fatalf("tryCommit: %v", err)
	}
	if len(committed) != 1 || committed[0] != chain[1].ID {
		t.Fatalf("expected genesis-successor committed alone, got %v", committed)
	}
	id, height, ok, _ := regs.LastExecuted(1)
	if !ok || id != chain[1].ID || height != 1 {
		t.Fatalf("LastExecuted not advanced: id=%s height=%d", id, height)
	}
}

func TestContiguous3Chain(t *testing.T) {
	graph := newFakeGraph()
	chain := chainOf(t, graph, 3)

	if !contiguous3Chain(chain[0], chain[1], chain[2]) {
		t.Fatalf("expected genesis<-1<-2 to be contiguous")
	}
	if contiguous3Chain(chain[0], chain[2], chain[3]) {
		t.Fatalf("expected a chain skipping height 1 to be non-contiguous")
	}
}

func TestUpdateHighQC_OnlyAdvancesForward(t *testing.T) {
	regs := newFakeRegisters()
	low := dantypes.QuorumCertificate{Epoch: 1, BlockHeight: 2}
	high := dantypes.QuorumCertificate{Epoch: 1, BlockHeight: 5}

	if err := updateHighQC(regs, high); err != nil {
		t.Fatalf("updateHighQC: %v", err)
	}
	if err := updateHighQC(regs, low); err != nil {
		t.Fatalf("updateHighQC: %v", err)
	}
	got, _, _ := regs.HighQC(1)
	if got.BlockHeight != 5 {
		t.Fatalf("expected HighQC to stay at height 5, got %d", got.BlockHeight)
	}
}

func TestSafeNode_SafetyRuleExtendsLocked(t *testing.T) {
	graph := newFakeGraph()
	chain := chainOf(t, graph, 3)

	proposal := chain[3]
	proposal.Justify.BlockHeight = 0 // no liveness progress

	safe, err := safeNode(context.Background(), graph, proposal, chain[1].ID, 1)
	if err != nil {
		t.Fatalf("safeNode: %v", err)
	}
	if !safe {
		t.Fatalf("expected block extending the locked block to be safe")
	}
}

func TestSafeNode_LivenessRuleOverridesStaleLock(t *testing.T) {
	graph := newFakeGraph()

	// Two disjoint chains off genesis: the locked block sits on one, the
	// proposal forks onto the other but carries a higher justify height.
	genesis := dantypes.Block{ID: dantypes.BlockId(dantypes.HashBytes([]byte("g"))), Header: dantypes.BlockHeader{Height: 0}}
	graph.put(genesis)
	lockedBranch := dantypes.Block{ID: dantypes.BlockId(dantypes.HashBytes([]byte("locked"))), Header: dantypes.BlockHeader{Height: 1, ParentID: genesis.ID}}
	graph.put(lockedBranch)
	otherBranch := dantypes.Block{
		ID:      dantypes.BlockId(dantypes.HashBytes([]byte("other"))),
		Header:  dantypes.BlockHeader{Height: 1, ParentID: genesis.ID},
		Justify: dantypes.QuorumCertificate{BlockHeight: 9},
	}
	graph.put(otherBranch)

	safe, err := safeNode(context.Background(), graph, otherBranch, lockedBranch.ID, 1)
	if err != nil {
		t.Fatalf("safeNode: %v", err)
	}
	if !safe {
		t.Fatalf("expected liveness rule to rescue a non-extending but higher-justified proposal")
	}
}

func TestSafeNode_RejectsEquivocatingLowProposal(t *testing.T) {
	graph := newFakeGraph()

	genesis := dantypes.Block{ID: dantypes.BlockId(dantypes.HashBytes([]byte("g"))), Header: dantypes.BlockHeader{Height: 0}}
	graph.put(genesis)
	lockedBranch := dantypes.Block{ID: dantypes.BlockId(dantypes.HashBytes([]byte("locked"))), Header: dantypes.BlockHeader{Height: 2, ParentID: genesis.ID}}
	graph.put(lockedBranch)
	equivocating := dantypes.Block{
		ID:      dantypes.BlockId(dantypes.HashBytes([]byte("fork"))),
		Header:  dantypes.BlockHeader{Height: 1, ParentID: genesis.ID},
		Justify: dantypes.QuorumCertificate{BlockHeight: 0},
	}
	graph.put(equivocating)

	safe, err := safeNode(context.Background(), graph, equivocating, lockedBranch.ID, 2)
	if err != nil {
		t.Fatalf("safeNode: %v", err)
	}
	if safe {
		t.Fatalf("expected a low, non-extending fork to be rejected as unsafe")
	}
}
