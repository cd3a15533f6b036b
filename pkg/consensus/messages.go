package consensus

import "github.com/dan-network/validator-core/pkg/dantypes"

// message is the sealed set of mailbox inputs the engine's single
// goroutine drains one at a time.
type message interface{ isEngineMessage() }

// proposalMsg carries a leader's proposed block, received from a sibling
// or reconstructed locally when this replica is the leader.
type proposalMsg struct {
	block  dantypes.Block
	pledge dantypes.BlockPledge
	reply  chan error
}

func (proposalMsg) isEngineMessage() {}

// voteMsg carries a sibling's vote on a block, delivered to this replica
// as the leader of the height after that block.
type voteMsg struct {
	blockID   dantypes.BlockId
	epoch     dantypes.Epoch
	height    dantypes.NodeHeight
	decision  dantypes.Decision
	signature []byte
	signer    []byte
}

func (voteMsg) isEngineMessage() {}

// timerMsg fires when a view's proposal/vote timeout elapses with no
// progress, prompting dummy-block fabrication.
type timerMsg struct {
	epoch  dantypes.Epoch
	height dantypes.NodeHeight
}

func (timerMsg) isEngineMessage() {}

// executionResultMsg is handled by Run, which logs a non-nil err and
// closes done; no code in this module sends one.
type executionResultMsg struct {
	blockID dantypes.BlockId
	err     error
	done    chan struct{}
}

func (executionResultMsg) isEngineMessage() {}

// shutdownMsg requests a cooperative drain-to-safe-boundary exit.
type shutdownMsg struct {
	done chan struct{}
}

func (shutdownMsg) isEngineMessage() {}
