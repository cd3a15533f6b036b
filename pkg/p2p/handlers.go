package p2p

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// ProposalReceiver accepts an inbound proposal, validating and applying
// it exactly as SubmitProposal does for a locally-fabricated block.
// Satisfied structurally by *consensus.Engine.
type ProposalReceiver interface {
	SubmitProposal(ctx context.Context, block dantypes.Block, pledge dantypes.BlockPledge) error
}

// ForeignReceiver accepts an inbound foreign proposal. Satisfied
// structurally by *foreignbus.Bus.
type ForeignReceiver interface {
	ReceiveForeignProposal(ctx context.Context, blockID dantypes.BlockId, from dantypes.ShardGroup, foreignIndex uint64, pledges dantypes.BlockPledge) error
}

// SyncSource answers a sync request from locally stored blocks.
// Satisfied structurally by *blockgraph.Graph.
type SyncSource interface {
	GetIDsByEpochAndHeight(ctx context.Context, epoch dantypes.Epoch, height dantypes.NodeHeight) ([]dantypes.BlockId, error)
	Get(ctx context.Context, id dantypes.BlockId) (dantypes.Block, error)
}

// Handler is the inbound HTTP half of the transport, grounded on the
// teacher's BLSAttestationHandler: one handler per consensus actor this
// process hosts, routing POST bodies into SubmitProposal/SubmitVote/
// ReceiveForeignProposal and serving sync requests from local storage.
type Handler struct {
	proposals ProposalReceiver
	votes     *voteSubmitter
	foreign   ForeignReceiver
	sync      SyncSource
	logger    *log.Logger
}

// voteSubmitter narrows the engine's SubmitVote to the concrete Vote
// shape this package needs, without importing pkg/consensus's exported
// Vote type into the receiver interface above (which would otherwise
// force every satisfier, including test fakes, to depend on it).
type voteSubmitter struct {
	submit func(ctx context.Context, blockID dantypes.BlockId, epoch dantypes.Epoch, height dantypes.NodeHeight, decision dantypes.Decision, signature, signer []byte) error
}

// VoteSubmitFunc adapts any SubmitVote-shaped function (in practice
// *consensus.Engine's) into the Handler's internal vote receiver.
type VoteSubmitFunc func(ctx context.Context, blockID dantypes.BlockId, epoch dantypes.Epoch, height dantypes.NodeHeight, decision dantypes.Decision, signature, signer []byte) error

// NewHandler constructs a Handler. votes may be nil if this process hosts
// no engine for incoming votes (not expected in practice).
func NewHandler(proposals ProposalReceiver, votes VoteSubmitFunc, foreign ForeignReceiver, sync SyncSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[P2PHandler] ", log.LstdFlags)
	}
	var vs *voteSubmitter
	if votes != nil {
		vs = &voteSubmitter{submit: votes}
	}
	return &Handler{proposals: proposals, votes: vs, foreign: foreign, sync: sync, logger: logger}
}

// Register wires this handler's routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/p2p/proposal", h.handleProposal)
	mux.HandleFunc("/p2p/vote", h.handleVote)
	mux.HandleFunc("/p2p/foreign-proposal", h.handleForeignProposal)
	mux.HandleFunc("/p2p/sync", h.handleSync)
}

func (h *Handler) handleProposal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body proposalWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := fromProposalWire(body)

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := h.proposals.SubmitProposal(ctx, p.Block, p.Pledges); err != nil {
		h.logger.Printf("⚠️ rejected inbound proposal %s: %v", p.Block.ID, err)
		writeEnvelope(w, http.StatusBadRequest, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, "")
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.votes == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, "no engine hosted for votes")
		return
	}
	var body voteWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	err := h.votes.submit(ctx, body.BlockID, body.Epoch, body.Height, body.Decision, body.Signature, body.Signer)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, "")
}

func (h *Handler) handleForeignProposal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body foreignProposalWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	from := body.To.shardGroup()
	err := h.foreign.ReceiveForeignProposal(ctx, body.BlockID, from, body.ForeignIndex, fromPledgeWire(body.Pledges))
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, "")
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.sync == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, "no block storage hosted for sync")
		return
	}
	var body syncRequestWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := fromSyncRequestWire(body)

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var out []Proposal
	for height := req.AfterHeight + 1; height <= req.ToHeight; height++ {
		ids, err := h.sync.GetIDsByEpochAndHeight(ctx, req.Epoch, height)
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, id := range ids {
			block, err := h.sync.Get(ctx, id)
			if err != nil {
				writeEnvelope(w, http.StatusInternalServerError, err.Error())
				return
			}
			if !block.Header.ShardGroup.Equal(req.ShardGroup) {
				continue
			}
			// Pledges are not retained once a proposal has been applied
			// locally; a syncing peer recovers them the same way it
			// recovers any other foreign proposal, from the foreign bus.
			out = append(out, Proposal{Block: block})
		}
	}

	resp := toSyncResponseWire(SyncResponse{Blocks: out})
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func writeEnvelope(w http.ResponseWriter, status int, errMsg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: errMsg == "", Error: errMsg})
}
