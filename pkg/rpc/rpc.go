// Package rpc exposes the JSON-RPC 2.0 surface of the consensus core
// over github.com/AccumulateNetwork/jsonrpc2, the teacher's own
// networking dependency promoted here from an indirect require to a
// concrete transport. Every method is a thin translation from a
// dantypes/database value to a JSON-friendly wire shape (see wire.go);
// no method mutates state beyond submit_transaction's pool admission.
package rpc

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/AccumulateNetwork/jsonrpc2/v15"

	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/database"
)

// BlockSource answers the block-history queries. Satisfied structurally
// by *blockgraph.Graph.
type BlockSource interface {
	Get(ctx context.Context, id dantypes.BlockId) (dantypes.Block, error)
	ListCommittedRange(ctx context.Context, group dantypes.ShardGroup, fromHeight dantypes.NodeHeight, limit int) ([]dantypes.BlockId, error)
	CountCommitted(ctx context.Context, group dantypes.ShardGroup) (uint64, error)
	ExecutionResultFor(ctx context.Context, txID dantypes.TransactionId) (dantypes.ExecuteResult, error)
}

// PoolSource answers transaction-pool queries and accepts new
// submissions. Satisfied structurally by *txpool.Pool.
type PoolSource interface {
	Get(ctx context.Context, txID dantypes.TransactionId) (database.PoolEntry, error)
	ListAll(ctx context.Context) ([]database.PoolEntry, error)
	Insert(ctx context.Context, txID dantypes.TransactionId, feeRate uint64) error
}

// SubstateSource answers substate queries. Satisfied structurally by
// *substatestore.Store.
type SubstateSource interface {
	Get(ctx context.Context, v dantypes.VersionedSubstateId) (dantypes.Substate, error)
	GetLatestUp(ctx context.Context, id dantypes.SubstateId) (dantypes.Substate, error)
	CreatedByTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.Substate, error)
	DestroyedByTransaction(ctx context.Context, txID dantypes.TransactionId) ([]dantypes.Substate, error)
}

// CommitteeSource answers committee-membership queries. Satisfied
// structurally by *epochmanager.StaticManager.
type CommitteeSource interface {
	CommitteeForShardGroup(epoch dantypes.Epoch, group dantypes.ShardGroup) ([][]byte, error)
	NumPreshards() uint32
}

// StatsSource answers validator-liveness queries. Satisfied structurally
// by *database.ValidatorStatsRepository.
type StatsSource interface {
	MissedCount(ctx context.Context, pubKey []byte, epoch dantypes.Epoch) (int, error)
}

// Admitter runs the mempool admission chain. Satisfied structurally by
// *mempool.Validator.
type Admitter interface {
	Admit(ctx context.Context, tx dantypes.Transaction) error
}

// Config bundles a Server's dependencies.
type Config struct {
	Blocks    BlockSource
	Pool      PoolSource
	Substates SubstateSource
	Committee CommitteeSource
	Stats     StatsSource
	Admitter  Admitter
	Logger    *log.Logger
}

// Server implements the consensus core's JSON-RPC surface.
type Server struct {
	blocks    BlockSource
	pool      PoolSource
	substates SubstateSource
	committee CommitteeSource
	stats     StatsSource
	admitter  Admitter
	logger    *log.Logger
}

// NewServer constructs a Server from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[RPC] ", log.LstdFlags)
	}
	return &Server{
		blocks: cfg.Blocks, pool: cfg.Pool, substates: cfg.Substates,
		committee: cfg.Committee, stats: cfg.Stats, admitter: cfg.Admitter,
		logger: logger,
	}
}

// Handler builds the http.Handler serving every method below at the
// JSON-RPC 2.0 envelope jsonrpc2.NewServer implements.
func (s *Server) Handler() http.Handler {
	return jsonrpc2.NewServer(jsonrpc2.Options{MethodMap: jsonrpc2.MethodMap{
		"submit_transaction":                     s.submitTransaction,
		"get_transaction_result":                 s.getTransactionResult,
		"get_block":                               s.getBlock,
		"get_blocks":                              s.getBlocks,
		"get_blocks_count":                        s.getBlocksCount,
		"get_tx_pool":                             s.getTxPool,
		"get_substate":                            s.getSubstate,
		"get_substates_created_by_transaction":    s.getSubstatesCreatedByTransaction,
		"get_substates_destroyed_by_transaction":  s.getSubstatesDestroyedByTransaction,
		"get_committee":                           s.getCommittee,
		"get_shard_key":                           s.getShardKey,
		"get_epoch_manager_stats":                 s.getEpochManagerStats,
	}})
}

func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// --- submit_transaction ---

type submitTransactionParams struct {
	TransactionID  string              `json:"transaction_id"`
	InputsHash     string              `json:"inputs_hash"`
	TemplateCall   []byte              `json:"template_call"`
	FeeInstruction []byte              `json:"fee_instruction"`
	Signatures     [][]byte            `json:"signatures"`
	Evidence       []shardEvidenceWire `json:"evidence"`
	FeeRate        uint64              `json:"fee_rate"`
}

type submitTransactionResult struct {
	TransactionID string `json:"transaction_id"`
	Accepted      bool   `json:"accepted"`
}

func (s *Server) submitTransaction(ctx context.Context, raw json.RawMessage) interface{} {
	var p submitTransactionParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	txID, err := parseTransactionID(p.TransactionID)
	if err != nil {
		return invalidParams(err)
	}

	tx := dantypes.Transaction{
		ID:             txID,
		InputsHash:     parseHash32(p.InputsHash),
		TemplateCall:   p.TemplateCall,
		FeeInstruction: p.FeeInstruction,
		Signatures:     p.Signatures,
		Evidence:       fromEvidenceWire(p.Evidence),
	}

	if err := s.admitter.Admit(ctx, tx); err != nil {
		return toRPCError(err)
	}
	if err := s.pool.Insert(ctx, txID, p.FeeRate); err != nil {
		return toRPCError(err)
	}
	return submitTransactionResult{TransactionID: txID.String(), Accepted: true}
}

// --- get_transaction_result ---

type transactionIDParams struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) getTransactionResult(ctx context.Context, raw json.RawMessage) interface{} {
	var p transactionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	txID, err := parseTransactionID(p.TransactionID)
	if err != nil {
		return invalidParams(err)
	}
	result, err := s.blocks.ExecutionResultFor(ctx, txID)
	if err == nil {
		return toExecuteResultWire(result)
	}
	// Not yet executed: report pending pool status instead of a bare
	// not-found, since the transaction may simply still be in flight.
	entry, poolErr := s.pool.Get(ctx, txID)
	if poolErr == nil {
		return toPoolEntryWire(entry)
	}
	return toRPCError(err)
}

// --- get_block ---

type blockIDParams struct {
	BlockID string `json:"block_id"`
}

func (s *Server) getBlock(ctx context.Context, raw json.RawMessage) interface{} {
	var p blockIDParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	id := dantypes.BlockId(parseHash32(p.BlockID))
	b, err := s.blocks.Get(ctx, id)
	if err != nil {
		return toRPCError(err)
	}
	return toBlockWire(b)
}

// --- get_blocks ---

type getBlocksParams struct {
	ShardGroup  shardGroupWire      `json:"shard_group"`
	FromHeight  dantypes.NodeHeight `json:"from_height"`
	Limit       int                 `json:"limit"`
}

func (s *Server) getBlocks(ctx context.Context, raw json.RawMessage) interface{} {
	var p getBlocksParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	group := dantypes.ShardGroup{Start: p.ShardGroup.Start, End: p.ShardGroup.End}
	ids, err := s.blocks.ListCommittedRange(ctx, group, p.FromHeight, p.Limit)
	if err != nil {
		return toRPCError(err)
	}
	out := make([]blockWire, 0, len(ids))
	for _, id := range ids {
		b, err := s.blocks.Get(ctx, id)
		if err != nil {
			return toRPCError(err)
		}
		out = append(out, toBlockWire(b))
	}
	return out
}

// --- get_blocks_count ---

type getBlocksCountParams struct {
	ShardGroup shardGroupWire `json:"shard_group"`
}

func (s *Server) getBlocksCount(ctx context.Context, raw json.RawMessage) interface{} {
	var p getBlocksCountParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	group := dantypes.ShardGroup{Start: p.ShardGroup.Start, End: p.ShardGroup.End}
	count, err := s.blocks.CountCommitted(ctx, group)
	if err != nil {
		return toRPCError(err)
	}
	return struct {
		Count uint64 `json:"count"`
	}{Count: count}
}

// --- get_tx_pool ---

func (s *Server) getTxPool(ctx context.Context, raw json.RawMessage) interface{} {
	entries, err := s.pool.ListAll(ctx)
	if err != nil {
		return toRPCError(err)
	}
	return toPoolEntriesWire(entries)
}

// --- get_substate ---

type getSubstateParams struct {
	SubstateID string  `json:"substate_id"`
	Version    *uint64 `json:"version,omitempty"`
}

func (s *Server) getSubstate(ctx context.Context, raw json.RawMessage) interface{} {
	var p getSubstateParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	id := dantypes.SubstateId(p.SubstateID)
	if p.Version != nil {
		sub, err := s.substates.Get(ctx, dantypes.VersionedSubstateId{ID: id, Version: *p.Version})
		if err != nil {
			return toRPCError(err)
		}
		return toSubstateWire(sub)
	}
	sub, err := s.substates.GetLatestUp(ctx, id)
	if err != nil {
		return toRPCError(err)
	}
	return toSubstateWire(sub)
}

// --- get_substates_created_by_transaction / destroyed ---

func (s *Server) getSubstatesCreatedByTransaction(ctx context.Context, raw json.RawMessage) interface{} {
	var p transactionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	txID, err := parseTransactionID(p.TransactionID)
	if err != nil {
		return invalidParams(err)
	}
	subs, err := s.substates.CreatedByTransaction(ctx, txID)
	if err != nil {
		return toRPCError(err)
	}
	return toSubstatesWire(subs)
}

func (s *Server) getSubstatesDestroyedByTransaction(ctx context.Context, raw json.RawMessage) interface{} {
	var p transactionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	txID, err := parseTransactionID(p.TransactionID)
	if err != nil {
		return invalidParams(err)
	}
	subs, err := s.substates.DestroyedByTransaction(ctx, txID)
	if err != nil {
		return toRPCError(err)
	}
	return toSubstatesWire(subs)
}

// --- get_committee ---

type getCommitteeParams struct {
	Epoch      dantypes.Epoch `json:"epoch"`
	ShardGroup shardGroupWire `json:"shard_group"`
}

func (s *Server) getCommittee(ctx context.Context, raw json.RawMessage) interface{} {
	var p getCommitteeParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	group := dantypes.ShardGroup{Start: p.ShardGroup.Start, End: p.ShardGroup.End}
	members, err := s.committee.CommitteeForShardGroup(p.Epoch, group)
	if err != nil {
		return toRPCError(err)
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = hexString(m)
	}
	return out
}

// --- get_shard_key ---

type getShardKeyParams struct {
	SubstateID string `json:"substate_id"`
}

func (s *Server) getShardKey(ctx context.Context, raw json.RawMessage) interface{} {
	var p getShardKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	shard := dantypes.SubstateId(p.SubstateID).Shard(s.committee.NumPreshards())
	return struct {
		Shard dantypes.Shard `json:"shard"`
	}{Shard: shard}
}

// --- get_epoch_manager_stats ---

type getEpochManagerStatsParams struct {
	Epoch      dantypes.Epoch `json:"epoch"`
	ValidatorPublicKey string `json:"validator_public_key"`
}

func (s *Server) getEpochManagerStats(ctx context.Context, raw json.RawMessage) interface{} {
	var p getEpochManagerStatsParams
	if err := decodeParams(raw, &p); err != nil {
		return invalidParams(err)
	}
	pub, err := parseHexBytes(p.ValidatorPublicKey)
	if err != nil {
		return invalidParams(err)
	}
	missed, err := s.stats.MissedCount(ctx, pub, p.Epoch)
	if err != nil {
		return toRPCError(err)
	}
	return struct {
		MissedCount int `json:"missed_count"`
	}{MissedCount: missed}
}
