// Command validator runs a single consensus node: one (epoch, shard
// group) actor, its P2P transport, its RPC surface and its metrics
// listener, wired together from environment configuration. Generalizes
// the teacher's main.go wiring order: load config, open Postgres, open
// KV, construct repositories, construct the engine, start listeners,
// wait for a shutdown signal, drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dan-network/validator-core/pkg/blockgraph"
	"github.com/dan-network/validator-core/pkg/config"
	"github.com/dan-network/validator-core/pkg/consensus"
	"github.com/dan-network/validator-core/pkg/crypto/bls"
	"github.com/dan-network/validator-core/pkg/dantypes"
	"github.com/dan-network/validator-core/pkg/database"
	"github.com/dan-network/validator-core/pkg/epochmanager"
	"github.com/dan-network/validator-core/pkg/foreignbus"
	"github.com/dan-network/validator-core/pkg/kvdb"
	"github.com/dan-network/validator-core/pkg/mempool"
	"github.com/dan-network/validator-core/pkg/p2p"
	"github.com/dan-network/validator-core/pkg/registers"
	"github.com/dan-network/validator-core/pkg/rpc"
	"github.com/dan-network/validator-core/pkg/statetree"
	"github.com/dan-network/validator-core/pkg/substatestore"
	"github.com/dan-network/validator-core/pkg/txpool"
)

// stubTemplateResolver always reports a template as known. The real
// template/WASM execution engine is an external collaborator out of
// scope here (pkg/mempool's doc comment); this keeps the admission
// chain runnable on a devnet with no template service wired up yet.
type stubTemplateResolver struct{}

func (stubTemplateResolver) TemplateExists(ctx context.Context, templateCall []byte) (bool, error) {
	return true, nil
}

func printHelp() {
	fmt.Println("validator runs one consensus node for the network.")
	fmt.Println("Configuration is read entirely from the environment; see pkg/config.")
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		devMode  = flag.Bool("dev", false, "relax configuration validation for a single-node devnet")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *devMode {
		if err := cfg.ValidateForDevelopment(); err != nil {
			log.Fatalf("%v", err)
		}
	} else {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("%v", err)
		}
	}

	log.Printf("starting validator %s (data_dir=%s, kv_backend=%s)", cfg.ValidatorID, cfg.DataDir, cfg.KVBackend)

	dbClient, err := database.NewClient(cfg, database.WithLogger(
		log.New(log.Writer(), "[Database] ", log.LstdFlags),
	))
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer dbClient.Close()

	if err := dbClient.MigrateUp(context.Background()); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	kv, err := dbm.NewDB(cfg.ValidatorID, dbm.BackendType(cfg.KVBackend), cfg.DataDir)
	if err != nil {
		log.Fatalf("open key-value store: %v", err)
	}
	defer kv.Close()
	kvAdapter := kvdb.NewKVAdapter(kv)
	regs := registers.NewStore(kvAdapter)

	blockRepo := database.NewBlockRepository(dbClient)
	qcRepo := database.NewQCRepository(dbClient)
	diffRepo := database.NewBlockDiffRepository(dbClient)
	treeDiffRepo := database.NewTreeDiffRepository(dbClient)
	lockRepo := database.NewLockRepository(dbClient)
	poolRepo := database.NewTransactionPoolRepository(dbClient)
	executionRepo := database.NewExecutionRepository(dbClient)
	foreignRepo := database.NewForeignProposalRepository(dbClient)
	statsRepo := database.NewValidatorStatsRepository(dbClient)
	substateRepo := database.NewSubstateRepository(dbClient)

	graph := blockgraph.New(blockRepo, qcRepo, diffRepo, treeDiffRepo, lockRepo, poolRepo, executionRepo, foreignRepo, regs)

	epochManager, err := epochmanager.LoadFromFile(cfg.GenesisFile)
	if err != nil {
		log.Fatalf("load genesis file: %v", err)
	}

	store := substatestore.New(substateRepo, lockRepo, uint32(cfg.NumPreshards))

	pool, err := txpool.New(context.Background(), poolRepo)
	if err != nil {
		log.Fatalf("construct transaction pool: %v", err)
	}

	keyManager, err := bls.InitializeValidatorBLSKey(cfg.ValidatorID, epochManager.Network(), cfg.BLSKeyPath)
	if err != nil {
		log.Fatalf("load validator signing key: %v", err)
	}

	const epoch0 = dantypes.Epoch(0)
	localGroup, err := epochManager.MyShardGroup(epoch0)
	if err != nil {
		log.Fatalf("resolve local shard group from genesis committee: %v", err)
	}
	log.Printf("local shard group: %s", localGroup)

	trees := map[dantypes.Shard]*statetree.ShardTree{}
	for s := localGroup.Start; s <= localGroup.End; s++ {
		trees[s] = statetree.NewShardTree(s)
	}

	peers, err := parsePeers(cfg.SiblingPeers)
	if err != nil {
		log.Fatalf("parse SIBLING_PEERS: %v", err)
	}
	foreignPeers, err := parsePeers(cfg.ForeignPeers)
	if err != nil {
		log.Fatalf("parse FOREIGN_PEERS: %v", err)
	}
	peers = append(peers, foreignPeers...)

	p2pClient := p2p.NewClient(p2p.ClientConfig{
		Peers:     peers,
		Committee: epochManager,
		Logger:    log.New(log.Writer(), "[P2P] ", log.LstdFlags),
	})

	bus := foreignbus.New(localGroup, graph, store, pool, p2pClient)

	mempoolValidator := mempool.New(stubTemplateResolver{})

	engine := consensus.New(consensus.Config{
		Network:      epochManager.Network(),
		ShardGroup:   localGroup,
		NumPreshards: uint32(cfg.NumPreshards),

		Graph: graph,
		Store: store,
		Pool:  pool,
		Trees: trees,
		Stats: statsRepo,

		Committee: epochManager,
		Proposals: p2pClient,
		Votes:     p2pClient,
		Foreign:   bus,

		LocalKey: keyManager.GetPrivateKey(),

		ProposalTimeout:   cfg.ProposalTimeout,
		MaxMissedPerEpoch: cfg.MaxMissedPerEpoch,

		Logger: log.New(log.Writer(), "[ConsensusEngine] ", log.LstdFlags),
	})

	voteSubmit := func(ctx context.Context, blockID dantypes.BlockId, epoch dantypes.Epoch, height dantypes.NodeHeight, decision dantypes.Decision, signature, signer []byte) error {
		return engine.SubmitVote(ctx, consensus.Vote{
			BlockID: blockID, Epoch: epoch, Height: height,
			Decision: decision, Signature: signature, Signer: signer,
		})
	}
	p2pHandler := p2p.NewHandler(engine, voteSubmit, bus, graph, log.New(log.Writer(), "[P2PHandler] ", log.LstdFlags))

	rpcServer := rpc.NewServer(rpc.Config{
		Blocks:    graph,
		Pool:      pool,
		Substates: store,
		Committee: epochManager,
		Stats:     statsRepo,
		Admitter:  mempoolValidator,
		Logger:    log.New(log.Writer(), "[RPC] ", log.LstdFlags),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	rpcMux := http.NewServeMux()
	rpcMux.Handle("/rpc", rpcServer.Handler())
	rpcMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	rpcHTTP := &http.Server{Addr: cfg.RPCListenAddr, Handler: rpcMux}

	p2pMux := http.NewServeMux()
	p2pHandler.Register(p2pMux)
	p2pHTTP := &http.Server{Addr: cfg.P2PListenAddr, Handler: p2pMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsHTTP := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go runServer(rpcHTTP, "rpc")
	go runServer(p2pHTTP, "p2p")
	go runServer(metricsHTTP, "metrics")

	log.Printf("rpc listening on %s, p2p on %s, metrics on %s", cfg.RPCListenAddr, cfg.P2PListenAddr, cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown requested, draining to safe boundary")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	cancel()

	_ = rpcHTTP.Shutdown(shutdownCtx)
	_ = p2pHTTP.Shutdown(shutdownCtx)
	_ = metricsHTTP.Shutdown(shutdownCtx)

	log.Println("shutdown complete")
}

func runServer(srv *http.Server, name string) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("%s listener failed: %v", name, err)
	}
}

// parsePeers decodes the "pubkey_hex@endpoint" entries SIBLING_PEERS and
// FOREIGN_PEERS carry into p2p.PeerConfig values.
func parsePeers(entries []string) ([]p2p.PeerConfig, error) {
	out := make([]p2p.PeerConfig, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("peer entry %q must be pubkey_hex@endpoint", e)
		}
		pub, err := bls.PublicKeyFromHex(parts[0])
		if err != nil {
			return nil, fmt.Errorf("peer entry %q: %w", e, err)
		}
		out = append(out, p2p.PeerConfig{PublicKey: pub.Bytes(), Endpoint: parts[1]})
	}
	return out, nil
}
