package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subnetlabs/subnetd/params"
	"github.com/subnetlabs/subnetd/pkg/abci"
	"github.com/subnetlabs/subnetd/pkg/exec"
	"github.com/subnetlabs/subnetd/pkg/node"
	"github.com/subnetlabs/subnetd/pkg/p2p"
	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
	"github.com/subnetlabs/subnetd/pkg/util"
)

// Exit codes: 0 normal shutdown, 1 unknown fatal, 2 halt height
// reached.
const (
	exitOK    = 0
	exitFatal = 1
	exitHalt  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	envPath := flag.String("env", "", "path to a .env configuration file")
	logLevel := flag.String("log-level", "info", "zap log level")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)

	logger, err := util.NewLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(filepath.Join(cfg.Node.DataDir, "subnetd.db"))
	if err != nil {
		log.Errorw("open_database_failed", "err", err)
		return exitFatal
	}
	defer db.Close()

	valKey, err := loadValidatorKey(cfg, log)
	if err != nil {
		log.Errorw("load_validator_key_failed", "err", err)
		return exitFatal
	}
	p2pKey, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		log.Errorw("generate_p2p_key_failed", "err", err)
		return exitFatal
	}

	// Single-validator genesis: this node holds all the power until
	// parent validator changes say otherwise.
	genesisPower := types.PowerTable{
		Validators: []types.Validator{
			{Addr: ethcrypto.PubkeyToAddress(valKey.PublicKey), Power: 1},
		},
	}
	machine := exec.NewMemMachine(genesisPower)

	var proxy topdown.ParentProxy
	if cfg.Parent.Enabled {
		// The live parent RPC client plugs in here; without one the
		// dev proxy keeps the loop exercised.
		log.Warnw("using_in_memory_parent_proxy")
		proxy = topdown.NewInMemoryParentProxy()
	}

	n, err := node.New(ctx, node.Options{
		Config:       cfg,
		Logger:       log,
		DB:           db,
		Machine:      machine,
		Proxy:        proxy,
		CatchingUp:   func(context.Context) (bool, error) { return false, nil },
		ValidatorKey: valKey,
		P2PKey:       p2pKey,
		GenesisParams: types.FvmStateParams{
			NetworkVersion: 21,
			BaseFee:        100,
			ChainID:        cfg.Node.ChainID,
			PowerScale:     3,
		},
	})
	if err != nil {
		log.Errorw("construct_node_failed", "err", err)
		return exitFatal
	}

	registry := prometheus.NewRegistry()
	if err := p2p.RegisterMetrics(registry); err != nil {
		log.Errorw("register_metrics_failed", "err", err)
		return exitFatal
	}
	if err := topdown.RegisterMetrics(registry); err != nil {
		log.Errorw("register_metrics_failed", "err", err)
		return exitFatal
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Node.MetricsAddr, registry, n, log) })
	g.Go(func() error { return blockLoop(gctx, cfg, n, log) })

	err = g.Wait()
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		log.Infow("shutdown_complete")
		return exitOK
	case errors.Is(err, exec.ErrHaltHeight):
		log.Infow("halt_height_reached")
		return exitHalt
	default:
		log.Errorw("fatal", "err", err)
		return exitFatal
	}
}

func loadValidatorKey(cfg params.Config, log *zap.SugaredLogger) (*ecdsa.PrivateKey, error) {
	if cfg.Node.ValidatorKey != "" {
		return ethcrypto.HexToECDSA(cfg.Node.ValidatorKey)
	}
	log.Warnw("no_validator_key_configured_generating_ephemeral")
	return ethcrypto.GenerateKey()
}

// blockLoop is the dev-mode stand-in for the consensus engine: it
// drives the five callbacks on a timer, one block at a time.
func blockLoop(ctx context.Context, cfg params.Config, n *node.Node, log *zap.SugaredLogger) error {
	interval := cfg.Exec.BlockInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	app := n.App()
	height := int64(n.CommittedHeight())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		height++

		hdr := abci.Header{Height: height, Timestamp: time.Now().Unix()}
		prep, err := app.PrepareProposal(abci.RequestPrepareProposal{
			Header:     hdr,
			MaxTxBytes: cfg.Exec.MaxTxBytes,
		})
		if err != nil {
			return err
		}
		proc, err := app.ProcessProposal(abci.RequestProcessProposal{Header: hdr, Txs: prep.Txs})
		if err != nil {
			return err
		}
		if !proc.Accept {
			log.Warnw("own_proposal_rejected", "height", height, "reason", proc.Reason)
			continue
		}
		for _, tx := range prep.Txs {
			if _, err := app.DeliverTx(abci.RequestDeliverTx{Header: hdr, Tx: tx}); err != nil {
				return err
			}
		}
		if _, err := app.EndBlock(abci.RequestEndBlock{Height: height}); err != nil {
			return err
		}
		if _, err := app.Commit(); err != nil {
			return err
		}
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, n *node.Node, log *zap.SugaredLogger) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"peer":          n.P2P().Host().ID().String(),
			"pending_votes": n.Pool().Size(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infow("metrics_listening", "addr", addr)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
