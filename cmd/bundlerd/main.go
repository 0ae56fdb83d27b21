// Command bundlerd is the process entrypoint: it reads CONFIG_PATH and the signer
// environment variables, wires every pkg/bundler package together, and serves the
// HTTP surface of spec.md §6. This plays the composition-root role the teacher's
// cmd/arcsign/main.go plays for its CLI dispatch, adapted from argv/env command
// dispatch to a long-running service dispatch, since the domain here is a
// middleware process rather than an interactive signing tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/priofree/bundler/internal/api"
	"github.com/priofree/bundler/internal/config"
	"github.com/priofree/bundler/internal/obslog"
	"github.com/priofree/bundler/pkg/bundler/dispatch"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/oracle"
	"github.com/priofree/bundler/pkg/bundler/payment"
	"github.com/priofree/bundler/pkg/bundler/pipeline"
	"github.com/priofree/bundler/pkg/bundler/relay"
	"github.com/priofree/bundler/pkg/bundler/simulator"
	"github.com/priofree/bundler/pkg/bundler/tracker"
)

// Exit codes per spec.md §6.
const (
	exitClean        = 0
	exitUnspecified  = 1
	exitConfigError  = 2
	exitSignerError  = 3
	exitStorageError = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	log, err := obslog.New(os.Getenv("BUNDLERD_ENV") != "production")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return exitUnspecified
	}
	defer log.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "bundlerd.yaml"
	}
	snap, err := config.Load(configPath)
	if err != nil {
		log.Errorw("startup: failed to load config", "path", configPath, "error", err)
		return exitConfigError
	}

	privateKeyHex := os.Getenv("PAYMENT_SIGNER_PRIVATE_KEY")
	ethRPCURL := os.Getenv("ETH_RPC_URL")
	if privateKeyHex == "" || ethRPCURL == "" {
		log.Errorw("startup: PAYMENT_SIGNER_PRIVATE_KEY and ETH_RPC_URL are required")
		return exitConfigError
	}

	signer, err := payment.NewSignerFromHex(privateKeyHex, snap.ChainID, 0)
	if err != nil {
		log.Errorw("startup: failed to initialize signer", "error", err)
		return exitSignerError
	}

	ledgerDSN := os.Getenv("LEDGER_DSN")
	if ledgerDSN == "" {
		ledgerDSN = "bundlerd.db"
	}
	led, err := ledger.Open(ledgerDSN)
	if err != nil {
		log.Errorw("startup: failed to open ledger", "error", err)
		return exitStorageError
	}
	defer led.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	oc, err := oracle.Dial(ctx, ethRPCURL)
	if err != nil {
		log.Errorw("startup: failed to dial eth rpc", "error", err)
		return exitUnspecified
	}

	rpcClient, err := gethrpc.DialContext(ctx, ethRPCURL)
	if err != nil {
		log.Errorw("startup: failed to dial simulation rpc", "error", err)
		return exitUnspecified
	}
	sim := simulator.NewRpc(rpcClient)

	var currentSnap atomic.Pointer[config.Snapshot]
	currentSnap.Store(snap)

	configSrc := func() pipeline.Params { return paramsFromSnapshot(currentSnap.Load()) }
	controller := pipeline.New(led, oc, sim, signer, snap.MaxInflightPerBuilder, snap.MaxQueue, configSrc)

	tr := tracker.New(led, oc, log)
	trackerCtx, stopTracker := context.WithCancel(ctx)
	defer stopTracker()
	go tr.Run(trackerCtx)

	srv := api.New(controller, led, log)
	srv.SetReloadHook(func() error {
		fresh, err := config.Load(configPath)
		if err != nil {
			return err
		}
		currentSnap.Store(fresh)
		log.Infow("config: reloaded via admin endpoint", "snapshot_id", fresh.ID)
		return nil
	})

	stopWatch, err := config.Watch(configPath, log, func(fresh *config.Snapshot) {
		currentSnap.Store(fresh)
	})
	if err != nil {
		log.Warnw("startup: config file watch disabled", "error", err)
	} else {
		defer stopWatch()
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{Addr: addr, Handler: srv.Mux()}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	log.Infow("bundlerd: listening", "addr", addr, "snapshot_id", snap.ID)

	select {
	case <-ctx.Done():
		log.Infow("bundlerd: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("shutdown: http server did not close cleanly", "error", err)
			return exitUnspecified
		}
		return exitClean
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("bundlerd: http server failed", "error", err)
			return exitUnspecified
		}
		return exitClean
	}
}

func paramsFromSnapshot(snap *config.Snapshot) pipeline.Params {
	builders := make([]dispatch.Builder, 0, len(snap.Builders))
	for _, b := range snap.Builders {
		if !b.Enabled {
			continue
		}
		builders = append(builders, dispatch.Builder{
			Client:         relay.NewHTTPClient(b.Name, b.RelayURL, 2*time.Second, 5*time.Second),
			PaymentAddress: b.PaymentAddress,
		})
	}

	return pipeline.Params{
		SnapshotID:     snap.ID,
		ChainID:        snap.ChainID,
		MinGas:         21_000,
		MaxGas:         5_000_000,
		Formula:        snap.Formula,
		K1:             snap.K1,
		K2:             snap.K2,
		Tip:            snap.Tip,
		OperatorMaxWei: snap.OperatorMaxWei,
		PerBundleCap:   snap.PerBundleCapWei,
		DailyCapWei:    snap.DailyCapWei,
		BlocksAhead:    snap.BlocksAhead,
		BlockTime:      12 * time.Second,
		Builders:       builders,
	}
}
