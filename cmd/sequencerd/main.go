// Command sequencerd is the rollup sequencer daemon: it loads
// configuration, opens storage, boots the ledger, runs the DA cold-start
// recovery scan once, and then runs the block generator under a supervised
// errgroup until terminated. Grounded on the teacher's cmd/rubin-node
// daemon wiring (flag-free env config, explicit logger construction, signal
// handling), generalized from a p2p chain node to a single-sequencer
// service.
//
// L1 event ingestion (bridge.L1EventSource) and the client-facing
// transaction-submission RPC surface are external collaborators and are
// not wired here; this binary runs the sequencer's own state machine only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/fontana-labs/sequencer/config"
	"github.com/fontana-labs/sequencer/consensus"
	"github.com/fontana-labs/sequencer/da"
	"github.com/fontana-labs/sequencer/node/admission"
	"github.com/fontana-labs/sequencer/node/blockgen"
	"github.com/fontana-labs/sequencer/node/store"
	"github.com/fontana-labs/sequencer/notify"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("sequencerd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lock := flock.New(cfg.StoragePath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire storage lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("storage path %s is already locked by another sequencer instance", cfg.StoragePath)
	}
	defer lock.Unlock()

	st, err := store.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	if err := bootstrapGenesis(st, cfg, logger); err != nil {
		return fmt.Errorf("bootstrap genesis: %w", err)
	}

	ledger, err := consensus.NewLedger(st)
	if err != nil {
		return fmt.Errorf("boot ledger: %w", err)
	}

	notifier := notify.New(logger, nil)
	for _, url := range cfg.WebhookURLs {
		notifier.RegisterWebhook(url)
	}

	admitter, err := admission.New(st, notifier, admission.Config{
		MinimumFee:     consensus.Amount(cfg.MinimumTransactionFee),
		DedupCacheSize: 4096,
	})
	if err != nil {
		return fmt.Errorf("build admitter: %w", err)
	}

	daClient := buildDAClient(cfg)
	generator := blockgen.New(st, ledger, daClient, notifier, admitter, blockgen.Config{
		FeeScheduleID:        cfg.FeeScheduleID,
		Interval:             cfg.BlockInterval(),
		MaxBlockTransactions: cfg.MaxBlockTransactions,
		MinBatchThreshold:    cfg.MinBatchThreshold,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := generator.ResubmitPendingBlobs(ctx); err != nil {
		logger.Warn("sequencerd: cold-start blob resubmission scan failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return generator.Run(gctx) })

	logger.Info("sequencerd: running", "storage_path", cfg.StoragePath, "block_interval", cfg.BlockInterval())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildDAClient(cfg *config.Config) da.Client {
	if cfg.DANodeURL == "" {
		return da.NewDisconnectedClient()
	}
	return da.NewHTTPClient(da.Config{
		NodeURL:       cfg.DANodeURL,
		AuthToken:     cfg.DAAuthToken,
		NamespaceSeed: cfg.DANamespace,
		MaxRetries:    cfg.DAMaxRetries,
	})
}

// bootstrapGenesis seeds the genesis allocation into storage the first time
// the sequencer boots against an empty chain (no blocks committed yet), and
// writes the height-0 genesis block that records it. GetLatestBlock is the
// bootstrap guard, so this must always leave a block at height 0 behind;
// otherwise every restart would re-insert the genesis UTXOs as unspent,
// resurrecting whatever they already spent.
func bootstrapGenesis(st *store.Storage, cfg *config.Config, logger *slog.Logger) error {
	if _, ok, err := st.GetLatestBlock(); err != nil {
		return err
	} else if ok {
		return nil // already bootstrapped
	}

	allocations, err := config.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		return err
	}
	for _, alloc := range allocations {
		u := consensus.UTXO{
			TxID: alloc.TxID, OutputIndex: alloc.OutputIndex,
			Recipient: consensus.Address(alloc.Recipient), Amount: consensus.Amount(alloc.Amount),
			Status: consensus.StatusUnspent,
		}
		if err := st.InsertUTXO(u); err != nil {
			return err
		}
	}

	ledger, err := consensus.NewLedger(st)
	if err != nil {
		return fmt.Errorf("compute genesis state root: %w", err)
	}
	header := consensus.BlockHeader{
		Height:        0,
		PrevHash:      consensus.ZeroPrevHash,
		StateRoot:     ledger.StateRoot(),
		Timestamp:     time.Now().Unix(),
		TxCount:       0,
		BlobRef:       "genesis",
		FeeScheduleID: cfg.FeeScheduleID,
	}
	header.Hash = consensus.ComputeHeaderHash(header)
	if _, err := st.InsertBlock(&consensus.Block{Header: header}); err != nil {
		return fmt.Errorf("insert genesis block: %w", err)
	}

	logger.Info("sequencerd: genesis bootstrapped", "allocations", len(allocations))
	return nil
}
