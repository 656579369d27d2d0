// Package blockgen is the cadence-driven block generator: it
// periodically drains uncommitted transactions from storage, orders them so
// intra-batch dependencies apply in a safe sequence, runs each through the
// ledger, persists the resulting block, and submits it to the DA layer.
// Grounded on the teacher's node/miner.go block-assembly loop, generalized
// from proof-of-work block templates to a single sequencer's batch cadence.
package blockgen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fontana-labs/sequencer/consensus"
	"github.com/fontana-labs/sequencer/da"
	"github.com/fontana-labs/sequencer/node/admission"
	"github.com/fontana-labs/sequencer/notify"
)

// Store is the slice of node/store.Storage the block generator needs.
type Store interface {
	FetchUncommittedTransactions(limit int) ([]*consensus.SignedTransaction, error)
	MarkTransactionsCommitted(txIDs []string, height uint64) error
	DeleteTransactions(txIDs []string) error
	InsertBlock(block *consensus.Block) (inserted bool, err error)
	GetLatestBlock() (*consensus.Block, bool, error)
	UpdateBlockBlobRef(height uint64, blobRef string) error
	ListBlocksMissingBlobRef() ([]*consensus.Block, error)
	FetchUTXO(ref consensus.UTXORef) (consensus.UTXO, bool, error)
}

// Config controls the generator's cadence and the batch-mode heuristic,
// sourced from config.Config. Defaults: a 3s sender-affinity window, a
// 5s lookback, and 2x/5x interval multipliers for extend/force-flush.
type Config struct {
	FeeScheduleID        string
	Interval             time.Duration
	MaxBlockTransactions int
	MinBatchThreshold    int

	SenderAffinityWindow   time.Duration
	SenderAffinityLookback time.Duration
	ExtendMultiplier       float64
	ForceFlushMultiplier   float64
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.MaxBlockTransactions <= 0 {
		c.MaxBlockTransactions = 500
	}
	if c.MinBatchThreshold <= 0 {
		c.MinBatchThreshold = 3
	}
	if c.SenderAffinityWindow <= 0 {
		c.SenderAffinityWindow = 3 * time.Second
	}
	if c.SenderAffinityLookback <= 0 {
		c.SenderAffinityLookback = 5 * time.Second
	}
	if c.ExtendMultiplier <= 0 {
		c.ExtendMultiplier = 2
	}
	if c.ForceFlushMultiplier <= 0 {
		c.ForceFlushMultiplier = 5
	}
}

// Generator is the sequencer's block-assembly loop.
type Generator struct {
	store    Store
	ledger   *consensus.Ledger
	da       da.Client
	notifier *notify.Bus
	admitter *admission.Admitter
	cfg      Config
	logger   *slog.Logger

	oldestPendingSince time.Time
}

// New builds a Generator. logger must not be nil: the generator never
// reaches for a package-level logger, per the ambient-stack rule that every
// component is handed its own logger explicitly.
func New(store Store, ledger *consensus.Ledger, daClient da.Client, notifier *notify.Bus, admitter *admission.Admitter, cfg Config, logger *slog.Logger) *Generator {
	cfg.setDefaults()
	return &Generator{store: store, ledger: ledger, da: daClient, notifier: notifier, admitter: admitter, cfg: cfg, logger: logger}
}

// Run drives the cadence loop until ctx is canceled: a ticker at cfg.Interval,
// woken early by the admission layer's notify channel when new work arrives.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	var notifyCh <-chan struct{}
	if g.admitter != nil {
		notifyCh = g.admitter.Notify()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.tick(ctx)
		case <-notifyCh:
			g.tick(ctx)
		}
	}
}

func (g *Generator) tick(ctx context.Context) {
	shouldGenerate, err := g.shouldGenerateBlock()
	if err != nil {
		g.logger.Error("blockgen: batch decision failed", "err", err)
		return
	}
	if !shouldGenerate {
		return
	}
	if _, err := g.GenerateBlock(ctx); err != nil {
		g.logger.Error("blockgen: block generation failed", "err", err)
	}
	if _, err := g.PurgeInvalidTransactions(); err != nil {
		g.logger.Error("blockgen: purge failed", "err", err)
	}
}

// shouldGenerateBlock implements the batch-mode heuristic: flush
// immediately at the transaction cap, force-flush anything outstanding once
// the force-flush window elapses regardless of count, and once the minimum
// batch threshold is met, flush unless the batch is still inside the extend
// window and the sender-affinity hold below applies. Below the threshold
// nothing is flushed before the force-flush window. Elapsed time is counted
// from when the generator first saw a non-empty pending set, not from the
// last block.
func (g *Generator) shouldGenerateBlock() (bool, error) {
	pending, err := g.store.FetchUncommittedTransactions(0)
	if err != nil {
		return false, fmt.Errorf("blockgen: fetch uncommitted: %w", err)
	}
	if len(pending) == 0 {
		g.oldestPendingSince = time.Time{}
		return false, nil
	}
	if g.oldestPendingSince.IsZero() {
		g.oldestPendingSince = time.Now()
	}
	if len(pending) >= g.cfg.MaxBlockTransactions {
		return true, nil
	}

	elapsed := time.Since(g.oldestPendingSince)
	forceFlushAt := time.Duration(float64(g.cfg.Interval) * g.cfg.ForceFlushMultiplier)
	if elapsed >= forceFlushAt {
		return true, nil
	}

	extendAt := time.Duration(float64(g.cfg.Interval) * g.cfg.ExtendMultiplier)
	if len(pending) < g.cfg.MinBatchThreshold {
		return false, nil
	}
	if elapsed < extendAt {
		// Sender-affinity: if the newest pending transaction arrived within
		// the affinity window and we're still inside the lookback horizon,
		// hold the batch open a little longer so a sender's closely spaced
		// follow-up transactions land in the same block. Only arrival times
		// are looked at; senders are not compared.
		newest := pending[len(pending)-1]
		sinceNewest := time.Since(time.Unix(newest.Timestamp, 0))
		if sinceNewest < g.cfg.SenderAffinityWindow && elapsed < g.cfg.SenderAffinityLookback {
			return false, nil
		}
	}
	return true, nil
}

// GenerateBlock assembles, applies, persists, and submits one block from
// the currently uncommitted transaction set.
func (g *Generator) GenerateBlock(ctx context.Context) (*consensus.Block, error) {
	batch, err := g.store.FetchUncommittedTransactions(g.cfg.MaxBlockTransactions)
	if err != nil {
		return nil, fmt.Errorf("blockgen: fetch batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	ordered, err := topoSort(batch)
	if err != nil {
		g.logger.Error("blockgen: cyclic batch detected, falling back to arrival order", "err", err)
		ordered = batch
	}

	applied := make([]*consensus.SignedTransaction, 0, len(ordered))
	var invalid []string
	for _, tx := range ordered {
		if err := g.ledger.ApplyTransaction(tx); err != nil {
			g.logger.Warn("blockgen: dropping transaction from batch", "tx_id", tx.TxID, "reason", consensus.CodeOf(err))
			invalid = append(invalid, tx.TxID)
			if g.notifier != nil {
				g.notifier.Publish(notify.Event{Type: notify.EventTransactionRejected, Payload: map[string]any{
					"tx_id": tx.TxID, "reason": string(consensus.CodeOf(err)),
				}})
			}
			continue
		}
		applied = append(applied, tx)
	}

	if len(invalid) > 0 {
		if err := g.store.DeleteTransactions(invalid); err != nil {
			g.logger.Error("blockgen: failed to purge invalid batch members", "err", err)
		}
		if g.admitter != nil {
			for _, id := range invalid {
				g.admitter.Forget(id)
			}
		}
	}

	g.oldestPendingSince = time.Time{}

	if len(applied) == 0 {
		return nil, nil
	}

	prevHash := consensus.ZeroPrevHash
	var height uint64
	if latest, ok, err := g.store.GetLatestBlock(); err != nil {
		return nil, fmt.Errorf("blockgen: load latest block: %w", err)
	} else if ok {
		prevHash = latest.Header.Hash
		height = latest.Header.Height + 1
	}

	header := consensus.BlockHeader{
		Height:        height,
		PrevHash:      prevHash,
		StateRoot:     g.ledger.StateRoot(),
		Timestamp:     time.Now().Unix(),
		TxCount:       len(applied),
		FeeScheduleID: g.cfg.FeeScheduleID,
	}
	header.Hash = consensus.ComputeHeaderHash(header)
	block := &consensus.Block{Header: header, Transactions: applied}

	if _, err := g.store.InsertBlock(block); err != nil {
		return nil, fmt.Errorf("blockgen: persist block: %w", err)
	}
	ids := make([]string, len(applied))
	for i, tx := range applied {
		ids[i] = tx.TxID
	}
	if err := g.store.MarkTransactionsCommitted(ids, height); err != nil {
		return nil, fmt.Errorf("blockgen: mark committed: %w", err)
	}
	if g.admitter != nil {
		for _, id := range ids {
			g.admitter.Forget(id)
		}
	}
	if g.notifier != nil {
		g.notifier.Publish(notify.Event{Type: notify.EventBlockCreated, Payload: map[string]any{
			"height": height, "tx_count": len(applied), "hash": header.Hash,
		}})
		for _, id := range ids {
			g.notifier.Publish(notify.Event{Type: notify.EventTransactionIncluded, Payload: map[string]any{
				"tx_id": id, "height": height,
			}})
		}
	}

	g.submitToDA(ctx, block)
	return block, nil
}

func (g *Generator) submitToDA(ctx context.Context, block *consensus.Block) {
	if g.da == nil {
		return
	}
	blobRef, err := g.da.SubmitBlock(ctx, block)
	if err != nil {
		g.logger.Error("blockgen: DA submission failed", "height", block.Header.Height, "err", err)
		return
	}
	if blobRef == "" {
		return // disconnected-mode client: no blob attached, nothing to record
	}
	if err := g.store.UpdateBlockBlobRef(block.Header.Height, blobRef); err != nil {
		g.logger.Error("blockgen: failed to record blob ref", "height", block.Header.Height, "err", err)
		return
	}
	if g.notifier != nil {
		g.notifier.Publish(notify.Event{Type: notify.EventBlockSubmittedToDA, Payload: map[string]any{
			"height": block.Header.Height, "blob_ref": blobRef,
		}})
		g.notifier.Publish(notify.Event{Type: notify.EventBlockCommittedToDA, Payload: map[string]any{
			"height": block.Header.Height, "blob_ref": blobRef,
		}})
	}
}

// ResubmitPendingBlobs re-submits every committed block still missing a
// blob_ref to the DA layer, for the cold-start recovery path needed after a
// crash between block persistence and blob attachment.
func (g *Generator) ResubmitPendingBlobs(ctx context.Context) error {
	blocks, err := g.store.ListBlocksMissingBlobRef()
	if err != nil {
		return fmt.Errorf("blockgen: list blocks missing blob ref: %w", err)
	}
	for _, block := range blocks {
		g.submitToDA(ctx, block)
	}
	return nil
}

// PollConfirmations checks each blob ref in blobRefs and emits
// BlockConfirmedOnDA for those the DA layer now reports final. It keeps no
// record of which refs were already confirmed: a ref passed again is
// checked, and reported, again.
func (g *Generator) PollConfirmations(ctx context.Context, blobRefs []string) {
	if g.da == nil {
		return
	}
	for _, ref := range blobRefs {
		confirmed, err := g.da.CheckConfirmation(ctx, ref)
		if err != nil {
			g.logger.Warn("blockgen: confirmation check failed", "blob_ref", ref, "err", err)
			continue
		}
		if confirmed && g.notifier != nil {
			g.notifier.Publish(notify.Event{Type: notify.EventBlockConfirmedOnDA, Payload: map[string]any{"blob_ref": ref}})
		}
	}
}

// PurgeInvalidTransactions scans every uncommitted transaction for inputs
// that can never be spent by it: an input that no longer exists, or one
// already marked spent by a transaction that committed first. This catches
// double-spend losers that were never selected into a batch (so
// GenerateBlock's own ApplyTransaction failure path never saw them), per
// purge step.
func (g *Generator) PurgeInvalidTransactions() ([]string, error) {
	pending, err := g.store.FetchUncommittedTransactions(0)
	if err != nil {
		return nil, fmt.Errorf("blockgen: fetch uncommitted: %w", err)
	}
	inBatch := make(map[string]struct{}, len(pending))
	for _, tx := range pending {
		inBatch[tx.TxID] = struct{}{}
	}

	var invalid []string
	for _, tx := range pending {
		bad := false
		for _, ref := range tx.Inputs {
			if _, producedInBatch := inBatch[ref.TxID]; producedInBatch {
				continue // resolved by topoSort at assembly time
			}
			u, ok, err := g.store.FetchUTXO(ref)
			if err != nil {
				return nil, fmt.Errorf("blockgen: fetch utxo %s: %w", ref.Key(), err)
			}
			if !ok || u.Status != consensus.StatusUnspent {
				bad = true
				break
			}
		}
		if bad {
			invalid = append(invalid, tx.TxID)
		}
	}
	if len(invalid) == 0 {
		return nil, nil
	}
	if err := g.store.DeleteTransactions(invalid); err != nil {
		return nil, fmt.Errorf("blockgen: delete invalid transactions: %w", err)
	}
	for _, id := range invalid {
		if g.admitter != nil {
			g.admitter.Forget(id)
		}
		if g.notifier != nil {
			g.notifier.Publish(notify.Event{Type: notify.EventTransactionRejected, Payload: map[string]any{
				"tx_id": id, "reason": "unspendable_input",
			}})
		}
	}
	return invalid, nil
}
