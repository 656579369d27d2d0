// Package bridge ingests L1 deposit and withdrawal-confirmation events from
// an external observer and applies their rollup-side effects: minting a
// deposit UTXO, or marking a withdrawal confirmed. Grounded in the
// reference implementation's bridge/DA client shape, since the teacher has
// no L1/L2 bridge concept at all -- it is a single self-contained chain.
package bridge

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fontana-labs/sequencer/consensus"
	"github.com/fontana-labs/sequencer/notify"
)

// DepositEvent is a confirmed L1 deposit, as reported by an external L1
// observer; the observer itself is an external collaborator, out of scope
// for this module.
type DepositEvent struct {
	L1TxHash  string
	Recipient consensus.Address
	Amount    consensus.Amount
	L1Height  uint64
	Timestamp int64
}

// WithdrawalEvent reports that a previously broadcast withdrawal-burn
// transaction has reached finality on L1.
type WithdrawalEvent struct {
	RollupTxID string
	L1TxHash   string
	L1Height   uint64
}

// L1EventSource is the external collaborator the bridge consumes; its
// implementation (watching an L1 vault contract or equivalent) is outside
// this module's scope.
type L1EventSource interface {
	DepositEvents(ctx context.Context) (<-chan DepositEvent, error)
	WithdrawalEvents(ctx context.Context) (<-chan WithdrawalEvent, error)
}

// WithdrawalStore is the slice of node/store.Storage the bridge needs for
// withdrawal confirmation bookkeeping.
type WithdrawalStore interface {
	ConfirmVaultWithdrawal(rollupTxID, l1TxHash string, l1Height uint64) (alreadyConfirmed bool, err error)
}

// Bridge applies L1 event effects to the ledger and storage.
type Bridge struct {
	ledger   *consensus.Ledger
	store    WithdrawalStore
	notifier *notify.Bus
	logger   *slog.Logger
}

func New(ledger *consensus.Ledger, store WithdrawalStore, notifier *notify.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{ledger: ledger, store: store, notifier: notifier, logger: logger}
}

// HandleDepositReceived mints the deposit's rollup-side UTXO. A malformed
// event (no recipient, non-positive amount) is logged and skipped rather
// than propagated as an error: one bad event from the L1 observer must
// never stop the bridge from processing the rest of the stream.
func (b *Bridge) HandleDepositReceived(evt DepositEvent) error {
	if len(evt.Recipient) == 0 {
		b.logger.Warn("bridge: deposit event missing recipient, skipping", "l1_tx_hash", evt.L1TxHash)
		return nil
	}
	if !evt.Amount.Positive() {
		b.logger.Warn("bridge: deposit event has non-positive amount, skipping", "l1_tx_hash", evt.L1TxHash)
		return nil
	}
	if err := b.ledger.ProcessDeposit(evt.L1TxHash, evt.Recipient, evt.Amount, evt.L1Height, evt.Timestamp); err != nil {
		return err
	}
	if b.notifier != nil {
		b.notifier.Publish(notify.Event{Type: notify.EventDepositProcessed, Payload: map[string]any{
			"l1_tx_hash": evt.L1TxHash, "recipient": evt.Recipient.String(), "amount": uint64(evt.Amount),
		}})
	}
	return nil
}

// HandleWithdrawalConfirmed marks a withdrawal confirmed, idempotently.
func (b *Bridge) HandleWithdrawalConfirmed(evt WithdrawalEvent) error {
	if evt.RollupTxID == "" {
		b.logger.Warn("bridge: withdrawal event missing rollup tx id, skipping", "l1_tx_hash", evt.L1TxHash)
		return nil
	}
	already, err := b.store.ConfirmVaultWithdrawal(evt.RollupTxID, evt.L1TxHash, evt.L1Height)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	if b.notifier != nil {
		b.notifier.Publish(notify.Event{Type: notify.EventWithdrawalConfirmed, Payload: map[string]any{
			"rollup_tx_id": evt.RollupTxID, "l1_tx_hash": evt.L1TxHash,
		}})
	}
	return nil
}

// Run drains both event channels from source until ctx is canceled or
// both channels have closed, supervising the two consumer loops with
// golang.org/x/sync/errgroup the way cmd/sequencerd supervises its other
// long-running loops.
func (b *Bridge) Run(ctx context.Context, source L1EventSource) error {
	deposits, err := source.DepositEvents(ctx)
	if err != nil {
		return err
	}
	withdrawals, err := source.WithdrawalEvents(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-deposits:
				if !ok {
					return nil
				}
				if err := b.HandleDepositReceived(evt); err != nil {
					b.logger.Error("bridge: deposit handling failed", "l1_tx_hash", evt.L1TxHash, "err", err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-withdrawals:
				if !ok {
					return nil
				}
				if err := b.HandleWithdrawalConfirmed(evt); err != nil {
					b.logger.Error("bridge: withdrawal handling failed", "rollup_tx_id", evt.RollupTxID, "err", err)
				}
			}
		}
	})
	return g.Wait()
}
