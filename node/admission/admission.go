// Package admission is the sequencer's fast path: the entry point that
// accepts or rejects a client-submitted transaction before the block
// generator ever looks at it. It never takes the ledger's state-transition
// lock; it only checks cheap, local invariants (shape, fee
// floor, signature, duplicate submission) and durably records the
// transaction as uncommitted so the block generator can pick it up later.
package admission

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fontana-labs/sequencer/consensus"
	"github.com/fontana-labs/sequencer/notify"
)

// Store is the slice of node/store.Storage the admission layer needs: look
// up a transaction by id (for dedup against already-admitted or already
// committed work) and insert a fresh one.
type Store interface {
	FetchTransaction(txID string) (*consensus.SignedTransaction, bool, error)
	InsertTransaction(tx *consensus.SignedTransaction) error
}

// Result is the outcome of one Admit call, mirroring
// ProvisionallyAccepted / Rejected result shape.
type Result struct {
	TxID     string
	Accepted bool
	Reason   consensus.ErrorCode
	Message  string
	Latency  time.Duration
}

// Admitter is the fast admission path. It holds no reference to the ledger
// and acquires no ledger lock; its only shared mutable state is a bounded
// LRU set used to reject duplicate submissions cheaply before ever touching
// storage.
type Admitter struct {
	store    Store
	notifier *notify.Bus
	minFee   consensus.Amount
	pending  *lru.Cache[string, struct{}]
	notifyCh chan struct{}
}

// Config controls the admission layer's tunables, all sourced from
// config.Config (never hardcoded, never read from a
// package-level global).
type Config struct {
	MinimumFee     consensus.Amount
	DedupCacheSize int
}

// New builds an Admitter. notifier may be nil, in which case Admit publishes
// nothing; otherwise every accepted transaction raises
// EventTransactionReceived and every rejected one raises
// EventTransactionRejected, so a subscriber sees admission's "Received"
// verdict before the block generator's later "Included"/"Committed" ones.
func New(st Store, notifier *notify.Bus, cfg Config) (*Admitter, error) {
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 4096
	}
	cache, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("admission: build dedup cache: %w", err)
	}
	return &Admitter{
		store:    st,
		notifier: notifier,
		minFee:   cfg.MinimumFee,
		pending:  cache,
		notifyCh: make(chan struct{}, 1),
	}, nil
}

// Notify returns a channel the block generator can select on to wake up
// promptly after a new transaction is admitted, instead of waiting out the
// full cadence interval every time. Reads must not block sends: the channel
// is buffered and sends are dropped, never blocked, when full.
func (a *Admitter) Notify() <-chan struct{} {
	return a.notifyCh
}

// Admit runs the admission-layer checks in order: structural
// shape, fee floor, signature, then duplicate-submission dedup, durably
// recording the transaction only if every check passes.
func (a *Admitter) Admit(tx *consensus.SignedTransaction) Result {
	start := time.Now()
	result := func(ok bool, code consensus.ErrorCode, msg string) Result {
		r := Result{Accepted: ok, Reason: code, Message: msg, Latency: time.Since(start)}
		if tx != nil {
			r.TxID = tx.TxID
		}
		if a.notifier != nil && r.TxID != "" {
			if ok {
				a.notifier.Publish(notify.Event{Type: notify.EventTransactionReceived, Payload: map[string]any{
					"tx_id": r.TxID,
				}})
			} else {
				a.notifier.Publish(notify.Event{Type: notify.EventTransactionRejected, Payload: map[string]any{
					"tx_id": r.TxID, "reason": string(code),
				}})
			}
		}
		return r
	}

	if err := tx.StructurallyValid(); err != nil {
		return result(false, consensus.CodeOf(err), err.Error())
	}
	if err := consensus.ValidateTxID(tx); err != nil {
		return result(false, consensus.ErrMalformed, err.Error())
	}
	if tx.Fee < a.minFee {
		return result(false, consensus.ErrFeeBelowFloor, fmt.Sprintf("fee %d below floor %d", tx.Fee, a.minFee))
	}
	if !consensus.VerifySignature(tx) {
		return result(false, consensus.ErrInvalidSignature, "signature does not verify")
	}

	if _, dup := a.pending.Get(tx.TxID); dup {
		return result(false, consensus.ErrDuplicatePending, "transaction already pending")
	}
	existing, ok, err := a.store.FetchTransaction(tx.TxID)
	if err != nil {
		return result(false, consensus.ErrMalformed, fmt.Sprintf("dedup lookup failed: %v", err))
	}
	if ok && existing != nil {
		return result(false, consensus.ErrDuplicatePending, "transaction already recorded")
	}

	if err := a.store.InsertTransaction(tx); err != nil {
		return result(false, consensus.ErrMalformed, fmt.Sprintf("insert failed: %v", err))
	}
	a.pending.Add(tx.TxID, struct{}{})
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
	return result(true, "", "")
}

// Forget drops a transaction id from the dedup cache once the block
// generator has committed (or permanently purged) it, so the bounded LRU
// doesn't hold stale entries that could mask a legitimately-reused id after
// eviction pressure. Safe to call for an id the cache never held.
func (a *Admitter) Forget(txID string) {
	a.pending.Remove(txID)
}
