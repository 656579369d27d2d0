package consensus

import (
	"sync"
)

// UTXOSource is the read/write surface the ledger needs from storage. It is
// satisfied by node/store.Storage; kept as an interface here so the ledger
// package has no dependency on bbolt or any other storage engine.
type UTXOSource interface {
	// FetchUTXO returns the UTXO at ref, or ok=false if absent.
	FetchUTXO(ref UTXORef) (UTXO, bool, error)
	// InsertUTXO inserts a new unspent UTXO row.
	InsertUTXO(u UTXO) error
	// MarkUTXOSpent transitions a UTXO to spent.
	MarkUTXOSpent(ref UTXORef) error
	// LoadUnspentUTXOs returns every currently-unspent UTXO, used at boot to
	// seed the Merkle tree.
	LoadUnspentUTXOs() ([]UTXO, error)

	// FetchTransaction returns a previously-inserted transaction row by id.
	FetchTransaction(txID string) (*SignedTransaction, bool, error)
	// InsertTransaction inserts a new transaction row (block_height may be
	// nil).
	InsertTransaction(tx *SignedTransaction) error
	// SetTransactionHeight stamps block_height on an existing transaction row.
	SetTransactionHeight(txID string, height uint64) error

	// InsertVaultDeposit inserts a vault-deposit row; returns alreadyExists
	// true if l1TxHash was already recorded (idempotency).
	InsertVaultDeposit(l1TxHash string, recipient Address, amount Amount, l1Height uint64, timestamp int64) (alreadyExists bool, err error)

	// WithTx runs fn inside a single serializable storage transaction. The
	// implementation must provide BEGIN EXCLUSIVE (or equivalent) semantics:
	// at most one WithTx body executes at a time.
	WithTx(fn func(tx UTXOSource) error) error
}

// Ledger is the sole authority over UTXO state transitions. It
// owns an in-memory sparse Merkle tree mirroring the durable UTXO set and
// serializes every mutation through a single mutex, matching
// requirement that ApplyTransaction never run concurrently with itself.
type Ledger struct {
	mu      sync.Mutex
	store   UTXOSource
	tree    *Tree
	balance map[string]Amount // cache: b64(address) -> sum of unspent amounts
}

// NewLedger constructs a Ledger and boots its Merkle tree + balance cache
// from every unspent UTXO currently in storage.
func NewLedger(store UTXOSource) (*Ledger, error) {
	l := &Ledger{
		store:   store,
		tree:    NewTree(),
		balance: make(map[string]Amount),
	}
	unspent, err := store.LoadUnspentUTXOs()
	if err != nil {
		return nil, err
	}
	for _, u := range unspent {
		l.tree.Update(u.Ref().Key(), leafValueHash(u.Recipient, u.Amount))
		l.creditBalance(u.Recipient, u.Amount)
	}
	return l, nil
}

func (l *Ledger) creditBalance(addr Address, amt Amount) {
	k := addr.String()
	sum, _ := AddAmount(l.balance[k], amt)
	l.balance[k] = sum
}

func (l *Ledger) debitBalance(addr Address, amt Amount) {
	k := addr.String()
	if l.balance[k] >= amt {
		l.balance[k] -= amt
	} else {
		l.balance[k] = 0
	}
}

// StateRoot returns the tree's current root hash as a hex string, matching
// the BlockHeader.StateRoot field shape.
func (l *Ledger) StateRoot() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	root := l.tree.Root()
	return hexString(root.Bytes())
}

// Balance returns the sum of unspent UTXO amounts owned by addr. It takes
// the same mutex as ApplyTransaction, so it waits for an in-flight apply to
// finish and never runs concurrently with one.
func (l *Ledger) Balance(addr Address) Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance[addr.String()]
}

// ApplyTransaction validates and applies tx in eight ordered steps. All
// mutation happens under l.mu, the in-process stand-in for a single
// serialized storage transaction; store.WithTx additionally gives storage
// its own exclusive transaction so a crash mid-apply cannot leave partial
// rows.
func (l *Ledger) ApplyTransaction(tx *SignedTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Step 1: idempotent no-op if already committed.
	if existing, ok, err := l.store.FetchTransaction(tx.TxID); err != nil {
		return err
	} else if ok && existing.Included() {
		return nil
	}

	// Step 2: signature re-verification over the canonical pre-hash.
	if !VerifySignature(tx) {
		return ledgerErr(ErrInvalidSignature, "signature does not verify")
	}

	type spend struct {
		ref   UTXORef
		utxo  UTXO
	}
	spends := make([]spend, 0, len(tx.Inputs))

	// Step 3: fetch + validate every input under the (conceptual) write lock.
	var sumIn Amount
	for _, ref := range tx.Inputs {
		u, ok, err := l.store.FetchUTXO(ref)
		if err != nil {
			return err
		}
		if !ok {
			return ledgerErr(ErrInputNotFound, "input not found: "+ref.Key())
		}
		if u.Status != StatusUnspent {
			return ledgerErr(ErrInputSpent, "input already spent: "+ref.Key())
		}
		if !u.Recipient.Equal(tx.Sender) {
			return ledgerErr(ErrNotOwner, "input recipient does not match sender: "+ref.Key())
		}
		var err2 error
		sumIn, err2 = AddAmount(sumIn, u.Amount)
		if err2 != nil {
			return ledgerErr(ErrInsufficientFunds, err2.Error())
		}
		spends = append(spends, spend{ref: ref, utxo: u})
	}

	// Step 4: conservation check, exact (no rounding slack).
	sumOut, err := SumAmounts(outputAmounts(tx.Outputs))
	if err != nil {
		return ledgerErr(ErrInsufficientFunds, err.Error())
	}
	need, err := AddAmount(sumOut, tx.Fee)
	if err != nil {
		return ledgerErr(ErrInsufficientFunds, err.Error())
	}
	if sumIn != need {
		return ledgerErr(ErrInsufficientFunds, "sum(inputs) != sum(outputs)+fee")
	}

	return l.store.WithTx(func(storeTx UTXOSource) error {
		// Step 5: spend inputs, remove from tree.
		for _, s := range spends {
			if err := storeTx.MarkUTXOSpent(s.ref); err != nil {
				return err
			}
			l.tree.Update(s.ref.Key(), "")
			l.debitBalance(s.utxo.Recipient, s.utxo.Amount)
		}

		// Step 6: insert the transaction row if not already present.
		if _, ok, err := storeTx.FetchTransaction(tx.TxID); err != nil {
			return err
		} else if !ok {
			if err := storeTx.InsertTransaction(tx); err != nil {
				return err
			}
		}

		// Step 7: insert outputs, update the tree.
		for i, out := range tx.Outputs {
			u := UTXO{
				TxID:        tx.TxID,
				OutputIndex: uint32(i),
				Recipient:   out.Recipient,
				Amount:      out.Amount,
				Status:      StatusUnspent,
			}
			if err := storeTx.InsertUTXO(u); err != nil {
				return err
			}
			l.tree.Update(u.Ref().Key(), leafValueHash(u.Recipient, u.Amount))
			l.creditBalance(u.Recipient, u.Amount)
		}
		return nil
	})
	// Step 8 (commit) happens inside WithTx; the observable root is already
	// updated above since the in-memory tree mutation is part of this
	// critical section.
}

func outputAmounts(outs []TxOutput) []Amount {
	amts := make([]Amount, len(outs))
	for i, o := range outs {
		amts[i] = o.Amount
	}
	return amts
}

// ProcessDeposit mints a synthetic UTXO for an L1 deposit. It is idempotent
// on l1TxHash and does not check any signature; the deposit is vouched for
// by the external L1 observer that invoked it.
func (l *Ledger) ProcessDeposit(l1TxHash string, recipient Address, amount Amount, l1Height uint64, timestamp int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.Positive() {
		return ledgerErr(ErrMalformed, "deposit amount must be positive")
	}

	return l.store.WithTx(func(storeTx UTXOSource) error {
		already, err := storeTx.InsertVaultDeposit(l1TxHash, recipient, amount, l1Height, timestamp)
		if err != nil {
			return err
		}
		if already {
			return nil
		}
		u := UTXO{
			TxID:        DepositTxID(l1TxHash),
			OutputIndex: 0,
			Recipient:   recipient,
			Amount:      amount,
			Status:      StatusUnspent,
		}
		if err := storeTx.InsertUTXO(u); err != nil {
			return err
		}
		l.tree.Update(u.Ref().Key(), leafValueHash(u.Recipient, u.Amount))
		l.creditBalance(u.Recipient, u.Amount)
		return nil
	})
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
