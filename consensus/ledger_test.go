package consensus

import (
	"crypto/ed25519"
	"testing"
)

// memStore is a minimal in-memory UTXOSource used only by ledger tests; the
// real implementation lives in node/store and is exercised by its own
// integration tests against bbolt.
type memStore struct {
	utxos    map[UTXORef]UTXO
	txs      map[string]*SignedTransaction
	deposits map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		utxos:    make(map[UTXORef]UTXO),
		txs:      make(map[string]*SignedTransaction),
		deposits: make(map[string]bool),
	}
}

func (m *memStore) FetchUTXO(ref UTXORef) (UTXO, bool, error) {
	u, ok := m.utxos[ref]
	return u, ok, nil
}

func (m *memStore) InsertUTXO(u UTXO) error {
	m.utxos[u.Ref()] = u
	return nil
}

func (m *memStore) MarkUTXOSpent(ref UTXORef) error {
	u := m.utxos[ref]
	u.Status = StatusSpent
	m.utxos[ref] = u
	return nil
}

func (m *memStore) LoadUnspentUTXOs() ([]UTXO, error) {
	var out []UTXO
	for _, u := range m.utxos {
		if u.Status == StatusUnspent {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memStore) FetchTransaction(txID string) (*SignedTransaction, bool, error) {
	tx, ok := m.txs[txID]
	return tx, ok, nil
}

func (m *memStore) InsertTransaction(tx *SignedTransaction) error {
	cp := *tx
	m.txs[tx.TxID] = &cp
	return nil
}

func (m *memStore) SetTransactionHeight(txID string, height uint64) error {
	if tx, ok := m.txs[txID]; ok {
		h := height
		tx.BlockHeight = &h
	}
	return nil
}

func (m *memStore) InsertVaultDeposit(l1TxHash string, recipient Address, amount Amount, l1Height uint64, timestamp int64) (bool, error) {
	if m.deposits[l1TxHash] {
		return true, nil
	}
	m.deposits[l1TxHash] = true
	return false, nil
}

func (m *memStore) WithTx(fn func(tx UTXOSource) error) error {
	return fn(m)
}

func mustLedgerKey(t *testing.T) (Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Address(pub), priv
}

func seedGenesis(t *testing.T, store *memStore, recipient Address, amount Amount) {
	t.Helper()
	if err := store.InsertUTXO(UTXO{TxID: GenesisTxID, OutputIndex: 0, Recipient: recipient, Amount: amount, Status: StatusUnspent}); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}
}

func signedTransfer(t *testing.T, sender Address, priv ed25519.PrivateKey, inputs []UTXORef, outputs []TxOutput, fee Amount, ts int64) *SignedTransaction {
	t.Helper()
	sig, txID := Sign(priv, sender, inputs, outputs, fee, ts)
	return &SignedTransaction{
		TxID: txID, Sender: sender, Inputs: inputs, Outputs: outputs,
		Fee: fee, Timestamp: ts, Signature: sig,
	}
}

func TestLedger_BasicTransferAndBalances(t *testing.T) {
	store := newMemStore()
	a, aPriv := mustLedgerKey(t)
	b, _ := mustLedgerKey(t)
	seedGenesis(t, store, a, 1000) // 1000 base units

	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if ledger.Balance(a) != 1000 {
		t.Fatalf("expected initial balance 1000, got %d", ledger.Balance(a))
	}

	tx := signedTransfer(t, a, aPriv,
		[]UTXORef{{TxID: GenesisTxID, OutputIndex: 0}},
		[]TxOutput{{Recipient: b, Amount: 400}, {Recipient: a, Amount: 599}},
		1, 1000)

	if err := ledger.ApplyTransaction(tx); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if got := ledger.Balance(a); got != 599 {
		t.Fatalf("balance(a) = %d, want 599", got)
	}
	if got := ledger.Balance(b); got != 400 {
		t.Fatalf("balance(b) = %d, want 400", got)
	}

	// Idempotent re-apply once included.
	if err := store.SetTransactionHeight(tx.TxID, 1); err != nil {
		t.Fatalf("SetTransactionHeight: %v", err)
	}
	if err := ledger.ApplyTransaction(tx); err != nil {
		t.Fatalf("idempotent re-apply should succeed: %v", err)
	}
}

func TestLedger_ChainedBatch(t *testing.T) {
	store := newMemStore()
	a, aPriv := mustLedgerKey(t)
	b, bPriv := mustLedgerKey(t)
	c, _ := mustLedgerKey(t)
	seedGenesis(t, store, a, 1000)

	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	tx1 := signedTransfer(t, a, aPriv,
		[]UTXORef{{TxID: GenesisTxID, OutputIndex: 0}},
		[]TxOutput{{Recipient: b, Amount: 300}, {Recipient: a, Amount: 699}},
		1, 1000)
	if err := ledger.ApplyTransaction(tx1); err != nil {
		t.Fatalf("apply tx1: %v", err)
	}

	tx2 := signedTransfer(t, b, bPriv,
		[]UTXORef{{TxID: tx1.TxID, OutputIndex: 0}},
		[]TxOutput{{Recipient: c, Amount: 300}},
		0, 1001)
	if err := ledger.ApplyTransaction(tx2); err != nil {
		t.Fatalf("apply tx2 (chained on tx1's output): %v", err)
	}
	if got := ledger.Balance(c); got != 300 {
		t.Fatalf("balance(c) = %d, want 300", got)
	}
	if got := ledger.Balance(b); got != 0 {
		t.Fatalf("balance(b) = %d, want 0", got)
	}
}

func TestLedger_RejectsDoubleSpend(t *testing.T) {
	store := newMemStore()
	a, aPriv := mustLedgerKey(t)
	b, _ := mustLedgerKey(t)
	c, _ := mustLedgerKey(t)
	seedGenesis(t, store, a, 10)

	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	ref := UTXORef{TxID: GenesisTxID, OutputIndex: 0}
	tx1 := signedTransfer(t, a, aPriv, []UTXORef{ref}, []TxOutput{{Recipient: b, Amount: 4}, {Recipient: a, Amount: 6}}, 0, 1000)
	tx2 := signedTransfer(t, a, aPriv, []UTXORef{ref}, []TxOutput{{Recipient: c, Amount: 7}, {Recipient: a, Amount: 3}}, 0, 1001)

	if err := ledger.ApplyTransaction(tx1); err != nil {
		t.Fatalf("apply tx1: %v", err)
	}
	err = ledger.ApplyTransaction(tx2)
	if CodeOf(err) != ErrInputSpent {
		t.Fatalf("expected input_spent, got %v", err)
	}
}

func TestLedger_RejectsInsufficientFunds(t *testing.T) {
	store := newMemStore()
	a, aPriv := mustLedgerKey(t)
	b, _ := mustLedgerKey(t)
	seedGenesis(t, store, a, 10)

	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	tx := signedTransfer(t, a, aPriv, []UTXORef{{TxID: GenesisTxID, OutputIndex: 0}}, []TxOutput{{Recipient: b, Amount: 11}}, 0, 1000)
	err = ledger.ApplyTransaction(tx)
	if CodeOf(err) != ErrInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
}

func TestLedger_RejectsNotOwner(t *testing.T) {
	store := newMemStore()
	a, _ := mustLedgerKey(t)
	b, bPriv := mustLedgerKey(t)
	seedGenesis(t, store, a, 10)

	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	// b signs a transaction spending a's UTXO.
	tx := signedTransfer(t, b, bPriv, []UTXORef{{TxID: GenesisTxID, OutputIndex: 0}}, []TxOutput{{Recipient: b, Amount: 10}}, 0, 1000)
	err = ledger.ApplyTransaction(tx)
	if CodeOf(err) != ErrNotOwner {
		t.Fatalf("expected not_owner, got %v", err)
	}
}

func TestLedger_RejectsTamperedSignature(t *testing.T) {
	store := newMemStore()
	a, aPriv := mustLedgerKey(t)
	b, _ := mustLedgerKey(t)
	seedGenesis(t, store, a, 10)

	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	tx := signedTransfer(t, a, aPriv, []UTXORef{{TxID: GenesisTxID, OutputIndex: 0}}, []TxOutput{{Recipient: b, Amount: 10}}, 0, 1000)
	tx.Fee = 1 // alter after signing without re-signing
	err = ledger.ApplyTransaction(tx)
	if CodeOf(err) != ErrInvalidSignature {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
}

func TestLedger_DepositMintIsIdempotent(t *testing.T) {
	store := newMemStore()
	ledger, err := NewLedger(store)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	recipient, _ := mustLedgerKey(t)

	if err := ledger.ProcessDeposit("0xabcd", recipient, 250, 42, 1000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if got := ledger.Balance(recipient); got != 250 {
		t.Fatalf("balance after deposit = %d, want 250", got)
	}
	if err := ledger.ProcessDeposit("0xabcd", recipient, 250, 42, 1000); err != nil {
		t.Fatalf("second deposit (idempotent): %v", err)
	}
	if got := ledger.Balance(recipient); got != 250 {
		t.Fatalf("balance after duplicate deposit = %d, want 250 (no double mint)", got)
	}
	if len(store.utxos) != 1 {
		t.Fatalf("expected exactly one minted utxo, got %d", len(store.utxos))
	}
}

func TestLedger_StateRootChangesDeterministically(t *testing.T) {
	store1 := newMemStore()
	store2 := newMemStore()
	a, aPriv := mustLedgerKey(t)
	b, _ := mustLedgerKey(t)
	seedGenesis(t, store1, a, 10)
	seedGenesis(t, store2, a, 10)

	l1, _ := NewLedger(store1)
	l2, _ := NewLedger(store2)
	if l1.StateRoot() != l2.StateRoot() {
		t.Fatalf("identical genesis should produce identical initial state roots")
	}

	tx := signedTransfer(t, a, aPriv, []UTXORef{{TxID: GenesisTxID, OutputIndex: 0}}, []TxOutput{{Recipient: b, Amount: 4}, {Recipient: a, Amount: 6}}, 0, 1000)
	if err := l1.ApplyTransaction(tx); err != nil {
		t.Fatalf("apply on l1: %v", err)
	}
	if err := l2.ApplyTransaction(tx); err != nil {
		t.Fatalf("apply on l2: %v", err)
	}
	if l1.StateRoot() != l2.StateRoot() {
		t.Fatalf("identical sequence of applied transactions should produce identical state roots")
	}
}
