package admission

import (
	"crypto/ed25519"
	"testing"

	"github.com/fontana-labs/sequencer/consensus"
	"github.com/fontana-labs/sequencer/notify"
)

type fakeStore struct {
	txs map[string]*consensus.SignedTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[string]*consensus.SignedTransaction)}
}

func (f *fakeStore) FetchTransaction(txID string) (*consensus.SignedTransaction, bool, error) {
	tx, ok := f.txs[txID]
	return tx, ok, nil
}

func (f *fakeStore) InsertTransaction(tx *consensus.SignedTransaction) error {
	f.txs[tx.TxID] = tx
	return nil
}

func mustSigned(t *testing.T, fee consensus.Amount) *consensus.SignedTransaction {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := consensus.Address(pub)
	inputs := []consensus.UTXORef{{TxID: consensus.GenesisTxID, OutputIndex: 0}}
	outputs := []consensus.TxOutput{{Recipient: sender, Amount: 5}}
	sig, txID := consensus.Sign(priv, sender, inputs, outputs, fee, 1000)
	return &consensus.SignedTransaction{
		TxID: txID, Sender: sender, Inputs: inputs, Outputs: outputs,
		Fee: fee, Timestamp: 1000, Signature: sig,
	}
}

func TestAdmitter_AcceptsValidTransaction(t *testing.T) {
	st := newFakeStore()
	a, err := New(st, nil, Config{MinimumFee: 1, DedupCacheSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx := mustSigned(t, 1)
	res := a.Admit(tx)
	if !res.Accepted {
		t.Fatalf("expected accepted, got reason=%s msg=%s", res.Reason, res.Message)
	}
	if _, ok := st.txs[tx.TxID]; !ok {
		t.Fatalf("expected transaction to be persisted")
	}
	select {
	case <-a.Notify():
	default:
		t.Fatalf("expected a notify signal after admission")
	}
}

func TestAdmitter_RejectsFeeBelowFloor(t *testing.T) {
	st := newFakeStore()
	a, _ := New(st, nil, Config{MinimumFee: 10})
	tx := mustSigned(t, 1)
	res := a.Admit(tx)
	if res.Accepted || res.Reason != consensus.ErrFeeBelowFloor {
		t.Fatalf("expected fee_below_floor, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}

func TestAdmitter_RejectsTamperedSignature(t *testing.T) {
	st := newFakeStore()
	a, _ := New(st, nil, Config{MinimumFee: 0})
	tx := mustSigned(t, 1)
	tx.Fee = 99 // invalidates signature without recomputing tx_id
	res := a.Admit(tx)
	if res.Accepted || (res.Reason != consensus.ErrInvalidSignature && res.Reason != consensus.ErrMalformed) {
		t.Fatalf("expected rejection on tampered transaction, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}

func TestAdmitter_RejectsMalformed(t *testing.T) {
	st := newFakeStore()
	a, _ := New(st, nil, Config{MinimumFee: 0})
	tx := mustSigned(t, 1)
	tx.Inputs = nil
	res := a.Admit(tx)
	if res.Accepted || res.Reason != consensus.ErrMalformed {
		t.Fatalf("expected malformed, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}

func TestAdmitter_RejectsDuplicateSubmission(t *testing.T) {
	st := newFakeStore()
	a, _ := New(st, nil, Config{MinimumFee: 0, DedupCacheSize: 16})
	tx := mustSigned(t, 1)
	first := a.Admit(tx)
	if !first.Accepted {
		t.Fatalf("first submission should be accepted: %s", first.Message)
	}
	second := a.Admit(tx)
	if second.Accepted || second.Reason != consensus.ErrDuplicatePending {
		t.Fatalf("expected duplicate_pending on resubmission, got accepted=%v reason=%s", second.Accepted, second.Reason)
	}
}

func TestAdmitter_PublishesReceivedAndRejectedEvents(t *testing.T) {
	st := newFakeStore()
	bus := notify.New(nil, nil)
	var got []notify.EventType
	bus.Subscribe(func(evt notify.Event) { got = append(got, evt.Type) })

	a, err := New(st, bus, Config{MinimumFee: 10, DedupCacheSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rejected := mustSigned(t, 1)
	if res := a.Admit(rejected); res.Accepted {
		t.Fatalf("expected rejection below fee floor")
	}
	accepted := mustSigned(t, 50)
	if res := a.Admit(accepted); !res.Accepted {
		t.Fatalf("expected acceptance above fee floor: %s", res.Message)
	}

	if len(got) != 2 || got[0] != notify.EventTransactionRejected || got[1] != notify.EventTransactionReceived {
		t.Fatalf("expected [rejected, received], got %v", got)
	}
}

func TestAdmitter_ForgetStillRejectsResubmissionViaStorage(t *testing.T) {
	st := newFakeStore()
	a, _ := New(st, nil, Config{MinimumFee: 0, DedupCacheSize: 16})
	tx := mustSigned(t, 1)
	a.Admit(tx)
	a.Forget(tx.TxID)
	// Still rejected: storage itself still has the row (dedup also checks storage).
	res := a.Admit(tx)
	if res.Accepted || res.Reason != consensus.ErrDuplicatePending {
		t.Fatalf("expected storage-backed dedup to still reject, got accepted=%v reason=%s", res.Accepted, res.Reason)
	}
}
