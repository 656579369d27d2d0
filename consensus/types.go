// Package consensus holds the chain's canonical data types, the
// deterministic serialization they are hashed and signed over, the sparse
// Merkle state commitment, and the ledger state-transition function. Nothing
// outside this package is authoritative over UTXO state.
package consensus

import (
	"fmt"
	"strings"
)

// Address is an opaque Ed25519 public key. The system never interprets its
// structure beyond byte-for-byte equality.
type Address []byte

// Equal reports whether a and b name the same address.
func (a Address) Equal(b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a Address) String() string {
	return b64(a)
}

// UTXOStatus is the lifecycle state of a UTXO.
type UTXOStatus string

const (
	StatusUnspent UTXOStatus = "unspent"
	StatusSpent   UTXOStatus = "spent"
)

// UTXORef points at a transaction output by outpoint, used as a transaction
// input pointer and as the sparse Merkle tree's key material.
type UTXORef struct {
	TxID        string `json:"tx_id"`
	OutputIndex uint32 `json:"output_index"`
}

// Key returns the sparse Merkle tree key for this outpoint: "<tx_id>:<output_index>".
func (r UTXORef) Key() string {
	return fmt.Sprintf("%s:%d", r.TxID, r.OutputIndex)
}

// GenesisTxID is the synthetic tx_id used for genesis-allocation UTXOs.
const GenesisTxID = "genesis"

// DepositTxID returns the synthetic tx_id minted for an L1 deposit event.
func DepositTxID(l1TxHash string) string {
	return "deposit:" + l1TxHash
}

// UTXO is an unspent (or now-spent) transaction output.
type UTXO struct {
	TxID        string     `json:"tx_id"`
	OutputIndex uint32     `json:"output_index"`
	Recipient   Address    `json:"recipient"`
	Amount      Amount     `json:"amount"`
	Status      UTXOStatus `json:"status"`
}

// Ref returns the UTXORef naming this output.
func (u UTXO) Ref() UTXORef {
	return UTXORef{TxID: u.TxID, OutputIndex: u.OutputIndex}
}

// TxOutput is the shape of an output as it appears inside a SignedTransaction,
// before tx_id/output_index are known to the caller (they are derived: tx_id
// is the enclosing transaction's id, output_index is the output's position).
type TxOutput struct {
	Recipient Address `json:"recipient"`
	Amount    Amount  `json:"amount"`
}

// SignedTransaction is a client-signed value transfer. TxID, and therefore
// the bytes that are signed, are computed from CanonicalPreHash (see
// canonical.go); fields here must match exactly what that function consumes.
type SignedTransaction struct {
	TxID        string     `json:"tx_id"`
	Sender      Address    `json:"sender"`
	Inputs      []UTXORef  `json:"inputs"`
	Outputs     []TxOutput `json:"outputs"`
	Fee         Amount     `json:"fee"`
	PayloadHash string     `json:"payload_hash"`
	Timestamp   int64      `json:"timestamp"`
	Signature   []byte     `json:"signature"`
	BlockHeight *uint64    `json:"block_height,omitempty"`
}

// Included reports whether the transaction has been assigned a block height.
func (tx *SignedTransaction) Included() bool {
	return tx.BlockHeight != nil
}

// StructurallyValid performs the admission layer's cheap shape check: at
// least one input, at least one output, no duplicate inputs, a non-negative
// fee, and every output's amount strictly positive.
func (tx *SignedTransaction) StructurallyValid() error {
	if tx == nil {
		return ledgerErr(ErrMalformed, "nil transaction")
	}
	if len(tx.Inputs) == 0 {
		return ledgerErr(ErrMalformed, "transaction has zero inputs")
	}
	if len(tx.Outputs) == 0 {
		return ledgerErr(ErrMalformed, "transaction has zero outputs")
	}
	seen := make(map[UTXORef]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in]; dup {
			return ledgerErr(ErrMalformed, "duplicate input "+in.Key())
		}
		seen[in] = struct{}{}
	}
	if !tx.Fee.Valid() {
		return ledgerErr(ErrMalformed, "fee out of range")
	}
	for i, out := range tx.Outputs {
		if !out.Amount.Positive() {
			return ledgerErr(ErrMalformed, fmt.Sprintf("output %d amount must be positive", i))
		}
	}
	if len(tx.Sender) == 0 {
		return ledgerErr(ErrMalformed, "missing sender")
	}
	return nil
}

// BlockHeader is the content-hashed summary of a block.
type BlockHeader struct {
	Height        uint64 `json:"height"`
	PrevHash      string `json:"prev_hash"`
	StateRoot     string `json:"state_root"`
	Timestamp     int64  `json:"timestamp"`
	TxCount       int    `json:"tx_count"`
	BlobRef       string `json:"blob_ref"`
	FeeScheduleID string `json:"fee_schedule_id"`
	Hash          string `json:"hash"`
}

// Block pairs a header with the transactions it commits, in application
// order.
type Block struct {
	Header       BlockHeader          `json:"header"`
	Transactions []*SignedTransaction `json:"transactions"`
}

// ZeroPrevHash is the prev_hash of the genesis block: 64 '0' characters.
var ZeroPrevHash = strings.Repeat("0", 64)

// ReceiptStatus is a transaction's coarse lifecycle position as reported by
// GetReceipt.
type ReceiptStatus string

const (
	ReceiptUnknown  ReceiptStatus = "unknown"  // never admitted, or already purged
	ReceiptPending  ReceiptStatus = "pending"  // admitted, awaiting block inclusion
	ReceiptIncluded ReceiptStatus = "included" // committed at BlockHeight
)

// Receipt is the small, queryable summary of a transaction's current
// disposition: what the admission layer recorded, and what (if anything)
// the block generator later did with it.
type Receipt struct {
	TxID        string        `json:"tx_id"`
	Status      ReceiptStatus `json:"status"`
	BlockHeight *uint64       `json:"block_height,omitempty"`
}

// ReceiptFor derives a Receipt from a stored transaction row. A nil tx (not
// found in storage) yields ReceiptUnknown.
func ReceiptFor(txID string, tx *SignedTransaction) Receipt {
	if tx == nil {
		return Receipt{TxID: txID, Status: ReceiptUnknown}
	}
	if tx.Included() {
		return Receipt{TxID: txID, Status: ReceiptIncluded, BlockHeight: tx.BlockHeight}
	}
	return Receipt{TxID: txID, Status: ReceiptPending}
}
