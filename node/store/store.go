// Package store is the durable persistence layer behind the ledger, block
// generator, and bridge ingest: the utxos, transactions, blocks,
// vault_deposits, and vault_withdrawals tables named in, backed by
// a single bbolt file per sequencer instance (grounded on the teacher's
// node/store/db.go bucket-per-table shape).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fontana-labs/sequencer/consensus"
)

var (
	bucketUTXOs        = []byte("utxos")
	bucketTransactions = []byte("transactions")
	bucketBlocks       = []byte("blocks")
	bucketDeposits     = []byte("vault_deposits")
	bucketWithdrawals  = []byte("vault_withdrawals")
)

// Storage is the sequencer's embedded-KV persistence handle. A single
// bbolt.DB enforces the single-writer discipline a crash-safe UTXO store needs:
// bbolt allows exactly one read-write transaction at a time, so Update
// already gives the "BEGIN EXCLUSIVE" semantics the ledger's WithTx relies on.
type Storage struct {
	db   *bolt.DB
	path string
}

// Open creates (or reuses) the bbolt file at path, creating every required
// bucket if absent.
func Open(path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	s := &Storage{db: db, path: path}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUTXOs, bucketTransactions, bucketBlocks, bucketDeposits, bucketWithdrawals} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) Path() string { return s.path }

// utxoRow is the JSON-on-disk shape of a utxos table row; storage blobs are
// not hash- or signature-relevant (unlike consensus.CanonicalPreHash), so a
// reflective encoder is appropriate here.
type utxoRow struct {
	Recipient []byte `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Status    string `json:"status"`
}

func utxoKey(ref consensus.UTXORef) []byte {
	return []byte(ref.Key())
}

func (s *Storage) FetchUTXO(ref consensus.UTXORef) (consensus.UTXO, bool, error) {
	var out consensus.UTXO
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUTXOs).Get(utxoKey(ref))
		if v == nil {
			return nil
		}
		var row utxoRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		out = consensus.UTXO{
			TxID: ref.TxID, OutputIndex: ref.OutputIndex,
			Recipient: row.Recipient, Amount: consensus.Amount(row.Amount),
			Status: consensus.UTXOStatus(row.Status),
		}
		ok = true
		return nil
	})
	return out, ok, err
}

func (s *Storage) InsertUTXO(u consensus.UTXO) error {
	row := utxoRow{Recipient: u.Recipient, Amount: uint64(u.Amount), Status: string(u.Status)}
	val, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUTXOs).Put(utxoKey(u.Ref()), val)
	})
}

func (s *Storage) MarkUTXOSpent(ref consensus.UTXORef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUTXOs)
		v := b.Get(utxoKey(ref))
		if v == nil {
			return fmt.Errorf("store: mark spent: utxo %s not found", ref.Key())
		}
		var row utxoRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		row.Status = string(consensus.StatusSpent)
		val, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(utxoKey(ref), val)
	})
}

func (s *Storage) LoadUnspentUTXOs() ([]consensus.UTXO, error) {
	var out []consensus.UTXO
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUTXOs).ForEach(func(k, v []byte) error {
			var row utxoRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Status != string(consensus.StatusUnspent) {
				return nil
			}
			ref, err := parseUTXOKey(k)
			if err != nil {
				return err
			}
			out = append(out, consensus.UTXO{
				TxID: ref.TxID, OutputIndex: ref.OutputIndex,
				Recipient: row.Recipient, Amount: consensus.Amount(row.Amount),
				Status: consensus.StatusUnspent,
			})
			return nil
		})
	})
	return out, err
}

func parseUTXOKey(k []byte) (consensus.UTXORef, error) {
	s := string(k)
	i := -1
	for idx := len(s) - 1; idx >= 0; idx-- {
		if s[idx] == ':' {
			i = idx
			break
		}
	}
	if i < 0 {
		return consensus.UTXORef{}, fmt.Errorf("store: malformed utxo key %q", s)
	}
	var idx uint32
	if _, err := fmt.Sscanf(s[i+1:], "%d", &idx); err != nil {
		return consensus.UTXORef{}, fmt.Errorf("store: malformed utxo key %q: %w", s, err)
	}
	return consensus.UTXORef{TxID: s[:i], OutputIndex: idx}, nil
}

// FetchUnspentUTXOs returns every unspent UTXO owned by addr. When
// excludePending is true, UTXOs referenced as an input by any transaction
// with block_height == nil are omitted
func (s *Storage) FetchUnspentUTXOs(addr consensus.Address, excludePending bool) ([]consensus.UTXO, error) {
	all, err := s.LoadUnspentUTXOs()
	if err != nil {
		return nil, err
	}
	var reserved map[consensus.UTXORef]struct{}
	if excludePending {
		pending, err := s.FetchUncommittedTransactions(0)
		if err != nil {
			return nil, err
		}
		reserved = make(map[consensus.UTXORef]struct{})
		for _, tx := range pending {
			for _, in := range tx.Inputs {
				reserved[in] = struct{}{}
			}
		}
	}
	out := make([]consensus.UTXO, 0, len(all))
	for _, u := range all {
		if !u.Recipient.Equal(addr) {
			continue
		}
		if reserved != nil {
			if _, isPending := reserved[u.Ref()]; isPending {
				continue
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// txRow is the JSON-on-disk shape of a transactions table row.
type txRow struct {
	Sender      []byte              `json:"sender"`
	Inputs      []consensus.UTXORef `json:"inputs"`
	Outputs     []txOutputRow       `json:"outputs"`
	Fee         uint64              `json:"fee"`
	PayloadHash string              `json:"payload_hash"`
	Timestamp   int64               `json:"timestamp"`
	Signature   []byte              `json:"signature"`
	BlockHeight *uint64             `json:"block_height"`
}

type txOutputRow struct {
	Recipient []byte `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

func encodeTx(tx *consensus.SignedTransaction) ([]byte, error) {
	row := txRow{
		Sender: tx.Sender, Inputs: tx.Inputs, Fee: uint64(tx.Fee),
		PayloadHash: tx.PayloadHash, Timestamp: tx.Timestamp, Signature: tx.Signature,
		BlockHeight: tx.BlockHeight,
	}
	row.Outputs = make([]txOutputRow, len(tx.Outputs))
	for i, o := range tx.Outputs {
		row.Outputs[i] = txOutputRow{Recipient: o.Recipient, Amount: uint64(o.Amount)}
	}
	return json.Marshal(row)
}

func decodeTx(txID string, v []byte) (*consensus.SignedTransaction, error) {
	var row txRow
	if err := json.Unmarshal(v, &row); err != nil {
		return nil, err
	}
	outs := make([]consensus.TxOutput, len(row.Outputs))
	for i, o := range row.Outputs {
		outs[i] = consensus.TxOutput{Recipient: o.Recipient, Amount: consensus.Amount(o.Amount)}
	}
	return &consensus.SignedTransaction{
		TxID: txID, Sender: row.Sender, Inputs: row.Inputs, Outputs: outs,
		Fee: consensus.Amount(row.Fee), PayloadHash: row.PayloadHash,
		Timestamp: row.Timestamp, Signature: row.Signature, BlockHeight: row.BlockHeight,
	}, nil
}

func (s *Storage) FetchTransaction(txID string) (*consensus.SignedTransaction, bool, error) {
	var out *consensus.SignedTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransactions).Get([]byte(txID))
		if v == nil {
			return nil
		}
		decoded, err := decodeTx(txID, v)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// GetReceipt reports a transaction's coarse lifecycle status without the
// caller needing to interpret BlockHeight/Included itself.
func (s *Storage) GetReceipt(txID string) (consensus.Receipt, error) {
	tx, _, err := s.FetchTransaction(txID)
	if err != nil {
		return consensus.Receipt{}, err
	}
	return consensus.ReceiptFor(txID, tx), nil
}

func (s *Storage) InsertTransaction(tx *consensus.SignedTransaction) error {
	val, err := encodeTx(tx)
	if err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(bucketTransactions).Put([]byte(tx.TxID), val)
	})
}

func (s *Storage) SetTransactionHeight(txID string, height uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		v := b.Get([]byte(txID))
		if v == nil {
			return fmt.Errorf("store: set height: transaction %s not found", txID)
		}
		row, err := decodeTx(txID, v)
		if err != nil {
			return err
		}
		h := height
		row.BlockHeight = &h
		val, err := encodeTx(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(txID), val)
	})
}

// FetchUncommittedTransactions returns every transaction with block_height
// == nil, ordered oldest-first by timestamp limit == 0 means
// unbounded.
func (s *Storage) FetchUncommittedTransactions(limit int) ([]*consensus.SignedTransaction, error) {
	var out []*consensus.SignedTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(k, v []byte) error {
			decoded, err := decodeTx(string(k), v)
			if err != nil {
				return err
			}
			if decoded.BlockHeight == nil {
				out = append(out, decoded)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].TxID < out[j].TxID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkTransactionsCommitted stamps block_height on every tx id in txIDs.
func (s *Storage) MarkTransactionsCommitted(txIDs []string, height uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		for _, id := range txIDs {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			row, err := decodeTx(id, v)
			if err != nil {
				return err
			}
			h := height
			row.BlockHeight = &h
			val, err := encodeTx(row)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteTransactions removes rows by id, used by the invalid-transaction
// purger.
func (s *Storage) DeleteTransactions(txIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		for _, id := range txIDs {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// blockRow is the JSON-on-disk shape of a blocks table row.
type blockRow struct {
	Header       consensus.BlockHeader `json:"header"`
	TxIDs        []string              `json:"tx_ids"`
	CommittedFlag bool                 `json:"committed_flag"`
}

func heightKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%020d", height))
}

// InsertBlock persists a newly assembled block. If a block already exists at
// this height, the write is a no-op (blocks are immutable).
func (s *Storage) InsertBlock(block *consensus.Block) (inserted bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		key := heightKey(block.Header.Height)
		if b.Get(key) != nil {
			inserted = false
			return nil
		}
		txIDs := make([]string, len(block.Transactions))
		for i, t := range block.Transactions {
			txIDs[i] = t.TxID
		}
		row := blockRow{Header: block.Header, TxIDs: txIDs, CommittedFlag: true}
		val, err := json.Marshal(row)
		if err != nil {
			return err
		}
		inserted = true
		return b.Put(key, val)
	})
	return inserted, err
}

func (s *Storage) loadBlock(height uint64, row blockRow) (*consensus.Block, error) {
	txs := make([]*consensus.SignedTransaction, 0, len(row.TxIDs))
	for _, id := range row.TxIDs {
		tx, ok, err := s.FetchTransaction(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("store: block %d references missing transaction %s", height, id)
		}
		txs = append(txs, tx)
	}
	return &consensus.Block{Header: row.Header, Transactions: txs}, nil
}

func (s *Storage) GetBlockByHeight(height uint64) (*consensus.Block, bool, error) {
	var row *blockRow
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(heightKey(height))
		if v == nil {
			return nil
		}
		var r blockRow
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		row = &r
		return nil
	})
	if err != nil || row == nil {
		return nil, false, err
	}
	block, err := s.loadBlock(height, *row)
	if err != nil {
		return nil, false, err
	}
	return block, true, nil
}

// GetLatestBlock returns the highest-height block, or ok=false if no block
// (not even genesis) has been written yet.
func (s *Storage) GetLatestBlock() (*consensus.Block, bool, error) {
	var height uint64
	var row *blockRow
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var r blockRow
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		row = &r
		height = r.Header.Height
		return nil
	})
	if err != nil || row == nil {
		return nil, false, err
	}
	block, err := s.loadBlock(height, *row)
	if err != nil {
		return nil, false, err
	}
	return block, true, nil
}

// UpdateBlockBlobRef writes the DA blob reference returned for a previously
// committed block.
func (s *Storage) UpdateBlockBlobRef(height uint64, blobRef string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		key := heightKey(height)
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("store: update blob ref: block %d not found", height)
		}
		var row blockRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		row.Header.BlobRef = blobRef
		val, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// ListBlocksMissingBlobRef returns every committed block whose blob_ref is
// still empty, for the cold-start re-submission scan a restarted sequencer needs to run
// after a crash between persisting a block and attaching its DA reference.
func (s *Storage) ListBlocksMissingBlobRef() ([]*consensus.Block, error) {
	var heights []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			var row blockRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Header.BlobRef == "" {
				heights = append(heights, row.Header.Height)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	out := make([]*consensus.Block, 0, len(heights))
	for _, h := range heights {
		blk, ok, err := s.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, blk)
		}
	}
	return out, nil
}

// depositRow is the JSON-on-disk shape of a vault_deposits table row.
type depositRow struct {
	Recipient     []byte `json:"recipient"`
	Amount        uint64 `json:"amount"`
	L1Height      uint64 `json:"l1_height"`
	Timestamp     int64  `json:"timestamp"`
	ProcessedFlag bool   `json:"processed_flag"`
}

// InsertVaultDeposit records an L1 deposit, returning alreadyExists=true
// (and performing no write) if l1TxHash was already recorded, so a
// replayed deposit event never double-mints.
func (s *Storage) InsertVaultDeposit(l1TxHash string, recipient consensus.Address, amount consensus.Amount, l1Height uint64, timestamp int64) (bool, error) {
	var already bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		if b.Get([]byte(l1TxHash)) != nil {
			already = true
			return nil
		}
		row := depositRow{Recipient: recipient, Amount: uint64(amount), L1Height: l1Height, Timestamp: timestamp, ProcessedFlag: true}
		val, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(l1TxHash), val)
	})
	return already, err
}

// withdrawalRow is the JSON-on-disk shape of a vault_withdrawals table row.
type withdrawalRow struct {
	L1TxHash  string `json:"l1_tx_hash"`
	Amount    uint64 `json:"amount"`
	L1Height  uint64 `json:"l1_height"`
	Confirmed bool   `json:"confirmed"`
}

// InsertVaultWithdrawal records the rollup-side half of a withdrawal, keyed
// by its burn transaction's id; it starts unconfirmed. The ledger does not
// call it when it applies a transaction.
func (s *Storage) InsertVaultWithdrawal(rollupTxID string, amount consensus.Amount) error {
	row := withdrawalRow{Amount: uint64(amount)}
	val, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWithdrawals)
		if b.Get([]byte(rollupTxID)) != nil {
			return nil
		}
		return b.Put([]byte(rollupTxID), val)
	})
}

// ConfirmVaultWithdrawal updates a withdrawal row to reflect L1 finality
//; returns alreadyConfirmed=true if it
// had already been marked confirmed.
func (s *Storage) ConfirmVaultWithdrawal(rollupTxID, l1TxHash string, l1Height uint64) (alreadyConfirmed bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWithdrawals)
		v := b.Get([]byte(rollupTxID))
		var row withdrawalRow
		if v != nil {
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
		}
		if row.Confirmed {
			alreadyConfirmed = true
			return nil
		}
		row.L1TxHash = l1TxHash
		row.L1Height = l1Height
		row.Confirmed = true
		val, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(rollupTxID), val)
	})
	return alreadyConfirmed, err
}

// WithTx runs fn with this Storage as its UTXOSource inside a single bbolt
// read-write transaction, giving the ledger's ApplyTransaction the
// serializable, all-or-nothing storage transaction it needs.
// bbolt's single-writer model means no two WithTx bodies ever interleave.
func (s *Storage) WithTx(fn func(tx consensus.UTXOSource) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		scoped := &txScope{s: s, btx: btx}
		return fn(scoped)
	})
}

// txScope implements consensus.UTXOSource against an already-open bbolt
// read-write transaction, so nested calls inside WithTx don't try to open a
// second transaction (which bbolt disallows).
type txScope struct {
	s   *Storage
	btx *bolt.Tx
}

func (t *txScope) FetchUTXO(ref consensus.UTXORef) (consensus.UTXO, bool, error) {
	v := t.btx.Bucket(bucketUTXOs).Get(utxoKey(ref))
	if v == nil {
		return consensus.UTXO{}, false, nil
	}
	var row utxoRow
	if err := json.Unmarshal(v, &row); err != nil {
		return consensus.UTXO{}, false, err
	}
	return consensus.UTXO{
		TxID: ref.TxID, OutputIndex: ref.OutputIndex,
		Recipient: row.Recipient, Amount: consensus.Amount(row.Amount),
		Status: consensus.UTXOStatus(row.Status),
	}, true, nil
}

func (t *txScope) InsertUTXO(u consensus.UTXO) error {
	row := utxoRow{Recipient: u.Recipient, Amount: uint64(u.Amount), Status: string(u.Status)}
	val, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketUTXOs).Put(utxoKey(u.Ref()), val)
}

func (t *txScope) MarkUTXOSpent(ref consensus.UTXORef) error {
	b := t.btx.Bucket(bucketUTXOs)
	v := b.Get(utxoKey(ref))
	if v == nil {
		return fmt.Errorf("store: mark spent: utxo %s not found", ref.Key())
	}
	var row utxoRow
	if err := json.Unmarshal(v, &row); err != nil {
		return err
	}
	row.Status = string(consensus.StatusSpent)
	val, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return b.Put(utxoKey(ref), val)
}

func (t *txScope) LoadUnspentUTXOs() ([]consensus.UTXO, error) {
	var out []consensus.UTXO
	err := t.btx.Bucket(bucketUTXOs).ForEach(func(k, v []byte) error {
		var row utxoRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if row.Status != string(consensus.StatusUnspent) {
			return nil
		}
		ref, err := parseUTXOKey(k)
		if err != nil {
			return err
		}
		out = append(out, consensus.UTXO{
			TxID: ref.TxID, OutputIndex: ref.OutputIndex,
			Recipient: row.Recipient, Amount: consensus.Amount(row.Amount),
			Status: consensus.StatusUnspent,
		})
		return nil
	})
	return out, err
}

func (t *txScope) FetchTransaction(txID string) (*consensus.SignedTransaction, bool, error) {
	v := t.btx.Bucket(bucketTransactions).Get([]byte(txID))
	if v == nil {
		return nil, false, nil
	}
	tx, err := decodeTx(txID, v)
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

func (t *txScope) InsertTransaction(tx *consensus.SignedTransaction) error {
	val, err := encodeTx(tx)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketTransactions).Put([]byte(tx.TxID), val)
}

func (t *txScope) SetTransactionHeight(txID string, height uint64) error {
	b := t.btx.Bucket(bucketTransactions)
	v := b.Get([]byte(txID))
	if v == nil {
		return fmt.Errorf("store: set height: transaction %s not found", txID)
	}
	row, err := decodeTx(txID, v)
	if err != nil {
		return err
	}
	h := height
	row.BlockHeight = &h
	val, err := encodeTx(row)
	if err != nil {
		return err
	}
	return b.Put([]byte(txID), val)
}

func (t *txScope) InsertVaultDeposit(l1TxHash string, recipient consensus.Address, amount consensus.Amount, l1Height uint64, timestamp int64) (bool, error) {
	b := t.btx.Bucket(bucketDeposits)
	if b.Get([]byte(l1TxHash)) != nil {
		return true, nil
	}
	row := depositRow{Recipient: recipient, Amount: uint64(amount), L1Height: l1Height, Timestamp: timestamp, ProcessedFlag: true}
	val, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	return false, b.Put([]byte(l1TxHash), val)
}

// WithTx on a scoped transaction just runs fn against the same transaction:
// bbolt does not support nested transactions, and the ledger never calls
// WithTx re-entrantly in practice, but this keeps the interface total.
func (t *txScope) WithTx(fn func(tx consensus.UTXOSource) error) error {
	return fn(t)
}
