// Command ledgerctl is a read-only inspection tool against a sequencer's
// storage file: balances, state root, block lookup, and a trace subcommand
// that walks a transaction through every stage it can be in. Grounded on
// the teacher's cmd/rubin-consensus-cli and cmd/formal-trace tools (small,
// flag-based, read-only helpers against an already-running node's data),
// and on the reference implementation's transaction-flow debugging script
// for the trace subcommand's shape.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/fontana-labs/sequencer/consensus"
	"github.com/fontana-labs/sequencer/node/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "balance":
		err = runBalance(args)
	case "state-root":
		err = runStateRoot(args)
	case "block":
		err = runBlock(args)
	case "trace":
		err = runTrace(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ledgerctl <command> -db <path> [args]

commands:
  balance -db PATH -address BASE64       print an address's unspent balance
  state-root -db PATH                    print the current sparse Merkle root
  block -db PATH -height N                print a block by height
  trace -db PATH -tx TX_ID               walk a transaction through every known stage`)
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to sequencer storage file")
	address := fs.String("address", "", "base64-encoded address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || *address == "" {
		return fmt.Errorf("-db and -address are required")
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	raw, err := base64.StdEncoding.DecodeString(*address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	addr := consensus.Address(raw)
	utxos, err := st.FetchUnspentUTXOs(addr, false)
	if err != nil {
		return err
	}
	var total consensus.Amount
	for _, u := range utxos {
		total, err = consensus.AddAmount(total, u.Amount)
		if err != nil {
			return err
		}
	}
	fmt.Printf("%s: %d (across %d utxos)\n", addr.String(), total, len(utxos))
	return nil
}

func runStateRoot(args []string) error {
	fs := flag.NewFlagSet("state-root", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to sequencer storage file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("-db is required")
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ledger, err := consensus.NewLedger(st)
	if err != nil {
		return err
	}
	fmt.Println(ledger.StateRoot())
	return nil
}

func runBlock(args []string) error {
	fs := flag.NewFlagSet("block", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to sequencer storage file")
	height := fs.Uint64("height", 0, "block height")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("-db is required")
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	block, ok, err := st.GetBlockByHeight(*height)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no block at height %d", *height)
	}
	fmt.Printf("height=%d hash=%s prev_hash=%s state_root=%s tx_count=%d blob_ref=%q fee_schedule_id=%s\n",
		block.Header.Height, block.Header.Hash, block.Header.PrevHash, block.Header.StateRoot,
		block.Header.TxCount, block.Header.BlobRef, block.Header.FeeScheduleID)
	for _, tx := range block.Transactions {
		fmt.Printf("  tx %s sender=%s fee=%d outputs=%d\n", tx.TxID, tx.Sender.String(), tx.Fee, len(tx.Outputs))
	}
	return nil
}

// runTrace walks a single transaction through every stage it could be in:
// unknown, admitted-but-uncommitted, included in a block, or purged. Each
// input's current on-chain status is reported too, so a rejected
// transaction's cause (already spent, never existed) is visible without
// re-deriving it by hand.
func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to sequencer storage file")
	txID := fs.String("tx", "", "transaction id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || *txID == "" {
		return fmt.Errorf("-db and -tx are required")
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	receipt, err := st.GetReceipt(*txID)
	if err != nil {
		return err
	}
	switch receipt.Status {
	case consensus.ReceiptUnknown:
		fmt.Printf("%s: %s (never admitted, or already purged)\n", *txID, receipt.Status)
		return nil
	case consensus.ReceiptIncluded:
		fmt.Printf("%s: %s at block height %d\n", *txID, receipt.Status, *receipt.BlockHeight)
	default:
		fmt.Printf("%s: %s, awaiting block inclusion\n", *txID, receipt.Status)
	}

	tx, _, err := st.FetchTransaction(*txID)
	if err != nil {
		return err
	}
	fmt.Printf("  sender=%s fee=%d timestamp=%d\n", tx.Sender.String(), tx.Fee, tx.Timestamp)
	for _, in := range tx.Inputs {
		u, ok, err := st.FetchUTXO(in)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			fmt.Printf("  input %s: does not exist\n", in.Key())
		case u.Status == consensus.StatusSpent:
			fmt.Printf("  input %s: spent\n", in.Key())
		default:
			fmt.Printf("  input %s: unspent (amount %d)\n", in.Key(), u.Amount)
		}
	}
	for i, out := range tx.Outputs {
		ref := consensus.UTXORef{TxID: tx.TxID, OutputIndex: uint32(i)}
		u, ok, err := st.FetchUTXO(ref)
		if err != nil {
			return err
		}
		status := "not yet materialized"
		if ok {
			status = string(u.Status)
		}
		fmt.Printf("  output %d -> %s: amount=%d status=%s\n", i, out.Recipient.String(), out.Amount, status)
	}
	return nil
}
