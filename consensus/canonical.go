package consensus

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// CanonicalPreHash builds the exact byte sequence that is both signed by the
// sender and hashed to produce tx_id: a hand-written, deterministic
// serialization of {sender, inputs[], outputs[{recipient,amount}], fee,
// timestamp} with object keys in lexicographic order and integers in a
// single decimal textual form. It intentionally avoids reflective JSON
// marshaling so the byte layout never depends on struct tag ordering or on a
// particular encoding/json version.
func CanonicalPreHash(sender Address, inputs []UTXORef, outputs []TxOutput, fee Amount, timestamp int64) []byte {
	var sb strings.Builder
	sb.WriteByte('{')

	sb.WriteString(`"fee":`)
	sb.WriteString(strconv.FormatUint(uint64(fee), 10))

	sb.WriteString(`,"inputs":[`)
	for i, in := range inputs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('{')
		sb.WriteString(`"output_index":`)
		sb.WriteString(strconv.FormatUint(uint64(in.OutputIndex), 10))
		sb.WriteString(`,"tx_id":`)
		sb.WriteString(jsonString(in.TxID))
		sb.WriteByte('}')
	}
	sb.WriteString(`]`)

	sb.WriteString(`,"outputs":[`)
	for i, out := range outputs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('{')
		sb.WriteString(`"amount":`)
		sb.WriteString(strconv.FormatUint(uint64(out.Amount), 10))
		sb.WriteString(`,"recipient":`)
		sb.WriteString(jsonString(b64(out.Recipient)))
		sb.WriteByte('}')
	}
	sb.WriteString(`]`)

	sb.WriteString(`,"sender":`)
	sb.WriteString(jsonString(b64(sender)))

	sb.WriteString(`,"timestamp":`)
	sb.WriteString(strconv.FormatInt(timestamp, 10))

	sb.WriteByte('}')
	return []byte(sb.String())
}

// jsonString quotes s, escaping only double quotes and backslashes; unlike
// encoding/json it leaves control characters and '<', '>', '&' unescaped.
// Our inputs (base64, hex, tx ids) are plain ASCII text.
func jsonString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// ComputeTxID returns the hex SHA-256 digest of a transaction's canonical
// pre-hash.
func ComputeTxID(sender Address, inputs []UTXORef, outputs []TxOutput, fee Amount, timestamp int64) string {
	sum := sha256.Sum256(CanonicalPreHash(sender, inputs, outputs, fee, timestamp))
	return hex.EncodeToString(sum[:])
}

// CanonicalHeaderBytes serializes a header for hashing, excluding the Hash
// field itself.
func CanonicalHeaderBytes(h BlockHeader) []byte {
	var sb strings.Builder
	sb.WriteByte('{')
	sb.WriteString(`"blob_ref":`)
	sb.WriteString(jsonString(h.BlobRef))
	sb.WriteString(`,"fee_schedule_id":`)
	sb.WriteString(jsonString(h.FeeScheduleID))
	sb.WriteString(`,"height":`)
	sb.WriteString(strconv.FormatUint(h.Height, 10))
	sb.WriteString(`,"prev_hash":`)
	sb.WriteString(jsonString(h.PrevHash))
	sb.WriteString(`,"state_root":`)
	sb.WriteString(jsonString(h.StateRoot))
	sb.WriteString(`,"timestamp":`)
	sb.WriteString(strconv.FormatInt(h.Timestamp, 10))
	sb.WriteString(`,"tx_count":`)
	sb.WriteString(strconv.FormatInt(int64(h.TxCount), 10))
	sb.WriteByte('}')
	return []byte(sb.String())
}

// ComputeHeaderHash returns the hex SHA-256 digest of a header's canonical
// bytes.
func ComputeHeaderHash(h BlockHeader) string {
	sum := sha256.Sum256(CanonicalHeaderBytes(h))
	return hex.EncodeToString(sum[:])
}

// ValidateTxID recomputes tx.TxID from its canonical fields and reports
// whether it matches the claimed id, catching any client-side mismatch in
// the wire contract.
func ValidateTxID(tx *SignedTransaction) error {
	want := ComputeTxID(tx.Sender, tx.Inputs, tx.Outputs, tx.Fee, tx.Timestamp)
	if want != tx.TxID {
		return fmt.Errorf("tx_id mismatch: claimed %s computed %s", tx.TxID, want)
	}
	return nil
}
