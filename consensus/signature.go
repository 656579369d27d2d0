package consensus

import "crypto/ed25519"

// VerifySignature checks tx's signature against its own canonical pre-hash
// using the sender's public key as the Ed25519 verification key; the
// sender address is the raw public key.
func VerifySignature(tx *SignedTransaction) bool {
	if len(tx.Sender) != ed25519.PublicKeySize {
		return false
	}
	if len(tx.Signature) != ed25519.SignatureSize {
		return false
	}
	preHash := CanonicalPreHash(tx.Sender, tx.Inputs, tx.Outputs, tx.Fee, tx.Timestamp)
	return ed25519.Verify(ed25519.PublicKey(tx.Sender), preHash, tx.Signature)
}

// Sign is a convenience used by tests to produce a validly signed
// transaction; production wallets are an external
// collaborator and do not use this function.
func Sign(priv ed25519.PrivateKey, sender Address, inputs []UTXORef, outputs []TxOutput, fee Amount, timestamp int64) (signature []byte, txID string) {
	preHash := CanonicalPreHash(sender, inputs, outputs, fee, timestamp)
	sig := ed25519.Sign(priv, preHash)
	return sig, ComputeTxID(sender, inputs, outputs, fee, timestamp)
}
