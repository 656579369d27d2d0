package blockgen

import "github.com/fontana-labs/sequencer/consensus"

// topoSort orders txs so that within this batch, a transaction never
// appears before any transaction whose output it spends (Kahn's algorithm).
// Among transactions with no intra-batch dependency between them, the oldest
// timestamp goes first, ties kept in input order (the same oldest-first
// order node/store.Storage returns). A residual cycle (which a valid UTXO chain can never produce,
// since an output can only be spent after its producing transaction exists)
// is reported as an error rather than silently dropping transactions.
func topoSort(txs []*consensus.SignedTransaction) ([]*consensus.SignedTransaction, error) {
	byID := make(map[string]*consensus.SignedTransaction, len(txs))
	order := make(map[string]int, len(txs))
	for i, tx := range txs {
		byID[tx.TxID] = tx
		order[tx.TxID] = i
	}

	indegree := make(map[string]int, len(txs))
	children := make(map[string][]string, len(txs))
	for _, tx := range txs {
		indegree[tx.TxID] = 0
	}
	for _, tx := range txs {
		producers := make(map[string]struct{})
		for _, in := range tx.Inputs {
			if in.TxID == tx.TxID {
				continue
			}
			if _, ok := byID[in.TxID]; !ok {
				continue // producer is not in this batch (already committed, or absent)
			}
			producers[in.TxID] = struct{}{}
		}
		for producerID := range producers {
			children[producerID] = append(children[producerID], tx.TxID)
			indegree[tx.TxID]++
		}
	}

	var ready []string
	for _, tx := range txs {
		if indegree[tx.TxID] == 0 {
			ready = append(ready, tx.TxID)
		}
	}

	out := make([]*consensus.SignedTransaction, 0, len(txs))
	for len(ready) > 0 {
		// Pick the oldest-timestamp id among the ready set (input position
		// breaks ties) to keep output deterministic and in submission order.
		bestIdx := 0
		for i := 1; i < len(ready); i++ {
			cand, best := byID[ready[i]], byID[ready[bestIdx]]
			if cand.Timestamp < best.Timestamp ||
				(cand.Timestamp == best.Timestamp && order[cand.TxID] < order[best.TxID]) {
				bestIdx = i
			}
		}
		id := ready[bestIdx]
		ready = append(ready[:bestIdx], ready[bestIdx+1:]...)

		out = append(out, byID[id])
		for _, childID := range children[id] {
			indegree[childID]--
			if indegree[childID] == 0 {
				ready = append(ready, childID)
			}
		}
	}

	if len(out) != len(txs) {
		return nil, errCyclicBatch
	}
	return out, nil
}
