package blockgen

import "errors"

// errCyclicBatch signals a residual dependency cycle in topoSort, which a
// valid UTXO transaction set can never produce (an output cannot be spent
// before its producing transaction exists). Surfacing it rather than
// silently dropping transactions keeps a bug in admission-layer validation
// from being swallowed here.
var errCyclicBatch = errors.New("blockgen: cyclic dependency among batch transactions")
