package consensus

import "fmt"

// Amount is a non-negative quantity of value denominated in the chain's
// smallest indivisible unit (analogous to satoshis). A fixed-point uint64
// admits exact equality and exact summation up to the block size, unlike the
// reference implementation's IEEE-754 doubles.
type Amount uint64

// MaxAmount bounds a single Amount and every sum built with AddAmount:
// AddAmount rejects a result above MaxAmount, so sums never wrap a uint64.
const MaxAmount Amount = 1 << 60

// Positive reports whether a is strictly greater than zero, as required of
// every UTXO's amount.
func (a Amount) Positive() bool {
	return a > 0 && a <= MaxAmount
}

// Valid reports whether a is in range for a fee (zero is allowed for fees).
func (a Amount) Valid() bool {
	return a <= MaxAmount
}

// AddAmount sums a and b, returning an error instead of silently wrapping on
// overflow.
func AddAmount(a, b Amount) (Amount, error) {
	sum := a + b
	if sum < a || sum > MaxAmount {
		return 0, fmt.Errorf("amount: overflow adding %d + %d", a, b)
	}
	return sum, nil
}

// SumAmounts totals a slice of amounts, failing on overflow rather than
// wrapping.
func SumAmounts(amounts []Amount) (Amount, error) {
	var total Amount
	var err error
	for _, a := range amounts {
		total, err = AddAmount(total, a)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
