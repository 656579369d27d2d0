package consensus

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a ledger-level failure kind. The admission layer and
// block generator match on Code rather than on formatted message text.
type ErrorCode string

const (
	ErrInvalidSignature  ErrorCode = "invalid_signature"
	ErrInputNotFound     ErrorCode = "input_not_found"
	ErrInputSpent        ErrorCode = "input_spent"
	ErrNotOwner          ErrorCode = "not_owner"
	ErrInsufficientFunds ErrorCode = "insufficient_funds"
	ErrMalformed         ErrorCode = "malformed"
	ErrFeeBelowFloor     ErrorCode = "fee_below_floor"
	ErrDuplicatePending  ErrorCode = "duplicate_pending"
)

// LedgerError is returned by Ledger.ApplyTransaction.
type LedgerError struct {
	Code ErrorCode
	Msg  string
}

func (e *LedgerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func ledgerErr(code ErrorCode, msg string) error {
	return &LedgerError{Code: code, Msg: msg}
}

// CodeOf unwraps err looking for a *LedgerError and returns its code, or ""
// if err is nil or not a LedgerError.
func CodeOf(err error) ErrorCode {
	var le *LedgerError
	if !errors.As(err, &le) || le == nil {
		return ""
	}
	return le.Code
}
