package ledger

import "errors"

var (
	// ErrPersistence wraps any store read/write failure. Operations abort
	// without partial mutation; ambiguous outcomes never charge or grant.
	ErrPersistence = errors.New("ledger store unavailable")

	ErrInvalidCreditType = errors.New("invalid credit type")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
)
