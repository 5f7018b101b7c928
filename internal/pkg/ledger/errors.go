package ledger

import "errors"

// Expected failure modes of the ledger. These are outcomes, not exceptions:
// callers branch on them with errors.Is and turn them into user feedback.
var (
	// ErrInvalidAmount rejects zero or negative credit amounts.
	ErrInvalidAmount = errors.New("credit amount must be positive")
	// ErrInsufficientCredits rejects a consume that would go negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrPlanNotFound is returned when no active plan matches the code.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrNoPaymentMethod is returned when a rebill has no stored method token.
	ErrNoPaymentMethod = errors.New("no stored payment method")
	// ErrChargeTimedOut reports that the processor call timed out; the
	// payment stays pending and settles via webhook or the reconcile pass.
	ErrChargeTimedOut = errors.New("charge initiation timed out")
)
