package protocol

import "errors"

// Validation errors: rejected before any side effect.
var (
	ErrAccountNotActive  = errors.New("account is not active")
	ErrPriceStale        = errors.New("price data is stale")
	ErrPriceInvalid      = errors.New("price is not positive")
	ErrInsufficientFunds = errors.New("insufficient reserve balance")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrReplayedResult    = errors.New("decryption request already fulfilled")
	ErrUnknownRequest    = errors.New("unknown decryption request")
	ErrProofInvalid      = errors.New("fulfillment proof verification failed")
)

// Conflict errors: the operation is well-formed but the current state
// forbids it.
var (
	ErrBatchNotReady      = errors.New("batch is not ready for settlement")
	ErrBatchNotCollecting = errors.New("current batch is not collecting")
	ErrBatchInFlight      = errors.New("batch settlement already in flight")
	ErrBatchProcessed     = errors.New("batch already processed")
	ErrStaleBatch         = errors.New("batch id is not the current batch")
	ErrWithdrawalPending  = errors.New("withdrawal already pending")
	ErrNoWithdrawal       = errors.New("no withdrawal pending")
	ErrCooldownActive     = errors.New("withdrawal cooldown active")
	ErrInvalidTransition  = errors.New("lifecycle transition not permitted")
)

// Authorization errors.
var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrNotOwner       = errors.New("caller does not own this entity")
)
