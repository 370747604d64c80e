package protocol

import (
	"context"
	"math/big"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// Ledger provides encrypted balance bookkeeping and the plaintext pooled
// reserves. The reserves are shared by all users; every debit is preceded
// by an atomic sufficiency check inside the same call, so a concurrent
// withdrawal and settlement trade cannot race a lost update.
type Ledger interface {
	// Deposit credits a plaintext amount to the owner's encrypted
	// deposit balance and the pooled base reserve, transitioning
	// Uninitialized or Withdrawn accounts to Active. Rejected while
	// Withdrawing.
	Deposit(owner string, amount *big.Int) error

	// Account returns the owner's account, or ErrUnknownAccount.
	Account(owner string) (*UserAccount, error)

	// LifecycleOf returns the owner's lifecycle state; unknown owners
	// are Uninitialized.
	LifecycleOf(owner string) LifecycleState

	// Transition moves the owner's lifecycle from exactly `from` to
	// `to`, rejecting any transition outside the five permitted edges.
	Transition(owner string, from, to LifecycleState) error

	// EncryptedBalanceOf returns the handle of the owner's encrypted
	// deposit balance.
	EncryptedBalanceOf(owner string) (crypto.Handle, error)

	// EncryptedSettlementBalanceOf returns the handle of the owner's
	// encrypted, RatePrecision-scaled settlement balance.
	EncryptedSettlementBalanceOf(owner string) (crypto.Handle, error)

	// Debit subtracts an encrypted amount from the owner's deposit
	// balance. The amount is typically an oblivious selection, zero for
	// non-qualifying orders.
	Debit(owner string, amount crypto.Handle) error

	// Refund adds an encrypted amount back to the owner's deposit
	// balance after a failed settlement.
	Refund(owner string, amount crypto.Handle) error

	// CreditSettlement adds an encrypted scaled share to the owner's
	// settlement balance.
	CreditSettlement(owner string, share crypto.Handle) error

	// ZeroBalances replaces both encrypted balances with encrypted
	// zero during withdrawal fulfillment.
	ZeroBalances(owner string) error

	// DebitBaseReserve atomically checks and debits the pooled base
	// currency reserve, returning ErrInsufficientFunds without side
	// effects if the reserve does not cover the amount.
	DebitBaseReserve(amount *big.Int) error

	// CreditBaseReserve returns base currency to the pooled reserve.
	CreditBaseReserve(amount *big.Int)

	// DebitAssetReserve atomically checks and debits the pooled output
	// asset reserve.
	DebitAssetReserve(amount *big.Int) error

	// CreditAssetReserve adds acquired output asset to the pooled
	// reserve after a trade.
	CreditAssetReserve(amount *big.Int)
}

// PriceOracle reports the external reference price. The price is quoted
// in base currency units per output asset unit. Oracle failure propagates
// as "not ready"; no default price is ever substituted.
type PriceOracle interface {
	LatestPrice(ctx context.Context) (price *big.Int, updatedAt time.Time, err error)
}

// MarketRouter executes the single aggregate trade against the external
// venue. The deadline is kept short to bound price exposure.
type MarketRouter interface {
	SwapExactInput(ctx context.Context, amountIn, minAmountOut *big.Int, deadline time.Time) (amountOut *big.Int, err error)
}

// DecryptionService forwards sealed values to the external keyholder.
// The call is fire-and-forget: fulfillment arrives later, in a separate
// unit of work, through DecryptionRouter.HandleFulfillment. A fee per
// value may apply; there is no guarantee a fulfillment ever arrives.
type DecryptionService interface {
	RequestDecryption(ctx context.Context, job *DecryptionJob) error
}

// FulfillmentVerifier checks the authenticity of a keyholder fulfillment
// before its plaintext payload is trusted.
type FulfillmentVerifier interface {
	Verify(signed *Signed[DecryptionResult]) (*DecryptionResult, error)
}
