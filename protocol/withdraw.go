package protocol

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// WithdrawalCoordinator runs the second decrypt-then-continue round trip:
// it converts a user's full encrypted position (deposit balance plus
// scaled settlement balance) into a plaintext payout from the pooled
// reserves, managing the lifecycle transitions around it.
type WithdrawalCoordinator struct {
	cfg      *EngineConfig
	ledger   Ledger
	registry *IntentRegistry
	router   *DecryptionRouter

	mu            sync.Mutex
	pending       map[string]RequestID
	lastCompleted map[string]time.Time
	now           func() time.Time
}

// NewWithdrawalCoordinator wires the coordinator and registers the
// withdrawal-balance saga continuation.
func NewWithdrawalCoordinator(cfg *EngineConfig, ledger Ledger, registry *IntentRegistry, router *DecryptionRouter) *WithdrawalCoordinator {
	w := &WithdrawalCoordinator{
		cfg:           cfg,
		ledger:        ledger,
		registry:      registry,
		router:        router,
		pending:       make(map[string]RequestID),
		lastCompleted: make(map[string]time.Time),
	}
	w.now = time.Now
	router.RegisterHandler(PurposeWithdrawalBalance, w.handleBalanceDecryption)
	return w
}

// Initiate starts a withdrawal: the account transitions to Withdrawing,
// its still-open orders are cancelled, and a decryption request for both
// encrypted balances is issued. The payout arrives asynchronously; status
// must be polled.
func (w *WithdrawalCoordinator) Initiate(ctx context.Context, owner string) (RequestID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.pending[owner]; exists {
		return 0, ErrWithdrawalPending
	}
	if last, ok := w.lastCompleted[owner]; ok && w.now().Sub(last) < w.cfg.WithdrawalCooldown {
		return 0, ErrCooldownActive
	}
	if w.ledger.LifecycleOf(owner) != LifecycleActive {
		return 0, ErrAccountNotActive
	}

	deposit, err := w.ledger.EncryptedBalanceOf(owner)
	if err != nil {
		return 0, err
	}
	settlement, err := w.ledger.EncryptedSettlementBalanceOf(owner)
	if err != nil {
		return 0, err
	}

	if err := w.ledger.Transition(owner, LifecycleActive, LifecycleWithdrawing); err != nil {
		return 0, err
	}
	w.registry.CancelOrdersOf(owner)

	req, err := w.router.Issue(ctx, PurposeWithdrawalBalance, owner, []crypto.Handle{deposit, settlement})
	if err != nil {
		// Roll the lifecycle back; the cancelled orders stay cancelled,
		// the owner resubmits if still interested.
		_ = w.ledger.Transition(owner, LifecycleWithdrawing, LifecycleActive)
		return 0, err
	}

	w.pending[owner] = req.ID
	return req.ID, nil
}

// Cancel aborts a withdrawal before its fulfillment arrives, returning
// the account to Active. The in-flight decryption request cannot be
// retracted from the keyholder; it is only neutralized locally.
func (w *WithdrawalCoordinator) Cancel(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	reqID, exists := w.pending[owner]
	if !exists {
		return ErrNoWithdrawal
	}
	if w.ledger.LifecycleOf(owner) != LifecycleWithdrawing {
		return ErrInvalidTransition
	}

	if err := w.router.Cancel(reqID); err != nil {
		return err
	}
	if err := w.ledger.Transition(owner, LifecycleWithdrawing, LifecycleActive); err != nil {
		return err
	}
	delete(w.pending, owner)
	return nil
}

// handleBalanceDecryption resumes the withdrawal saga. The encrypted
// balances are unconditionally zeroed and the account transitions to the
// idempotent terminal Withdrawn state regardless of the balance values;
// a positive payout is then paid from the pooled reserves. An
// insufficient reserve is a fatal consistency failure: the whole step is
// rolled back and the error propagated.
func (w *WithdrawalCoordinator) handleBalanceDecryption(req *DecryptionRequest, values []*big.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	owner := req.CorrelatedEntity
	reqID, exists := w.pending[owner]
	if !exists || reqID != req.ID {
		return ErrUnknownRequest
	}
	if w.ledger.LifecycleOf(owner) != LifecycleWithdrawing {
		return ErrInvalidTransition
	}

	depositOut := values[0]
	// The settlement balance is RatePrecision-scaled fixed point; the
	// floor here is the deferred division of the distribution algorithm.
	assetOut := new(big.Int).Quo(values[1], RatePrecision)

	// Reserve debits come first so an insufficient reserve reverts the
	// step before any state is touched.
	if depositOut.Sign() > 0 {
		if err := w.ledger.DebitBaseReserve(depositOut); err != nil {
			return fmt.Errorf("withdrawal payout for %s: %w", owner, err)
		}
	}
	if assetOut.Sign() > 0 {
		if err := w.ledger.DebitAssetReserve(assetOut); err != nil {
			if depositOut.Sign() > 0 {
				w.ledger.CreditBaseReserve(depositOut)
			}
			return fmt.Errorf("withdrawal payout for %s: %w", owner, err)
		}
	}

	if err := w.ledger.ZeroBalances(owner); err != nil {
		return err
	}
	if err := w.ledger.Transition(owner, LifecycleWithdrawing, LifecycleWithdrawn); err != nil {
		return err
	}

	delete(w.pending, owner)
	w.lastCompleted[owner] = w.now()
	return nil
}

// PendingRequest returns the decryption request id of the owner's
// in-flight withdrawal, for status polling.
func (w *WithdrawalCoordinator) PendingRequest(owner string) (RequestID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	reqID, ok := w.pending[owner]
	return reqID, ok
}

// SetClock overrides the coordinator clock. Only used in tests.
func (w *WithdrawalCoordinator) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}
