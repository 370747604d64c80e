package protocol

import (
	"math/big"
	"sync"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// permittedTransitions lists the five reachable lifecycle edges.
var permittedTransitions = map[LifecycleState][]LifecycleState{
	LifecycleUninitialized: {LifecycleActive},
	LifecycleActive:        {LifecycleWithdrawing},
	LifecycleWithdrawing:   {LifecycleWithdrawn, LifecycleActive},
	LifecycleWithdrawn:     {LifecycleActive},
}

func transitionPermitted(from, to LifecycleState) bool {
	for _, next := range permittedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MemoryLedger is the reference Ledger implementation. Encrypted balances
// are ciphertext handles evaluated by the vault; the pooled reserves are
// plaintext big integers guarded by the same mutex as the accounts, so a
// sufficiency check and its debit form one atomic unit.
type MemoryLedger struct {
	eval crypto.Evaluator

	mu           sync.Mutex
	accounts     map[string]*UserAccount
	baseReserve  *big.Int
	assetReserve *big.Int
}

// NewMemoryLedger creates an empty ledger over the given evaluator.
func NewMemoryLedger(eval crypto.Evaluator) *MemoryLedger {
	return &MemoryLedger{
		eval:         eval,
		accounts:     make(map[string]*UserAccount),
		baseReserve:  big.NewInt(0),
		assetReserve: big.NewInt(0),
	}
}

// account returns or creates the owner's account. Caller must hold l.mu.
func (l *MemoryLedger) account(owner string) *UserAccount {
	acc, ok := l.accounts[owner]
	if !ok {
		acc = &UserAccount{
			Owner:             owner,
			Lifecycle:         LifecycleUninitialized,
			DepositBalance:    l.eval.Zero(),
			SettlementBalance: l.eval.Zero(),
		}
		l.accounts[owner] = acc
	}
	return acc
}

// Deposit credits the owner's encrypted deposit balance and the pooled
// base reserve. First deposit activates the account; deposits while
// Withdrawing are rejected.
func (l *MemoryLedger) Deposit(owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(owner)
	if acc.Lifecycle == LifecycleWithdrawing {
		return ErrInvalidTransition
	}

	encrypted, err := l.eval.Encrypt(amount)
	if err != nil {
		return err
	}
	newBalance, err := l.eval.Add(acc.DepositBalance, encrypted)
	if err != nil {
		return err
	}

	acc.DepositBalance = newBalance
	if acc.Lifecycle != LifecycleActive {
		acc.Lifecycle = LifecycleActive
	}
	l.baseReserve.Add(l.baseReserve, amount)
	return nil
}

// Account returns a copy of the owner's account.
func (l *MemoryLedger) Account(owner string) (*UserAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return nil, ErrUnknownAccount
	}
	copied := *acc
	return &copied, nil
}

// LifecycleOf returns the owner's lifecycle state.
func (l *MemoryLedger) LifecycleOf(owner string) LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return LifecycleUninitialized
	}
	return acc.Lifecycle
}

// Transition moves the owner's lifecycle along one of the permitted
// edges. Any other attempt is rejected and leaves state unchanged.
func (l *MemoryLedger) Transition(owner string, from, to LifecycleState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return ErrUnknownAccount
	}
	if acc.Lifecycle != from || !transitionPermitted(from, to) {
		return ErrInvalidTransition
	}

	acc.Lifecycle = to
	if to == LifecycleWithdrawn {
		acc.LastWithdrawalAt = time.Now()
	}
	return nil
}

// EncryptedBalanceOf returns the owner's encrypted deposit balance handle.
func (l *MemoryLedger) EncryptedBalanceOf(owner string) (crypto.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return crypto.Handle{}, ErrUnknownAccount
	}
	return acc.DepositBalance, nil
}

// EncryptedSettlementBalanceOf returns the owner's encrypted scaled
// settlement balance handle.
func (l *MemoryLedger) EncryptedSettlementBalanceOf(owner string) (crypto.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return crypto.Handle{}, ErrUnknownAccount
	}
	return acc.SettlementBalance, nil
}

// Debit subtracts an encrypted amount from the owner's deposit balance.
func (l *MemoryLedger) Debit(owner string, amount crypto.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return ErrUnknownAccount
	}

	newBalance, err := l.eval.Sub(acc.DepositBalance, amount)
	if err != nil {
		return err
	}
	acc.DepositBalance = newBalance
	return nil
}

// Refund returns a previously debited encrypted amount to the owner's
// deposit balance.
func (l *MemoryLedger) Refund(owner string, amount crypto.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return ErrUnknownAccount
	}

	newBalance, err := l.eval.Add(acc.DepositBalance, amount)
	if err != nil {
		return err
	}
	acc.DepositBalance = newBalance
	return nil
}

// CreditSettlement adds an encrypted scaled share to the owner's
// settlement balance.
func (l *MemoryLedger) CreditSettlement(owner string, share crypto.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return ErrUnknownAccount
	}

	newBalance, err := l.eval.Add(acc.SettlementBalance, share)
	if err != nil {
		return err
	}
	acc.SettlementBalance = newBalance
	return nil
}

// ZeroBalances replaces both encrypted balances with encrypted zero.
func (l *MemoryLedger) ZeroBalances(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[owner]
	if !ok {
		return ErrUnknownAccount
	}

	acc.DepositBalance = l.eval.Zero()
	acc.SettlementBalance = l.eval.Zero()
	return nil
}

// BaseReserve returns the current pooled base currency reserve.
func (l *MemoryLedger) BaseReserve() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.baseReserve)
}

// AssetReserve returns the current pooled output asset reserve.
func (l *MemoryLedger) AssetReserve() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.assetReserve)
}

// DebitBaseReserve atomically checks and debits the base reserve.
func (l *MemoryLedger) DebitBaseReserve(amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.baseReserve.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	l.baseReserve.Sub(l.baseReserve, amount)
	return nil
}

// CreditBaseReserve returns base currency to the pooled reserve.
func (l *MemoryLedger) CreditBaseReserve(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baseReserve.Add(l.baseReserve, amount)
}

// DebitAssetReserve atomically checks and debits the asset reserve.
func (l *MemoryLedger) DebitAssetReserve(amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.assetReserve.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	l.assetReserve.Sub(l.assetReserve, amount)
	return nil
}

// CreditAssetReserve adds acquired output asset to the pooled reserve.
func (l *MemoryLedger) CreditAssetReserve(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assetReserve.Add(l.assetReserve, amount)
}
