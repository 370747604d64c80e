package protocol

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// testStack wires the full settlement core against mock collaborators
// and a loopback keyholder so tests can drive both sagas end to end.
type testStack struct {
	cfg         *EngineConfig
	vault       *crypto.Vault
	eval        *CountingEvaluator
	ledger      *MemoryLedger
	registry    *IntentRegistry
	engine      *SettlementEngine
	withdrawals *WithdrawalCoordinator
	router      *DecryptionRouter
	oracle      *MockOracle
	market      *MockMarket
	decsvc      *MockDecryptionService
	keyholder   *LoopbackKeyholder
}

func newTestStack(t *testing.T, mutate func(*EngineConfig)) *testStack {
	t.Helper()

	cfg := DefaultEngineConfig()
	cfg.MinBatchSize = 5
	cfg.MaxBatchSize = 10
	cfg.BatchTimeout = 10 * time.Minute
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	vaultKey, err := crypto.NewVaultKey()
	require.NoError(t, err)
	vault, err := crypto.NewVault(vaultKey)
	require.NoError(t, err)

	keyholder, keyholderPub, err := NewLoopbackKeyholder(vaultKey)
	require.NoError(t, err)

	eval := NewCountingEvaluator(vault)
	decsvc := &MockDecryptionService{}
	router := NewDecryptionRouter(decsvc, &KeyVerifier{KeyholderKey: keyholderPub}, vault)

	ledger := NewMemoryLedger(eval)
	registry := NewIntentRegistry(cfg, eval, ledger)
	oracle := NewMockOracle(1800)
	market := &MockMarket{Out: big.NewInt(1)}
	engine := NewSettlementEngine(cfg, eval, registry, ledger, oracle, market, router)
	withdrawals := NewWithdrawalCoordinator(cfg, ledger, registry, router)

	return &testStack{
		cfg:         cfg,
		vault:       vault,
		eval:        eval,
		ledger:      ledger,
		registry:    registry,
		engine:      engine,
		withdrawals: withdrawals,
		router:      router,
		oracle:      oracle,
		market:      market,
		decsvc:      decsvc,
		keyholder:   keyholder,
	}
}

// encryptParams builds encrypted order parameters from plaintext values.
func (s *testStack) encryptParams(t *testing.T, budget, tradeCount, amountPerTrade, frequency, minPrice, maxPrice int64) OrderParams {
	t.Helper()

	enc := func(v int64) crypto.Handle {
		h, err := s.vault.Encrypt(big.NewInt(v))
		require.NoError(t, err)
		return h
	}
	return OrderParams{
		Budget:         enc(budget),
		TradeCount:     enc(tradeCount),
		AmountPerTrade: enc(amountPerTrade),
		Frequency:      enc(frequency),
		MinPrice:       enc(minPrice),
		MaxPrice:       enc(maxPrice),
	}
}

// submitOrder deposits and submits a standard order for the owner.
func (s *testStack) submitOrder(t *testing.T, owner string, deposit, amountPerTrade, minPrice, maxPrice int64) OrderID {
	t.Helper()

	require.NoError(t, s.ledger.Deposit(owner, big.NewInt(deposit)))
	id, err := s.registry.Submit(owner, s.encryptParams(t, deposit, 10, amountPerTrade, 86400, minPrice, maxPrice))
	require.NoError(t, err)
	return id
}

// fulfillAll replays every captured decryption job through the loopback
// keyholder, mirroring the asynchronous fulfillment unit of work.
func (s *testStack) fulfillAll(t *testing.T) {
	t.Helper()

	for _, job := range s.decsvc.TakeJobs() {
		signed, err := s.keyholder.Fulfill(job)
		require.NoError(t, err)
		require.NoError(t, s.router.HandleFulfillment(signed))
	}
}

// settle triggers the current batch and drives the saga to completion.
func (s *testStack) settle(t *testing.T) BatchID {
	t.Helper()

	ready, batchID, err := s.engine.CheckSettlement(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
	require.NoError(t, s.engine.TriggerSettlement(context.Background(), batchID))
	s.fulfillAll(t)
	return batchID
}

// openDeposit decrypts the owner's deposit balance through the keyholder.
func (s *testStack) openDeposit(t *testing.T, owner string) *big.Int {
	t.Helper()

	h, err := s.ledger.EncryptedBalanceOf(owner)
	require.NoError(t, err)
	return s.open(t, h)
}

// openSettlement decrypts the owner's scaled settlement balance.
func (s *testStack) openSettlement(t *testing.T, owner string) *big.Int {
	t.Helper()

	h, err := s.ledger.EncryptedSettlementBalanceOf(owner)
	require.NoError(t, err)
	return s.open(t, h)
}

func (s *testStack) open(t *testing.T, h crypto.Handle) *big.Int {
	t.Helper()

	sealed, err := s.vault.Export(h)
	require.NoError(t, err)
	v, err := s.keyholder.Keyholder.Open(sealed)
	require.NoError(t, err)
	return v
}
