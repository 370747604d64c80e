package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ten orders of 100 units, every price band containing the reference
// price: the aggregate decrypts to 1000, the trade returns one output
// unit, and every participant's scaled settlement balance increases by
// 100 * (RatePrecision / 1000).
func TestEngine_UniformBatchSettlement(t *testing.T) {
	s := newTestStack(t, nil)

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	batchID := s.settle(t)

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(1000), result.AggregateIn.Int64())
	assert.Equal(t, int64(1), result.AggregateOut.Int64())
	assert.Equal(t, int64(1800), result.Price.Int64())
	assert.Equal(t, 10, result.ParticipantCount)

	scaledRate := new(big.Int).Quo(RatePrecision, big.NewInt(1000))
	wantShare := new(big.Int).Mul(big.NewInt(100), scaledRate)

	sumFloors := big.NewInt(0)
	for i := 0; i < 10; i++ {
		share := s.openSettlement(t, owner(i))
		assert.Zero(t, wantShare.Cmp(share), "share of %s", owner(i))
		assert.Equal(t, int64(900), s.openDeposit(t, owner(i)).Int64())
		sumFloors.Add(sumFloors, new(big.Int).Quo(share, RatePrecision))
	}

	// Conservation: summed withdrawable amounts fall short of the trade
	// output by at most participantCount smallest units.
	assert.True(t, sumFloors.Cmp(result.AggregateOut) <= 0)
	shortfall := new(big.Int).Sub(result.AggregateOut, sumFloors)
	assert.True(t, shortfall.Cmp(big.NewInt(10)) <= 0)
}

// Price 1300 excludes half the orders by band: the aggregate reflects
// only the qualifying half, but participantCount stays at the
// pre-price-filter active count and the excluded owners' settlement
// balances stay unchanged.
func TestEngine_PriceBandFiltering(t *testing.T) {
	s := newTestStack(t, nil)
	s.oracle.SetPrice(1300, time.Now())

	for i := 0; i < 5; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1200, 1400)
	}
	for i := 5; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	batchID := s.settle(t)

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(500), result.AggregateIn.Int64())
	assert.Equal(t, 10, result.ParticipantCount)

	for i := 0; i < 5; i++ {
		assert.Positive(t, s.openSettlement(t, owner(i)).Sign())
		assert.Equal(t, int64(900), s.openDeposit(t, owner(i)).Int64())
	}
	for i := 5; i < 10; i++ {
		assert.Zero(t, s.openSettlement(t, owner(i)).Sign())
		assert.Equal(t, int64(1000), s.openDeposit(t, owner(i)).Int64())
	}
}

// A zero-output market call finalizes the batch as failed: conditional
// debits return, no settlement balance changes, members are marked
// processed and inactive.
func TestEngine_ZeroOutputTradeFailsBatch(t *testing.T) {
	s := newTestStack(t, nil)
	s.market.Out = big.NewInt(0)

	var orderIDs []OrderID
	for i := 0; i < 10; i++ {
		orderIDs = append(orderIDs, s.submitOrder(t, owner(i), 1000, 100, 1500, 2100))
	}

	batchID := s.settle(t)

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, int64(1000), result.AggregateIn.Int64())
	assert.Zero(t, result.AggregateOut.Sign())

	for i := 0; i < 10; i++ {
		assert.Zero(t, s.openSettlement(t, owner(i)).Sign())
		assert.Equal(t, int64(1000), s.openDeposit(t, owner(i)).Int64())
	}
	for _, id := range orderIDs {
		order, err := s.registry.Order(id)
		require.NoError(t, err)
		assert.True(t, order.Processed)
		assert.False(t, order.Active)
	}

	batch, err := s.registry.Batch(batchID)
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, batch.State)
}

func TestEngine_MarketErrorFailsBatch(t *testing.T) {
	s := newTestStack(t, nil)
	s.market.Err = errors.New("router reverted")

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	batchID := s.settle(t)

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.False(t, result.Success)

	// The reserve debit was rolled back with the failed trade.
	assert.Equal(t, int64(10*1000), s.ledger.BaseReserve().Int64())
}

// Stale price data renders the readiness check false and rejects a
// forced manual trigger.
func TestEngine_StalePriceBlocksSettlement(t *testing.T) {
	s := newTestStack(t, nil)
	s.oracle.SetPrice(1800, time.Now().Add(-2*s.cfg.PriceStalenessBound))

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	ready, batchID, err := s.engine.CheckSettlement(context.Background())
	assert.False(t, ready)
	assert.ErrorIs(t, err, ErrPriceStale)

	err = s.engine.TriggerSettlement(context.Background(), batchID)
	assert.ErrorIs(t, err, ErrPriceStale)

	batch, err := s.registry.Batch(batchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCollecting, batch.State)
}

func TestEngine_NonPositivePriceRejected(t *testing.T) {
	s := newTestStack(t, nil)
	s.oracle.SetPrice(0, time.Now())

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	_, batchID, err := s.engine.CheckSettlement(context.Background())
	assert.ErrorIs(t, err, ErrPriceInvalid)
	assert.ErrorIs(t, s.engine.TriggerSettlement(context.Background(), batchID), ErrPriceInvalid)
}

func TestEngine_DuplicateTriggerRejected(t *testing.T) {
	s := newTestStack(t, nil)

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	_, batchID, err := s.engine.CheckSettlement(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.engine.TriggerSettlement(context.Background(), batchID))

	// The batch is suspended on its decryption request; a second trigger
	// is rejected, not queued.
	assert.ErrorIs(t, s.engine.TriggerSettlement(context.Background(), batchID), ErrBatchInFlight)
}

func TestEngine_ReplayedFulfillmentRejected(t *testing.T) {
	s := newTestStack(t, nil)

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	_, batchID, err := s.engine.CheckSettlement(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.engine.TriggerSettlement(context.Background(), batchID))

	jobs := s.decsvc.TakeJobs()
	require.Len(t, jobs, 1)
	signed, err := s.keyholder.Fulfill(jobs[0])
	require.NoError(t, err)

	require.NoError(t, s.router.HandleFulfillment(signed))
	assert.ErrorIs(t, s.router.HandleFulfillment(signed), ErrReplayedResult)

	// Balances settled exactly once.
	assert.Equal(t, int64(900), s.openDeposit(t, owner(0)).Int64())
}

func TestEngine_EmptyActiveSetSettlesWithZeroVolume(t *testing.T) {
	s := newTestStack(t, nil)

	var ids []OrderID
	for i := 0; i < 10; i++ {
		ids = append(ids, s.submitOrder(t, owner(i), 1000, 100, 1500, 2100))
	}
	// Every member deactivates before the trigger fires.
	s.registry.MarkProcessed(ids, false)

	ready, batchID, err := s.engine.CheckSettlement(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
	require.NoError(t, s.engine.TriggerSettlement(context.Background(), batchID))

	// No decryption round trip was needed.
	assert.Empty(t, s.decsvc.TakeJobs())

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.AggregateIn.Sign())
	assert.Zero(t, result.ParticipantCount)
}

func TestEngine_AllFilteredByBandSettlesWithZeroVolume(t *testing.T) {
	s := newTestStack(t, nil)
	s.oracle.SetPrice(900, time.Now())

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	batchID := s.settle(t)

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.AggregateIn.Sign())
	assert.Zero(t, result.AggregateOut.Sign())
	assert.Equal(t, 10, result.ParticipantCount)

	// No trade happened.
	assert.Empty(t, s.market.Calls)
}

func TestEngine_SlippageBoundOnSwap(t *testing.T) {
	s := newTestStack(t, func(cfg *EngineConfig) { cfg.SlippageBps = 200 })
	s.market.Out = big.NewInt(5)
	s.oracle.SetPrice(100, time.Now())

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 50, 200)
	}

	s.settle(t)

	require.Len(t, s.market.Calls, 1)
	call := s.market.Calls[0]
	assert.Equal(t, int64(1000), call.AmountIn.Int64())
	// minOut = 1000 * 9800 / (100 * 10000)
	assert.Equal(t, int64(9), call.MinAmountOut.Int64())
}

// The emitted result shape and the encrypted-op counts must be identical
// whether or not an order's band contains the price: any divergence would
// leak the branch taken.
func TestEngine_ObliviousFilteringLeaksNothing(t *testing.T) {
	// Identical batches except for order 0's band, which either contains
	// the 1800 reference price or not.
	run := func(firstMinPrice int64) (map[string]int, *BatchResult) {
		s := newTestStack(t, nil)
		s.submitOrder(t, owner(0), 1000, 100, firstMinPrice, 2100)
		for i := 1; i < 10; i++ {
			s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
		}
		batchID := s.settle(t)
		result, err := s.engine.Result(batchID)
		require.NoError(t, err)
		return s.eval.Snapshot(), result
	}

	inBandOps, inBandResult := run(1500)
	outOfBandOps, outOfBandResult := run(1900)

	assert.Equal(t, inBandOps, outOfBandOps)
	assert.Equal(t, inBandResult.ParticipantCount, outOfBandResult.ParticipantCount)
	assert.Equal(t, int64(1000), inBandResult.AggregateIn.Int64())
	assert.Equal(t, int64(900), outOfBandResult.AggregateIn.Int64())
}

// Conservation with a remainder: 7 orders of 100 and an output of 23
// leave scaledRate truncation losses of at most one unit per participant.
func TestEngine_DistributionConservation(t *testing.T) {
	s := newTestStack(t, func(cfg *EngineConfig) { cfg.MaxBatchSize = 7 })
	s.market.Out = big.NewInt(23)

	for i := 0; i < 7; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}

	batchID := s.settle(t)
	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	require.True(t, result.Success)

	sumFloors := big.NewInt(0)
	for i := 0; i < 7; i++ {
		share := s.openSettlement(t, owner(i))
		sumFloors.Add(sumFloors, new(big.Int).Quo(share, RatePrecision))
	}

	require.True(t, sumFloors.Cmp(result.AggregateOut) <= 0, "distributed more than received")
	shortfall := new(big.Int).Sub(result.AggregateOut, sumFloors)
	assert.True(t, shortfall.Cmp(big.NewInt(7)) <= 0,
		fmt.Sprintf("shortfall %s exceeds participant count", shortfall))
}

// Two orders from one owner each fit the deposit in isolation but
// jointly exceed it. The submit-time clamp cannot see across orders;
// the settlement debit is gated on the running balance, so the
// uncovered order contributes zero and the deposit never wraps in the
// value field.
func TestEngine_JointOrdersCappedByDeposit(t *testing.T) {
	s := newTestStack(t, func(cfg *EngineConfig) {
		cfg.MinBatchSize = 3
		cfg.MaxBatchSize = 3
	})

	require.NoError(t, s.ledger.Deposit("alice", big.NewInt(150)))
	for i := 0; i < 2; i++ {
		_, err := s.registry.Submit("alice", s.encryptParams(t, 100, 10, 100, 86400, 1500, 2100))
		require.NoError(t, err)
	}
	s.submitOrder(t, "bob", 1000, 100, 1500, 2100)

	batchID := s.settle(t)

	result, err := s.engine.Result(batchID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(200), result.AggregateIn.Int64())
	assert.Equal(t, 3, result.ParticipantCount)

	alice := s.openDeposit(t, "alice")
	assert.True(t, alice.Sign() >= 0)
	assert.Equal(t, int64(50), alice.Int64())
	assert.Equal(t, int64(900), s.openDeposit(t, "bob").Int64())
}

func TestEngine_SettlementReopensCollection(t *testing.T) {
	s := newTestStack(t, nil)

	for i := 0; i < 10; i++ {
		s.submitOrder(t, owner(i), 1000, 100, 1500, 2100)
	}
	settled := s.settle(t)

	assert.NotEqual(t, settled, s.registry.CurrentBatchID())

	// The next batch starts collecting immediately.
	s.submitOrder(t, "newcomer", 1000, 100, 1500, 2100)
	ready, _, _ := s.registry.IsBatchReady()
	assert.False(t, ready)
}
