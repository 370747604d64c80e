package services

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

func testOrder(id protocol.OrderID, owner string) *protocol.Order {
	return &protocol.Order{
		ID:    id,
		Owner: owner,
		Params: protocol.OrderParams{
			Budget:         crypto.Handle{1},
			TradeCount:     crypto.Handle{2},
			AmountPerTrade: crypto.Handle{3},
			Frequency:      crypto.Handle{4},
			MinPrice:       crypto.Handle{5},
			MaxPrice:       crypto.Handle{6},
		},
		BatchID:   1,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInMemoryStore_OrderRoundTrip(t *testing.T) {
	s := NewInMemoryStore()

	order := testOrder(1, "alice")
	require.NoError(t, s.SaveOrder(order))

	got, err := s.Order(1)
	require.NoError(t, err)
	assert.Equal(t, order.Owner, got.Owner)
	assert.Equal(t, order.Params.AmountPerTrade, got.Params.AmountPerTrade)

	// The store hands out copies; mutating one must not leak back.
	got.Active = false
	again, err := s.Order(1)
	require.NoError(t, err)
	assert.True(t, again.Active)
}

func TestInMemoryStore_OrderNotFound(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Order(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_BatchResults(t *testing.T) {
	s := NewInMemoryStore()

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.SaveBatchResult(&protocol.BatchResult{
			BatchID:     protocol.BatchID(i),
			AggregateIn: big.NewInt(int64(i * 100)),
			Price:       big.NewInt(1800),
			Success:     true,
		}))
	}

	got, err := s.BatchResult(3)
	require.NoError(t, err)
	assert.Equal(t, "300", got.AggregateIn.String())

	recent, err := s.RecentBatchResults(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, protocol.BatchID(4), recent[0].BatchID)
	assert.Equal(t, protocol.BatchID(3), recent[1].BatchID)

	_, err = s.BatchResult(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_LifecycleEvents(t *testing.T) {
	s := NewInMemoryStore()

	require.NoError(t, s.SaveLifecycleEvent("alice", protocol.LifecycleUninitialized, protocol.LifecycleActive))
	require.NoError(t, s.SaveLifecycleEvent("bob", protocol.LifecycleUninitialized, protocol.LifecycleActive))
	require.NoError(t, s.SaveLifecycleEvent("alice", protocol.LifecycleActive, protocol.LifecycleWithdrawing))

	events := s.LifecycleEvents("alice")
	require.Len(t, events, 2)
	assert.Equal(t, protocol.LifecycleActive, events[0].To)
	assert.Equal(t, protocol.LifecycleWithdrawing, events[1].To)
}

func TestPostgresConnectionString(t *testing.T) {
	cfg := &PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "dca",
		Password: "secret",
		Database: "settlement",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=dca password=secret dbname=settlement sslmode=require",
		cfg.ConnectionString())
}
