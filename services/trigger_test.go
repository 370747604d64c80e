package services

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// fillBatch seeds enough orders to make the current batch ready.
func fillBatch(t *testing.T, d *testDeployment, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		token := d.seedUser(t, fmt.Sprintf("user-%d", i), "1000")
		resp := d.do(t, http.MethodPost, "/api/orders", token, inBandOrder("100"))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestTriggerLoopFiresWhenReady(t *testing.T) {
	d := newTestDeployment(t, func(cfg *protocol.EngineConfig) {
		cfg.MinBatchSize = 3
		cfg.MaxBatchSize = 3
	})
	fillBatch(t, d, 3)

	loop := NewTriggerLoop(d.core.Engine, time.Hour, nil)
	loop.tick(context.Background())

	assert.Equal(t, int64(1), loop.Triggered())

	require.Eventually(t, func() bool {
		result, err := d.core.Engine.Result(1)
		return err == nil && result != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTriggerLoopSkipsWhenNotReady(t *testing.T) {
	d := newTestDeployment(t, nil)
	fillBatch(t, d, 2) // below the minimum batch size

	loop := NewTriggerLoop(d.core.Engine, time.Hour, nil)
	loop.tick(context.Background())

	assert.Zero(t, loop.Triggered())
}

func TestTriggerLoopRespectsDisableAndPause(t *testing.T) {
	paused := atomic.NewBool(false)
	d := newTestDeployment(t, func(cfg *protocol.EngineConfig) {
		cfg.MinBatchSize = 3
		cfg.MaxBatchSize = 3
	})
	fillBatch(t, d, 3)

	loop := NewTriggerLoop(d.core.Engine, time.Hour, paused)

	loop.SetEnabled(false)
	loop.tick(context.Background())
	assert.Zero(t, loop.Triggered())

	loop.SetEnabled(true)
	paused.Store(true)
	loop.tick(context.Background())
	assert.Zero(t, loop.Triggered())

	paused.Store(false)
	loop.tick(context.Background())
	assert.Equal(t, int64(1), loop.Triggered())
}

func TestTriggerLoopIgnoresConcurrentTrigger(t *testing.T) {
	d := newTestDeployment(t, func(cfg *protocol.EngineConfig) {
		cfg.MinBatchSize = 3
		cfg.MaxBatchSize = 3
	})
	fillBatch(t, d, 3)

	loop := NewTriggerLoop(d.core.Engine, time.Hour, nil)
	loop.tick(context.Background())
	require.Equal(t, int64(1), loop.Triggered())

	// The batch is already in flight or processed; a second tick finds
	// the next batch still collecting and does nothing.
	loop.tick(context.Background())
	assert.Equal(t, int64(1), loop.Triggered())
}
