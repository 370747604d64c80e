package services

import (
	"context"
	"errors"
	"log"
	"time"

	"go.uber.org/atomic"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// TriggerLoop drives settlement the way an external automation network
// would: a cheap read-only check on every tick, and a state-mutating
// perform only when the check passes. The perform re-validates readiness
// and market data itself, since conditions can change between the two
// calls.
type TriggerLoop struct {
	engine   *protocol.SettlementEngine
	interval time.Duration

	enabled   atomic.Bool
	paused    *atomic.Bool
	triggered atomic.Int64
}

// NewTriggerLoop creates a trigger loop over the engine. The paused flag
// is shared with the engine service so an admin pause stops automation
// in the same breath.
func NewTriggerLoop(engine *protocol.SettlementEngine, interval time.Duration, paused *atomic.Bool) *TriggerLoop {
	loop := &TriggerLoop{
		engine:   engine,
		interval: interval,
		paused:   paused,
	}
	loop.enabled.Store(true)
	return loop
}

// SetEnabled toggles automation without stopping the loop.
func (l *TriggerLoop) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Enabled reports whether automation is on.
func (l *TriggerLoop) Enabled() bool {
	return l.enabled.Load()
}

// Triggered returns how many settlements this loop has triggered.
func (l *TriggerLoop) Triggered() int64 {
	return l.triggered.Load()
}

// Run ticks until the context is cancelled.
func (l *TriggerLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *TriggerLoop) tick(ctx context.Context) {
	if !l.enabled.Load() || (l.paused != nil && l.paused.Load()) {
		return
	}

	ready, batchID, err := l.engine.CheckSettlement(ctx)
	if err != nil {
		// Stale or invalid market data; the batch keeps collecting.
		return
	}
	if !ready {
		return
	}

	if err := l.engine.TriggerSettlement(ctx, batchID); err != nil {
		// A concurrent trigger won the race; nothing to do.
		if errors.Is(err, protocol.ErrBatchInFlight) || errors.Is(err, protocol.ErrBatchProcessed) {
			return
		}
		log.Printf("trigger: batch %d: %v", batchID, err)
		return
	}
	l.triggered.Inc()
	log.Printf("trigger: settlement started for batch %d", batchID)
}
