package protocol

import (
	"errors"
	"math/big"
	"time"
)

// RatePrecision is the fixed-point scale carried through encrypted share
// multiplication so proportional division can be deferred to plaintext.
// At 1e27, per-participant truncation loss is bounded by one smallest
// currency unit and aggregate loss by participantCount units.
var RatePrecision, _ = new(big.Int).SetString("1000000000000000000000000000", 10)

// EngineConfig provides configuration parameters for the settlement
// engine and its collaborators.
type EngineConfig struct {
	// MinBatchSize is the k-anonymity floor. Below it a batch never
	// settles: execution would correlate too small a crowd with timing
	// and price.
	MinBatchSize int `yaml:"min_batch_size" json:"min_batch_size"`

	// MaxBatchSize settles a batch immediately once reached.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// BatchTimeout settles a batch that reached MinBatchSize but not
	// MaxBatchSize once this much time has passed since it opened.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout,string"`

	// PriceStalenessBound rejects oracle data older than this.
	PriceStalenessBound time.Duration `yaml:"price_staleness_bound" json:"price_staleness_bound,string"`

	// SlippageBps is the tolerated slippage in basis points used to
	// derive the minimum-output bound for market execution.
	SlippageBps int64 `yaml:"slippage_bps" json:"slippage_bps"`

	// SwapDeadline bounds price exposure of a single market call.
	SwapDeadline time.Duration `yaml:"swap_deadline" json:"swap_deadline,string"`

	// WithdrawalCooldown is the minimum interval between a completed
	// withdrawal and the next initiation.
	WithdrawalCooldown time.Duration `yaml:"withdrawal_cooldown" json:"withdrawal_cooldown,string"`
}

// DefaultEngineConfig returns a configuration suitable for local
// deployments and tests.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MinBatchSize:        5,
		MaxBatchSize:        50,
		BatchTimeout:        10 * time.Minute,
		PriceStalenessBound: time.Hour,
		SlippageBps:         200,
		SwapDeadline:        30 * time.Second,
		WithdrawalCooldown:  time.Hour,
	}
}

// Validate checks configuration invariants.
func (c *EngineConfig) Validate() error {
	if c.MinBatchSize < 1 {
		return errors.New("min_batch_size must be at least 1")
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return errors.New("max_batch_size must be >= min_batch_size")
	}
	if c.BatchTimeout <= 0 {
		return errors.New("batch_timeout must be positive")
	}
	if c.PriceStalenessBound <= 0 {
		return errors.New("price_staleness_bound must be positive")
	}
	if c.SlippageBps < 0 || c.SlippageBps >= 10000 {
		return errors.New("slippage_bps must be in [0, 10000)")
	}
	if c.SwapDeadline <= 0 {
		return errors.New("swap_deadline must be positive")
	}
	if c.WithdrawalCooldown < 0 {
		return errors.New("withdrawal_cooldown must not be negative")
	}
	return nil
}
