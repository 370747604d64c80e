package protocol

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// contribution tracks one member order's oblivious-selected input amount.
// The handle decrypts to the per-trade amount if the order's price band
// contained the reference price, zero otherwise; which one it is stays
// encrypted end to end.
type contribution struct {
	OrderID OrderID
	Owner   string
	Amount  crypto.Handle
}

// settlementContext is the saga state between the settlement trigger and
// the aggregate decryption fulfillment.
type settlementContext struct {
	BatchID       BatchID
	Price         *big.Int
	Members       []OrderID
	Contributions []contribution
	Total         crypto.Handle
	RequestID     RequestID
}

// ResultCallback is invoked when a batch finalizes, successfully or not.
type ResultCallback func(*BatchResult)

// SettlementEngine consumes ready batches and runs them through the
// filter-aggregate-decrypt-trade-distribute pipeline. No two settlements
// run concurrently on the same batch; a duplicate trigger is rejected,
// not queued. A batch that has issued its aggregate decryption request
// runs to completion, success or failure; there is no mid-flight abort.
type SettlementEngine struct {
	cfg      *EngineConfig
	eval     crypto.Evaluator
	registry *IntentRegistry
	ledger   Ledger
	oracle   PriceOracle
	market   MarketRouter
	router   *DecryptionRouter

	mu             sync.Mutex
	pending        map[BatchID]*settlementContext
	results        map[BatchID]*BatchResult
	resultCallback ResultCallback
	now            func() time.Time
}

// NewSettlementEngine wires the engine to its collaborators and registers
// the aggregate-decryption saga continuation.
func NewSettlementEngine(cfg *EngineConfig, eval crypto.Evaluator, registry *IntentRegistry,
	ledger Ledger, oracle PriceOracle, market MarketRouter, router *DecryptionRouter) *SettlementEngine {

	e := &SettlementEngine{
		cfg:      cfg,
		eval:     eval,
		registry: registry,
		ledger:   ledger,
		oracle:   oracle,
		market:   market,
		router:   router,
		pending:  make(map[BatchID]*settlementContext),
		results:  make(map[BatchID]*BatchResult),
		now:      time.Now,
	}
	router.RegisterHandler(PurposeBatchAggregate, e.handleAggregateDecryption)
	return e
}

// SetResultCallback sets a callback invoked on batch finalization.
func (e *SettlementEngine) SetResultCallback(cb ResultCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resultCallback = cb
}

// SetCollaborators swaps the price oracle and the market router, for
// repointing a running engine at a different venue. Nil keeps the
// current collaborator. The swap happens under the engine lock, so it
// never interleaves with a settlement step.
func (e *SettlementEngine) SetCollaborators(oracle PriceOracle, market MarketRouter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if oracle != nil {
		e.oracle = oracle
	}
	if market != nil {
		e.market = market
	}
}

// validatePrice reads the reference price and rejects it if stale or
// non-positive. Oracle failure is propagated, never papered over with a
// default price.
func (e *SettlementEngine) validatePrice(ctx context.Context, oracle PriceOracle) (*big.Int, error) {
	price, updatedAt, err := oracle.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("price oracle: %w", err)
	}
	if e.now().Sub(updatedAt) > e.cfg.PriceStalenessBound {
		return nil, ErrPriceStale
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrPriceInvalid
	}
	return price, nil
}

// CheckSettlement is the read-only readiness check for the external
// trigger: true iff the current batch is ready and the market data is
// valid. The state-mutating TriggerSettlement re-validates everything,
// since real time passes between the two calls.
func (e *SettlementEngine) CheckSettlement(ctx context.Context) (bool, BatchID, error) {
	ready, batchID, _ := e.registry.IsBatchReady()
	if !ready {
		return false, batchID, nil
	}

	e.mu.Lock()
	oracle := e.oracle
	e.mu.Unlock()

	if _, err := e.validatePrice(ctx, oracle); err != nil {
		return false, batchID, err
	}
	return true, batchID, nil
}

// TriggerSettlement consumes the batch and runs the encrypted filter and
// aggregate, ending with the single aggregate decryption request. The
// remainder of the pipeline resumes asynchronously when the fulfillment
// arrives.
func (e *SettlementEngine) TriggerSettlement(ctx context.Context, batchID BatchID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, inFlight := e.pending[batchID]; inFlight {
		return ErrBatchInFlight
	}
	if _, done := e.results[batchID]; done {
		return ErrBatchProcessed
	}

	price, err := e.validatePrice(ctx, e.oracle)
	if err != nil {
		return err
	}

	members, err := e.registry.ConsumeBatch(batchID)
	if err != nil {
		return err
	}

	active := e.registry.FilterActiveOrders(members)
	if len(active) == 0 {
		// Nothing to settle: an expected outcome, not an error.
		e.registry.MarkProcessed(members, true)
		e.finalize(&BatchResult{
			BatchID:      batchID,
			AggregateIn:  big.NewInt(0),
			AggregateOut: big.NewInt(0),
			Price:        price,
			Success:      true,
			Timestamp:    e.now(),
		})
		return nil
	}

	sctx, err := e.filterAndAggregate(batchID, price, active)
	if err != nil {
		return fmt.Errorf("encrypted aggregation: %w", err)
	}

	req, err := e.router.Issue(ctx, PurposeBatchAggregate,
		strconv.FormatUint(uint64(batchID), 10), []crypto.Handle{sctx.Total})
	if err != nil {
		// The batch is consumed but no request reached the keyholder:
		// fail it and return the conditional debits.
		e.refundContributions(sctx.Contributions)
		e.registry.MarkProcessed(sctx.Members, false)
		e.finalize(&BatchResult{
			BatchID:          batchID,
			AggregateIn:      big.NewInt(0),
			AggregateOut:     big.NewInt(0),
			Price:            price,
			ParticipantCount: len(sctx.Contributions),
			Success:          false,
			Timestamp:        e.now(),
		})
		return err
	}

	sctx.RequestID = req.ID
	e.pending[batchID] = sctx
	return nil
}

// filterAndAggregate evaluates the encrypted price-band predicate for
// every active member, gates the per-trade amount on the owner's running
// deposit balance and oblivious-selects the result into the running
// total, debiting the same conditional amount from the owner. Both
// branches of every selection are always fully computed; nothing is
// data-dependently skipped.
func (e *SettlementEngine) filterAndAggregate(batchID BatchID, price *big.Int, active []OrderID) (*settlementContext, error) {
	encPrice, err := e.eval.Encrypt(price)
	if err != nil {
		return nil, err
	}

	total := e.eval.Zero()
	contributions := make([]contribution, 0, len(active))

	for _, id := range active {
		order, err := e.registry.Order(id)
		if err != nil {
			return nil, err
		}

		aboveMin, err := e.eval.Le(order.Params.MinPrice, encPrice)
		if err != nil {
			return nil, err
		}
		belowMax, err := e.eval.Le(encPrice, order.Params.MaxPrice)
		if err != nil {
			return nil, err
		}
		inBand, err := e.eval.And(aboveMin, belowMax)
		if err != nil {
			return nil, err
		}

		selected, err := e.eval.Choose(inBand, order.Params.AmountPerTrade, e.eval.Zero())
		if err != nil {
			return nil, err
		}

		// The submit-time clamp checks each order against the deposit in
		// isolation; several orders from one owner can jointly exceed it.
		// Gate the debit on the running balance so an uncovered amount
		// degrades to an encrypted zero instead of wrapping the field.
		balance, err := e.ledger.EncryptedBalanceOf(order.Owner)
		if err != nil {
			return nil, err
		}
		covered, err := e.eval.Le(selected, balance)
		if err != nil {
			return nil, err
		}
		debit, err := e.eval.Choose(covered, selected, e.eval.Zero())
		if err != nil {
			return nil, err
		}

		total, err = e.eval.Add(total, debit)
		if err != nil {
			return nil, err
		}

		if err := e.ledger.Debit(order.Owner, debit); err != nil {
			return nil, err
		}

		contributions = append(contributions, contribution{
			OrderID: order.ID,
			Owner:   order.Owner,
			Amount:  debit,
		})
	}

	return &settlementContext{
		BatchID:       batchID,
		Price:         price,
		Members:       active,
		Contributions: contributions,
		Total:         total,
	}, nil
}

// handleAggregateDecryption resumes the settlement saga with the
// decrypted batch aggregate: execute the trade, distribute the proceeds
// division-free, finalize.
func (e *SettlementEngine) handleAggregateDecryption(req *DecryptionRequest, values []*big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batchID64, err := strconv.ParseUint(req.CorrelatedEntity, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed batch correlation %q: %w", req.CorrelatedEntity, err)
	}
	batchID := BatchID(batchID64)

	sctx, ok := e.pending[batchID]
	if !ok || sctx.RequestID != req.ID {
		return ErrUnknownRequest
	}

	total := values[0]
	if total.Sign() == 0 {
		// No order qualified by price band: success with zero volume.
		// Every conditional debit was an encrypted zero, nothing to
		// return.
		e.registry.MarkProcessed(sctx.Members, true)
		delete(e.pending, batchID)
		e.finalize(&BatchResult{
			BatchID:          batchID,
			AggregateIn:      big.NewInt(0),
			AggregateOut:     big.NewInt(0),
			Price:            sctx.Price,
			ParticipantCount: len(sctx.Contributions),
			Success:          true,
			Timestamp:        e.now(),
		})
		return nil
	}

	// Sufficiency check and debit are one atomic unit inside the ledger;
	// a concurrent withdrawal cannot slip between them.
	if err := e.ledger.DebitBaseReserve(total); err != nil {
		return fmt.Errorf("reserve debit for batch %d: %w", batchID, err)
	}

	out, swapErr := e.executeTrade(total, sctx.Price)
	if swapErr != nil || out.Sign() == 0 {
		// Failed trade degrades to a recorded failed batch: debits are
		// returned, orders deactivated, no automatic retry.
		e.ledger.CreditBaseReserve(total)
		e.refundContributions(sctx.Contributions)
		e.registry.MarkProcessed(sctx.Members, false)
		delete(e.pending, batchID)
		e.finalize(&BatchResult{
			BatchID:          batchID,
			AggregateIn:      total,
			AggregateOut:     big.NewInt(0),
			Price:            sctx.Price,
			ParticipantCount: len(sctx.Contributions),
			Success:          false,
			Timestamp:        e.now(),
		})
		return nil
	}

	e.ledger.CreditAssetReserve(out)

	if err := e.distribute(sctx, total, out); err != nil {
		return fmt.Errorf("distribution for batch %d: %w", batchID, err)
	}

	e.registry.MarkProcessed(sctx.Members, true)
	delete(e.pending, batchID)
	e.finalize(&BatchResult{
		BatchID:          batchID,
		AggregateIn:      total,
		AggregateOut:     out,
		Price:            sctx.Price,
		ParticipantCount: len(sctx.Contributions),
		Success:          true,
		Timestamp:        e.now(),
	})
	return nil
}

// executeTrade swaps the decrypted aggregate with a minimum-output bound
// derived from the reference price and the slippage tolerance.
func (e *SettlementEngine) executeTrade(total, price *big.Int) (*big.Int, error) {
	// minOut = total * (10000 - slippageBps) / (price * 10000)
	minOut := new(big.Int).Mul(total, big.NewInt(10000-e.cfg.SlippageBps))
	minOut.Quo(minOut, new(big.Int).Mul(price, big.NewInt(10000)))

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SwapDeadline)
	defer cancel()

	return e.market.SwapExactInput(ctx, total, minOut, e.now().Add(e.cfg.SwapDeadline))
}

// distribute computes scaledRate = out * RatePrecision / in, the
// pipeline's only division, legal because both operands are plaintext by
// now, then multiplies every encrypted contribution by it. Non-qualifying
// contributions are encrypted zeros, so their shares are too.
func (e *SettlementEngine) distribute(sctx *settlementContext, total, out *big.Int) error {
	scaledRate := new(big.Int).Mul(out, RatePrecision)
	scaledRate.Quo(scaledRate, total)

	for _, c := range sctx.Contributions {
		share, err := e.eval.MulPlain(c.Amount, scaledRate)
		if err != nil {
			return err
		}
		if err := e.ledger.CreditSettlement(c.Owner, share); err != nil {
			return err
		}
	}
	return nil
}

// refundContributions returns conditional debits after a failed batch.
func (e *SettlementEngine) refundContributions(contributions []contribution) {
	for _, c := range contributions {
		// Refund failures would indicate a deleted account; the audit
		// trail keeps orders, so this cannot happen mid-settlement.
		_ = e.ledger.Refund(c.Owner, c.Amount)
	}
}

// finalize records the result, reopens collection and notifies the
// result callback. Caller must hold e.mu.
func (e *SettlementEngine) finalize(result *BatchResult) {
	e.results[result.BatchID] = result
	_ = e.registry.StartNewBatch(result.BatchID, result.Success)
	if e.resultCallback != nil {
		e.resultCallback(result)
	}
}

// Result returns the finalized result for a batch, if any.
func (e *SettlementEngine) Result(batchID BatchID) (*BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, ok := e.results[batchID]
	if !ok {
		return nil, ErrStaleBatch
	}
	snapshot := *result
	return &snapshot, nil
}

// PendingRequest returns the decryption request id the batch is waiting
// on, for status polling.
func (e *SettlementEngine) PendingRequest(batchID BatchID) (RequestID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sctx, ok := e.pending[batchID]
	if !ok {
		return 0, false
	}
	return sctx.RequestID, true
}

// SetClock overrides the engine clock. Only used in tests.
func (e *SettlementEngine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}
