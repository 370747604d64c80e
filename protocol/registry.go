package protocol

import (
	"sync"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// IntentRegistry accepts encrypted order submissions and groups them into
// anonymity batches. A batch becomes ready once it reaches MaxBatchSize,
// or once it holds at least MinBatchSize orders and BatchTimeout has
// elapsed since it opened. MinBatchSize is the k-anonymity floor.
//
// Order and batch ids are monotonic sequences owned by the registry.
type IntentRegistry struct {
	cfg    *EngineConfig
	eval   crypto.Evaluator
	ledger Ledger

	mu          sync.Mutex
	orders      map[OrderID]*Order
	batches     map[BatchID]*Batch
	nextOrderID OrderID
	nextBatchID BatchID
	currentID   BatchID
	now         func() time.Time
}

// NewIntentRegistry creates a registry with an open collecting batch.
func NewIntentRegistry(cfg *EngineConfig, eval crypto.Evaluator, ledger Ledger) *IntentRegistry {
	r := &IntentRegistry{
		cfg:     cfg,
		eval:    eval,
		ledger:  ledger,
		orders:  make(map[OrderID]*Order),
		batches: make(map[BatchID]*Batch),
		now:     time.Now,
	}
	r.openBatch()
	return r
}

// openBatch opens the next collecting batch. Caller must hold r.mu or be
// the constructor.
func (r *IntentRegistry) openBatch() {
	r.nextBatchID++
	batch := &Batch{
		ID:       r.nextBatchID,
		OpenedAt: r.now(),
		State:    BatchCollecting,
	}
	r.batches[batch.ID] = batch
	r.currentID = batch.ID
}

// Submit appends an encrypted order to the current batch. The caller's
// account must be Active. The order's budget is clamped against the
// encrypted deposit balance via oblivious selection: an over-budget order
// is silently reduced to a zero contribution rather than decrypted and
// rejected, since rejecting would reveal the comparison result.
func (r *IntentRegistry) Submit(owner string, params OrderParams) (OrderID, error) {
	if r.ledger.LifecycleOf(owner) != LifecycleActive {
		return 0, ErrAccountNotActive
	}

	deposit, err := r.ledger.EncryptedBalanceOf(owner)
	if err != nil {
		return 0, err
	}

	withinBudget, err := r.eval.Le(params.Budget, deposit)
	if err != nil {
		return 0, err
	}
	clampedAmount, err := r.eval.Choose(withinBudget, params.AmountPerTrade, r.eval.Zero())
	if err != nil {
		return 0, err
	}
	clampedBudget, err := r.eval.Choose(withinBudget, params.Budget, r.eval.Zero())
	if err != nil {
		return 0, err
	}
	params.AmountPerTrade = clampedAmount
	params.Budget = clampedBudget

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.batches[r.currentID]
	if batch.State != BatchCollecting {
		return 0, ErrBatchNotCollecting
	}

	r.nextOrderID++
	order := &Order{
		ID:        r.nextOrderID,
		Owner:     owner,
		Params:    params,
		BatchID:   batch.ID,
		Active:    true,
		CreatedAt: r.now(),
	}
	r.orders[order.ID] = order
	batch.MemberOrderIDs = append(batch.MemberOrderIDs, order.ID)

	return order.ID, nil
}

// IsBatchReady reports whether the current batch can settle: member count
// at least MaxBatchSize, or at least MinBatchSize with the batch timeout
// elapsed. Also returns the batch id and a snapshot of its membership.
func (r *IntentRegistry) IsBatchReady() (bool, BatchID, []OrderID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.batches[r.currentID]
	members := append([]OrderID(nil), batch.MemberOrderIDs...)

	if batch.State != BatchCollecting {
		return false, batch.ID, members
	}

	count := len(members)
	if count >= r.cfg.MaxBatchSize {
		return true, batch.ID, members
	}
	if count >= r.cfg.MinBatchSize && r.now().Sub(batch.OpenedAt) >= r.cfg.BatchTimeout {
		return true, batch.ID, members
	}
	return false, batch.ID, members
}

// ConsumeBatch freezes the current batch for settlement, transitioning it
// Collecting -> Ready -> Settling. Only the settlement engine calls this;
// a stale batch id or an unready batch is rejected.
func (r *IntentRegistry) ConsumeBatch(id BatchID) ([]OrderID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != r.currentID {
		return nil, ErrStaleBatch
	}
	batch := r.batches[id]
	if batch.State != BatchCollecting {
		return nil, ErrBatchProcessed
	}

	count := len(batch.MemberOrderIDs)
	ready := count >= r.cfg.MaxBatchSize ||
		(count >= r.cfg.MinBatchSize && r.now().Sub(batch.OpenedAt) >= r.cfg.BatchTimeout)
	if !ready {
		return nil, ErrBatchNotReady
	}

	// Ready is passed through within the same unit of work: membership
	// freezes and settlement begins before the lock is released.
	batch.State = BatchSettling
	return append([]OrderID(nil), batch.MemberOrderIDs...), nil
}

// FilterActiveOrders is a cheap plaintext pre-filter: it drops orders
// that were deactivated or whose owner is no longer Active, sparing
// expensive encrypted arithmetic. It reveals nothing about order values.
func (r *IntentRegistry) FilterActiveOrders(ids []OrderID) []OrderID {
	r.mu.Lock()
	defer r.mu.Unlock()

	filtered := make([]OrderID, 0, len(ids))
	for _, id := range ids {
		order, ok := r.orders[id]
		if !ok || !order.Active || order.Processed {
			continue
		}
		if r.ledger.LifecycleOf(order.Owner) != LifecycleActive {
			continue
		}
		filtered = append(filtered, id)
	}
	return filtered
}

// StartNewBatch finalizes the settled batch's terminal state and opens
// the next collecting batch with a fresh timer. Callable only by the
// settlement engine after it consumed the batch.
func (r *IntentRegistry) StartNewBatch(settled BatchID, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.batches[settled]
	if !ok || settled != r.currentID {
		return ErrStaleBatch
	}
	if batch.State != BatchSettling {
		return ErrBatchProcessed
	}

	if success {
		batch.State = BatchFinalized
	} else {
		batch.State = BatchFailed
	}
	r.openBatch()
	return nil
}

// MarkProcessed flags orders as processed. On failure the orders are also
// deactivated so they are excluded from future batches; there is no
// silent retry, the owner must resubmit.
func (r *IntentRegistry) MarkProcessed(ids []OrderID, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		order, ok := r.orders[id]
		if !ok {
			continue
		}
		order.Processed = true
		if !success {
			order.Active = false
		}
	}
}

// CancelOrdersOf deactivates the owner's still-open orders and removes
// them from the current collecting batch. Called when a withdrawal
// begins; orders already frozen into a settling batch stay member but are
// dropped by the active pre-filter.
func (r *IntentRegistry) CancelOrdersOf(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := make(map[OrderID]bool)
	for _, order := range r.orders {
		if order.Owner == owner && order.Active && !order.Processed {
			order.Active = false
			cancelled[order.ID] = true
		}
	}

	current := r.batches[r.currentID]
	if current.State == BatchCollecting && len(cancelled) > 0 {
		kept := current.MemberOrderIDs[:0]
		for _, id := range current.MemberOrderIDs {
			if !cancelled[id] {
				kept = append(kept, id)
			}
		}
		current.MemberOrderIDs = kept
	}
}

// Order returns a snapshot of an order for status queries.
func (r *IntentRegistry) Order(id OrderID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	snapshot := *order
	return &snapshot, nil
}

// Batch returns a snapshot of a batch for status queries.
func (r *IntentRegistry) Batch(id BatchID) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrStaleBatch
	}
	snapshot := *batch
	snapshot.MemberOrderIDs = append([]OrderID(nil), batch.MemberOrderIDs...)
	return &snapshot, nil
}

// CurrentBatchID returns the id of the collecting batch.
func (r *IntentRegistry) CurrentBatchID() BatchID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}

// SetClock overrides the registry clock. Only used in tests.
func (r *IntentRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
