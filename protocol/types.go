package protocol

import (
	"math/big"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// OrderID identifies a submitted order. Monotonic, owned by the
// IntentRegistry.
type OrderID uint64

// BatchID identifies an anonymity batch. Monotonic, owned by the
// IntentRegistry.
type BatchID uint64

// RequestID identifies a decryption request. Monotonic, owned by the
// DecryptionRouter.
type RequestID uint64

// BatchState tracks a batch through its lifecycle. Transitions are
// Collecting -> Ready -> Settling -> Finalized or Failed, nothing else.
type BatchState string

const (
	BatchCollecting BatchState = "collecting"
	BatchReady      BatchState = "ready"
	BatchSettling   BatchState = "settling"
	BatchFinalized  BatchState = "finalized"
	BatchFailed     BatchState = "failed"
)

// LifecycleState tracks a user account. The only reachable transitions
// are: Uninitialized -(deposit)-> Active, Active -(initiate)-> Withdrawing,
// Withdrawing -(fulfillment)-> Withdrawn, Withdrawing -(cancel)-> Active,
// Withdrawn -(deposit)-> Active.
type LifecycleState string

const (
	LifecycleUninitialized LifecycleState = "uninitialized"
	LifecycleActive        LifecycleState = "active"
	LifecycleWithdrawing   LifecycleState = "withdrawing"
	LifecycleWithdrawn     LifecycleState = "withdrawn"
)

// DecryptionPurpose distinguishes the two decrypt-then-continue sagas.
type DecryptionPurpose string

const (
	PurposeBatchAggregate    DecryptionPurpose = "batch_aggregate"
	PurposeWithdrawalBalance DecryptionPurpose = "withdrawal_balance"
)

// OrderParams carries the encrypted parameters of an order submission.
// Every field is a ciphertext handle; the engine never sees the values.
type OrderParams struct {
	Budget         crypto.Handle `json:"budget"`
	TradeCount     crypto.Handle `json:"trade_count"`
	AmountPerTrade crypto.Handle `json:"amount_per_trade"`
	Frequency      crypto.Handle `json:"frequency"`
	MinPrice       crypto.Handle `json:"min_price"`
	MaxPrice       crypto.Handle `json:"max_price"`
}

// Order is a recurring investment order. Created on submission, owned by
// the IntentRegistry, immutable except the Active and Processed flags set
// during settlement. Orders are never deleted; they form the audit trail.
type Order struct {
	ID        OrderID       `json:"id"`
	Owner     string        `json:"owner"`
	Params    OrderParams   `json:"params"`
	BatchID   BatchID       `json:"batch_id"`
	Active    bool          `json:"active"`
	Processed bool          `json:"processed"`
	CreatedAt time.Time     `json:"created_at"`
}

// Batch groups orders for anonymous settlement. Membership freezes once
// the batch leaves Collecting.
type Batch struct {
	ID             BatchID    `json:"id"`
	MemberOrderIDs []OrderID  `json:"member_order_ids"`
	OpenedAt       time.Time  `json:"opened_at"`
	State          BatchState `json:"state"`
}

// UserAccount holds a user's lifecycle state and encrypted balances.
// The settlement balance stays in RatePrecision-scaled fixed point until
// withdrawal.
type UserAccount struct {
	Owner             string         `json:"owner"`
	Lifecycle         LifecycleState `json:"lifecycle"`
	DepositBalance    crypto.Handle  `json:"deposit_balance"`
	SettlementBalance crypto.Handle  `json:"settlement_balance"`
	LastWithdrawalAt  time.Time      `json:"last_withdrawal_at"`
}

// DecryptionRequest records one pending plaintext disclosure. A request
// fulfills at most once; cancellation only neutralizes the eventual
// fulfillment locally, it cannot retract the request from the keyholder.
type DecryptionRequest struct {
	ID               RequestID         `json:"id"`
	Purpose          DecryptionPurpose `json:"purpose"`
	CorrelatedEntity string            `json:"correlated_entity"`
	Handles          []crypto.Handle   `json:"handles"`
	IssuedAt         time.Time         `json:"issued_at"`
	Fulfilled        bool              `json:"fulfilled"`
	Cancelled        bool              `json:"cancelled"`
}

// BatchResult is the per-batch settlement record. ParticipantCount is the
// pre-price-filter active-order count; the qualifying count is never
// decrypted.
type BatchResult struct {
	BatchID          BatchID   `json:"batch_id"`
	AggregateIn      *big.Int  `json:"aggregate_in"`
	AggregateOut     *big.Int  `json:"aggregate_out"`
	Price            *big.Int  `json:"price"`
	ParticipantCount int       `json:"participant_count"`
	Success          bool      `json:"success"`
	Timestamp        time.Time `json:"timestamp"`
}

// DecryptionJob is what the engine sends to the external keyholder: the
// request id, purpose, and sealed values. Plaintext order data never
// appears here; only aggregates and a withdrawing user's own balances are
// ever submitted.
type DecryptionJob struct {
	RequestID RequestID             `json:"request_id"`
	Purpose   DecryptionPurpose     `json:"purpose"`
	Sealed    []*crypto.SealedValue `json:"sealed"`
}

// DecryptionResult is the keyholder's fulfillment payload. Values are
// decimal strings to keep big integers exact across JSON. The attestation
// binds the keyholder's signing key to a measured TEE; it is verified
// together with the signature before the values are trusted.
type DecryptionResult struct {
	RequestID   RequestID `json:"request_id"`
	Values      []string  `json:"values"`
	Attestation []byte    `json:"attestation,omitempty"`
}

// DecodeValues parses the result values into big integers.
func (r *DecryptionResult) DecodeValues() ([]*big.Int, error) {
	values := make([]*big.Int, len(r.Values))
	for i, s := range r.Values {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, ErrProofInvalid
		}
		values[i] = v
	}
	return values, nil
}
