package services

import (
	"fmt"
	"math/big"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// DepositRequest credits the authenticated owner's encrypted deposit
// balance. The amount is a decimal string in smallest base currency units.
type DepositRequest struct {
	Amount string `json:"amount"`
}

// DepositResponse confirms the deposit and reports the resulting
// lifecycle state. Balances are never echoed back; they exist only as
// ciphertext handles.
type DepositResponse struct {
	Lifecycle protocol.LifecycleState `json:"lifecycle"`
}

// SubmitOrderRequest carries the plaintext order parameters. They are
// encrypted into the vault at ingress and the plaintext is dropped; from
// there on the engine computes on handles only.
type SubmitOrderRequest struct {
	Budget         string `json:"budget"`
	TradeCount     string `json:"trade_count"`
	AmountPerTrade string `json:"amount_per_trade"`
	Frequency      string `json:"frequency"`
	MinPrice       string `json:"min_price"`
	MaxPrice       string `json:"max_price"`
}

// Values parses every field into big integers, rejecting anything
// non-numeric or negative.
func (r *SubmitOrderRequest) Values() ([6]*big.Int, error) {
	fields := [6]string{r.Budget, r.TradeCount, r.AmountPerTrade, r.Frequency, r.MinPrice, r.MaxPrice}
	names := [6]string{"budget", "trade_count", "amount_per_trade", "frequency", "min_price", "max_price"}

	var out [6]*big.Int
	for i, s := range fields {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return out, fmt.Errorf("%s is not a decimal number", names[i])
		}
		if v.Sign() < 0 {
			return out, fmt.Errorf("%s must not be negative", names[i])
		}
		out[i] = v
	}
	return out, nil
}

// SubmitOrderResponse identifies the accepted order and its batch.
type SubmitOrderResponse struct {
	OrderID protocol.OrderID `json:"order_id"`
	BatchID protocol.BatchID `json:"batch_id"`
}

// WithdrawalResponse identifies the balance-decryption request backing a
// withdrawal initiation.
type WithdrawalResponse struct {
	RequestID protocol.RequestID `json:"request_id"`
}

// AccountResponse is the authenticated owner's own view: lifecycle state
// and whether a withdrawal is pending. Encrypted balances are not
// disclosed, not even to the owner, until a withdrawal round trip.
type AccountResponse struct {
	Owner              string                  `json:"owner"`
	Lifecycle          protocol.LifecycleState `json:"lifecycle"`
	PendingWithdrawal  bool                    `json:"pending_withdrawal"`
	WithdrawalRequest  protocol.RequestID      `json:"withdrawal_request,omitempty"`
}

// StatusResponse is the public engine status for dashboards.
type StatusResponse struct {
	CurrentBatch   protocol.BatchID `json:"current_batch"`
	Paused         bool             `json:"paused"`
	AutomationOn   bool             `json:"automation_on"`
	MinBatchSize   int              `json:"min_batch_size"`
	MaxBatchSize   int              `json:"max_batch_size"`
}

// BatchResultResponse wraps a finalized batch result.
type BatchResultResponse struct {
	Result *protocol.BatchResult `json:"result"`
}

// OrderResponse is the public view of an order: membership and flags
// only, never parameters.
type OrderResponse struct {
	ID        protocol.OrderID `json:"id"`
	BatchID   protocol.BatchID `json:"batch_id"`
	Active    bool             `json:"active"`
	Processed bool             `json:"processed"`
}

// FulfillmentRequest is the keyholder's callback payload.
type FulfillmentRequest struct {
	Result *protocol.Signed[protocol.DecryptionResult] `json:"result"`
}

// VenueRequest repoints the engine's oracle and market at another venue.
type VenueRequest struct {
	VenueURL string `json:"venue_url"`
}

// TokenRequest asks the admin surface to mint a user token.
type TokenRequest struct {
	Owner string `json:"owner"`
}

// TokenResponse carries a minted JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PriceResponse is the venue's price feed payload. UpdatedAt is a Unix
// timestamp in seconds.
type PriceResponse struct {
	Price     string `json:"price"`
	UpdatedAt int64  `json:"updated_at"`
}

// SwapRequest asks the venue to execute an exact-input swap.
type SwapRequest struct {
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out"`
	Deadline     int64  `json:"deadline"`
}

// SwapResponse reports the executed output amount.
type SwapResponse struct {
	AmountOut string `json:"amount_out"`
}

// AttestationResponse carries the keyholder's identity: signing key plus
// the quote binding it.
type AttestationResponse struct {
	PublicKey   string `json:"public_key"`
	Attestation []byte `json:"attestation"`
}
