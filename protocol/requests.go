package protocol

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// FulfillmentHandler resumes a suspended saga with the decrypted values.
// It runs inside the router's unit of work for the request.
type FulfillmentHandler func(req *DecryptionRequest, values []*big.Int) error

// DecryptionRouter owns the pending-request table for both
// decrypt-then-continue sagas. It seals handles, forwards them to the
// external keyholder and dispatches authenticated fulfillments to the
// handler registered for the request's purpose.
//
// Requests fulfill at most once. A cancelled request still consumes its
// fulfillment but dispatches nothing: cancellation cannot retract the
// request from the keyholder, only neutralize its effect locally.
type DecryptionRouter struct {
	service  DecryptionService
	verifier FulfillmentVerifier
	exporter crypto.Exporter

	mu        sync.Mutex
	nextID    RequestID
	requests  map[RequestID]*DecryptionRequest
	handlers  map[DecryptionPurpose]FulfillmentHandler
	inFlight  map[RequestID]bool
}

// NewDecryptionRouter creates a router over the given keyholder service,
// proof verifier, and vault exporter.
func NewDecryptionRouter(service DecryptionService, verifier FulfillmentVerifier, exporter crypto.Exporter) *DecryptionRouter {
	return &DecryptionRouter{
		service:  service,
		verifier: verifier,
		exporter: exporter,
		requests: make(map[RequestID]*DecryptionRequest),
		handlers: make(map[DecryptionPurpose]FulfillmentHandler),
		inFlight: make(map[RequestID]bool),
	}
}

// RegisterHandler wires the saga continuation for a purpose. Called once
// at construction time by the settlement engine and the withdrawal
// coordinator.
func (r *DecryptionRouter) RegisterHandler(purpose DecryptionPurpose, handler FulfillmentHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[purpose] = handler
}

// Issue records a pending request and forwards the sealed values to the
// keyholder. The returned request is a snapshot; its fulfillment arrives,
// if ever, through HandleFulfillment.
func (r *DecryptionRouter) Issue(ctx context.Context, purpose DecryptionPurpose, entity string, handles []crypto.Handle) (*DecryptionRequest, error) {
	sealed := make([]*crypto.SealedValue, len(handles))
	for i, h := range handles {
		s, err := r.exporter.Export(h)
		if err != nil {
			return nil, fmt.Errorf("sealing handle %s: %w", h, err)
		}
		sealed[i] = s
	}

	r.mu.Lock()
	r.nextID++
	req := &DecryptionRequest{
		ID:               r.nextID,
		Purpose:          purpose,
		CorrelatedEntity: entity,
		Handles:          handles,
		IssuedAt:         time.Now(),
	}
	r.requests[req.ID] = req
	r.mu.Unlock()

	job := &DecryptionJob{
		RequestID: req.ID,
		Purpose:   purpose,
		Sealed:    sealed,
	}
	if err := r.service.RequestDecryption(ctx, job); err != nil {
		// The request record stays: the keyholder may have received the
		// job despite the transport error, and a later fulfillment must
		// still be accepted exactly once.
		return nil, fmt.Errorf("requesting decryption: %w", err)
	}

	snapshot := *req
	return &snapshot, nil
}

// Cancel neutralizes the eventual fulfillment of a request. Returns
// ErrReplayedResult if the request already fulfilled.
func (r *DecryptionRouter) Cancel(id RequestID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return ErrUnknownRequest
	}
	if req.Fulfilled {
		return ErrReplayedResult
	}
	req.Cancelled = true
	return nil
}

// Request returns a snapshot of a request for status polling.
func (r *DecryptionRouter) Request(id RequestID) (*DecryptionRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	snapshot := *req
	return &snapshot, nil
}

// HandleFulfillment verifies an inbound keyholder response and resumes
// the matching saga. The proof is verified before anything else; a second
// fulfillment of the same request is rejected without touching state, and
// a reentrant fulfillment of a request whose handler is still running is
// rejected the same way.
func (r *DecryptionRouter) HandleFulfillment(signed *Signed[DecryptionResult]) error {
	result, err := r.verifier.Verify(signed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}

	values, err := result.DecodeValues()
	if err != nil {
		return err
	}

	r.mu.Lock()
	req, ok := r.requests[result.RequestID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Fulfilled || r.inFlight[req.ID] {
		r.mu.Unlock()
		return ErrReplayedResult
	}
	if req.Cancelled {
		// Consume the fulfillment so it cannot be replayed later, but
		// dispatch nothing.
		req.Fulfilled = true
		r.mu.Unlock()
		return nil
	}
	if len(values) != len(req.Handles) {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected %d values, got %d", ErrProofInvalid, len(req.Handles), len(values))
	}
	handler := r.handlers[req.Purpose]
	r.inFlight[req.ID] = true
	snapshot := *req
	r.mu.Unlock()

	if handler == nil {
		r.mu.Lock()
		delete(r.inFlight, req.ID)
		r.mu.Unlock()
		return fmt.Errorf("no handler for purpose %s", req.Purpose)
	}

	handlerErr := handler(&snapshot, values)

	r.mu.Lock()
	delete(r.inFlight, req.ID)
	if handlerErr == nil {
		req.Fulfilled = true
	}
	r.mu.Unlock()

	return handlerErr
}

// KeyVerifier verifies fulfillments against a fixed keyholder public key
// without attestation checking. Deployments that require a measured TEE
// wrap this with attestation verification at the service layer.
type KeyVerifier struct {
	KeyholderKey crypto.PublicKey
}

// Verify checks the signature and the signer identity.
func (v *KeyVerifier) Verify(signed *Signed[DecryptionResult]) (*DecryptionResult, error) {
	result, signer, err := signed.Recover()
	if err != nil {
		return nil, err
	}
	if !signer.Equal(v.KeyholderKey) {
		return nil, fmt.Errorf("unexpected signer %s", signer)
	}
	return result, nil
}
