package services

import (
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// EngineService exposes the settlement core over HTTP: the JWT-guarded
// user API, the CORS-enabled dashboard reads, the keyholder's fulfillment
// callback and the admin surface. One service owns one core; there is no
// sharding.
type EngineService struct {
	core   *Core
	store  Store
	hub    *EventHub
	tokens *TokenAuthority

	adminToken string
	paused     atomic.Bool
	trigger    *TriggerLoop
}

// NewEngineService wires the service and hooks persistence and the event
// feed into batch finalization.
func NewEngineService(core *Core, store Store, tokens *TokenAuthority, adminToken string) *EngineService {
	s := &EngineService{
		core:       core,
		store:      store,
		hub:        NewEventHub(),
		tokens:     tokens,
		adminToken: adminToken,
	}

	core.Engine.SetResultCallback(func(result *protocol.BatchResult) {
		if err := s.store.SaveBatchResult(result); err != nil {
			log.Printf("engine: persisting result for batch %d: %v", result.BatchID, err)
		}
		s.persistBatchOrders(result.BatchID)
		s.hub.Broadcast(result)
	})

	return s
}

// persistBatchOrders re-saves a settled batch's member orders so the
// stored active and processed flags match the registry after
// finalization. Without this a restart would resurrect settled orders
// as open.
func (s *EngineService) persistBatchOrders(batchID protocol.BatchID) {
	batch, err := s.core.Registry.Batch(batchID)
	if err != nil {
		log.Printf("engine: loading batch %d for order persistence: %v", batchID, err)
		return
	}
	for _, id := range batch.MemberOrderIDs {
		order, err := s.core.Registry.Order(id)
		if err != nil {
			log.Printf("engine: loading order %d for persistence: %v", id, err)
			continue
		}
		if err := s.store.SaveOrder(order); err != nil {
			log.Printf("engine: persisting order %d: %v", id, err)
		}
	}
}

// AttachTrigger shares the pause flag with a trigger loop and keeps a
// reference for the admin automation toggle.
func (s *EngineService) AttachTrigger(trigger *TriggerLoop) {
	s.trigger = trigger
}

// Paused returns the shared pause flag for trigger-loop construction.
func (s *EngineService) Paused() *atomic.Bool {
	return &s.paused
}

// RegisterRoutes registers all HTTP routes.
func (s *EngineService) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Dashboard reads, across origins.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))

		r.Get("/status", s.handleStatus)
		r.Get("/batches/{id}/result", s.handleBatchResult)
		r.Get("/batches/recent", s.handleRecentResults)
		r.Get("/orders/{id}", s.handleOrder)
	})

	r.Get("/events", s.hub.ServeWS)

	// User API.
	r.Route("/api", func(r chi.Router) {
		r.Use(s.tokens.Middleware)

		r.Post("/deposit", s.handleDeposit)
		r.Post("/orders", s.handleSubmitOrder)
		r.Get("/account", s.handleAccount)
		r.Post("/withdrawals", s.handleInitiateWithdrawal)
		r.Delete("/withdrawals", s.handleCancelWithdrawal)
	})

	r.Post("/decryption-callback", s.handleFulfillment)

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return adminAuth(s.adminToken, next)
		})

		r.Post("/pause", s.handlePause)
		r.Post("/unpause", s.handleUnpause)
		r.Post("/automation", s.handleAutomation)
		r.Post("/tokens", s.handleMintToken)
		r.Post("/venue", s.handleSetVenue)
		r.Post("/sweep", s.handleSweep)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func (s *EngineService) handleStatus(w http.ResponseWriter, r *http.Request) {
	automationOn := false
	if s.trigger != nil {
		automationOn = s.trigger.Enabled()
	}

	writeJSON(w, http.StatusOK, &StatusResponse{
		CurrentBatch: s.core.Registry.CurrentBatchID(),
		Paused:       s.paused.Load(),
		AutomationOn: automationOn,
		MinBatchSize: s.core.Config.MinBatchSize,
		MaxBatchSize: s.core.Config.MaxBatchSize,
	})
}

func (s *EngineService) handleDeposit(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("amount must be a positive decimal"))
		return
	}

	before := s.core.Ledger.LifecycleOf(owner)
	if err := s.core.Ledger.Deposit(owner, amount); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	after := s.core.Ledger.LifecycleOf(owner)
	if after != before {
		if err := s.store.SaveLifecycleEvent(owner, before, after); err != nil {
			log.Printf("engine: lifecycle event for %s: %v", owner, err)
		}
	}

	writeJSON(w, http.StatusOK, &DepositResponse{Lifecycle: after})
}

func (s *EngineService) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if s.paused.Load() {
		writeError(w, http.StatusServiceUnavailable, errors.New("engine is paused"))
		return
	}

	owner := OwnerFromContext(r.Context())

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	values, err := req.Values()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Plaintext stops here: encrypt at ingress, then only handles flow.
	var params protocol.OrderParams
	targets := []*crypto.Handle{
		&params.Budget, &params.TradeCount, &params.AmountPerTrade,
		&params.Frequency, &params.MinPrice, &params.MaxPrice,
	}
	for i, value := range values {
		handle, err := s.core.Vault.Encrypt(value)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		*targets[i] = handle
	}

	orderID, err := s.core.Registry.Submit(owner, params)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	resp := &SubmitOrderResponse{OrderID: orderID}
	if order, err := s.core.Registry.Order(orderID); err == nil {
		resp.BatchID = order.BatchID
		if err := s.store.SaveOrder(order); err != nil {
			log.Printf("engine: persisting order %d: %v", orderID, err)
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (s *EngineService) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	requestID, pending := s.core.Withdrawals.PendingRequest(owner)
	resp := &AccountResponse{
		Owner:             owner,
		Lifecycle:         s.core.Ledger.LifecycleOf(owner),
		PendingWithdrawal: pending,
	}
	if pending {
		resp.WithdrawalRequest = requestID
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *EngineService) handleInitiateWithdrawal(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	requestID, err := s.core.Withdrawals.Initiate(r.Context(), owner)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	if err := s.store.SaveLifecycleEvent(owner, protocol.LifecycleActive, protocol.LifecycleWithdrawing); err != nil {
		log.Printf("engine: lifecycle event for %s: %v", owner, err)
	}

	writeJSON(w, http.StatusAccepted, &WithdrawalResponse{RequestID: requestID})
}

func (s *EngineService) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	if err := s.core.Withdrawals.Cancel(owner); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	if err := s.store.SaveLifecycleEvent(owner, protocol.LifecycleWithdrawing, protocol.LifecycleActive); err != nil {
		log.Printf("engine: lifecycle event for %s: %v", owner, err)
	}

	w.WriteHeader(http.StatusOK)
}

func (s *EngineService) handleBatchResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid batch id"))
		return
	}

	result, err := s.core.Engine.Result(protocol.BatchID(id))
	if err != nil {
		// Finalized before a restart; the store remembers.
		result, err = s.store.BatchResult(protocol.BatchID(id))
		if err != nil {
			writeError(w, http.StatusNotFound, errors.New("no result for batch"))
			return
		}
	}

	writeJSON(w, http.StatusOK, &BatchResultResponse{Result: result})
}

func (s *EngineService) handleRecentResults(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be in [1, 100]"))
			return
		}
		limit = parsed
	}

	results, err := s.store.RecentBatchResults(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *EngineService) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid order id"))
		return
	}

	order, err := s.core.Registry.Order(protocol.OrderID(id))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	// Public view: membership and flags. Parameters stay ciphertext and
	// the owner is not disclosed.
	writeJSON(w, http.StatusOK, &OrderResponse{
		ID:        order.ID,
		BatchID:   order.BatchID,
		Active:    order.Active,
		Processed: order.Processed,
	})
}

// handleFulfillment is the keyholder's callback. Verification happens
// inside the router; this handler only maps errors to status codes. A 2xx
// acknowledges consumption, anything else invites redelivery.
func (s *EngineService) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	var req FulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Result == nil {
		writeError(w, http.StatusBadRequest, errors.New("result is required"))
		return
	}

	if err := s.core.Router.HandleFulfillment(req.Result); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *EngineService) handlePause(w http.ResponseWriter, r *http.Request) {
	s.paused.Store(true)
	log.Printf("engine: paused by admin")
	w.WriteHeader(http.StatusOK)
}

func (s *EngineService) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.paused.Store(false)
	log.Printf("engine: unpaused by admin")
	w.WriteHeader(http.StatusOK)
}

func (s *EngineService) handleAutomation(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusConflict, errors.New("no trigger loop attached"))
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.trigger.SetEnabled(req.Enabled)
	w.WriteHeader(http.StatusOK)
}

func (s *EngineService) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner is required"))
		return
	}

	token, err := s.tokens.Mint(req.Owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, &TokenResponse{Token: token})
}

// handleSetVenue repoints the engine at another oracle and market venue.
// A settlement already in flight finishes against the old venue.
func (s *EngineService) handleSetVenue(w http.ResponseWriter, r *http.Request) {
	var req VenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.VenueURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("venue_url is required"))
		return
	}

	s.core.Engine.SetCollaborators(NewHTTPOracle(req.VenueURL), NewHTTPMarket(req.VenueURL))
	log.Printf("engine: venue repointed to %s", req.VenueURL)
	w.WriteHeader(http.StatusOK)
}

// handleSweep drains the pooled reserves. Accepted only while paused;
// it exists for key-compromise recovery, not routine operation.
func (s *EngineService) handleSweep(w http.ResponseWriter, r *http.Request) {
	if !s.paused.Load() {
		writeError(w, http.StatusConflict, errors.New("sweep requires the engine to be paused"))
		return
	}

	base := s.core.Ledger.BaseReserve()
	asset := s.core.Ledger.AssetReserve()

	if base.Sign() > 0 {
		if err := s.core.Ledger.DebitBaseReserve(base); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if asset.Sign() > 0 {
		if err := s.core.Ledger.DebitAssetReserve(asset); err != nil {
			// Restore the base debit so the sweep is all or nothing.
			s.core.Ledger.CreditBaseReserve(base)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	log.Printf("engine: swept reserves base=%s asset=%s", base, asset)
	writeJSON(w, http.StatusOK, map[string]string{
		"base_swept":  base.String(),
		"asset_swept": asset.String(),
	})
}

// statusForError maps protocol sentinels to HTTP status codes along the
// validation / authorization / conflict / dependency taxonomy.
func statusForError(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnknownAccount),
		errors.Is(err, protocol.ErrUnknownOrder),
		errors.Is(err, protocol.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrProofInvalid),
		errors.Is(err, protocol.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrAccountNotActive),
		errors.Is(err, protocol.ErrInvalidTransition),
		errors.Is(err, protocol.ErrWithdrawalPending),
		errors.Is(err, protocol.ErrNoWithdrawal),
		errors.Is(err, protocol.ErrCooldownActive),
		errors.Is(err, protocol.ErrReplayedResult),
		errors.Is(err, protocol.ErrBatchInFlight),
		errors.Is(err, protocol.ErrBatchProcessed),
		errors.Is(err, protocol.ErrStaleBatch),
		errors.Is(err, protocol.ErrBatchNotReady),
		errors.Is(err, protocol.ErrBatchNotCollecting):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, protocol.ErrPriceStale),
		errors.Is(err, protocol.ErrPriceInvalid):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
