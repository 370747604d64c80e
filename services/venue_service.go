package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// VenueService is a demo oracle and market for local deployments. It
// quotes a settable price and fills swaps at exactly that price. It is
// deployment glue for the engine's collaborator interfaces, not a
// matching engine.
type VenueService struct {
	mu        sync.Mutex
	price     *big.Int
	updatedAt time.Time
	failSwaps bool
}

// NewVenueService creates a venue quoting the given initial price, in
// base currency units per output asset unit.
func NewVenueService(initialPrice *big.Int) *VenueService {
	return &VenueService{
		price:     new(big.Int).Set(initialPrice),
		updatedAt: time.Now(),
	}
}

// RegisterRoutes registers the venue's HTTP routes.
func (v *VenueService) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/price", v.handlePrice)
	r.Post("/swap", v.handleSwap)
	r.Post("/admin/price", v.handleSetPrice)
	r.Post("/admin/fail-swaps", v.handleFailSwaps)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func (v *VenueService) handlePrice(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	resp := &PriceResponse{Price: v.price.String(), UpdatedAt: v.updatedAt.Unix()}
	v.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (v *VenueService) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amountIn, ok := new(big.Int).SetString(req.AmountIn, 10)
	if !ok || amountIn.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("amount_in must be a positive decimal"))
		return
	}
	minOut, ok := new(big.Int).SetString(req.MinAmountOut, 10)
	if !ok || minOut.Sign() < 0 {
		writeError(w, http.StatusBadRequest, errors.New("min_amount_out must be a decimal"))
		return
	}
	if req.Deadline > 0 && time.Now().Unix() > req.Deadline {
		writeError(w, http.StatusBadRequest, errors.New("deadline passed"))
		return
	}

	v.mu.Lock()
	failSwaps := v.failSwaps
	price := new(big.Int).Set(v.price)
	v.mu.Unlock()

	if failSwaps {
		writeError(w, http.StatusServiceUnavailable, errors.New("venue unavailable"))
		return
	}

	amountOut := new(big.Int).Quo(amountIn, price)
	if amountOut.Cmp(minOut) < 0 {
		writeError(w, http.StatusConflict,
			fmt.Errorf("output %s below minimum %s", amountOut, minOut))
		return
	}

	writeJSON(w, http.StatusOK, &SwapResponse{AmountOut: amountOut.String()})
}

func (v *VenueService) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok || price.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("price must be a positive decimal"))
		return
	}

	v.mu.Lock()
	v.price = price
	v.updatedAt = time.Now()
	v.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (v *VenueService) handleFailSwaps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fail bool `json:"fail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v.mu.Lock()
	v.failSwaps = req.Fail
	v.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}
