package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// HTTPOracle implements protocol.PriceOracle against a venue's price
// feed. Transport failures propagate; the engine treats them as "oracle
// not ready" and never substitutes a default price.
type HTTPOracle struct {
	venueURL   string
	httpClient *http.Client
}

// NewHTTPOracle creates an oracle client for the venue at the given base
// URL.
func NewHTTPOracle(venueURL string) *HTTPOracle {
	return &HTTPOracle{
		venueURL:   venueURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// LatestPrice fetches the current reference price.
func (o *HTTPOracle) LatestPrice(ctx context.Context) (*big.Int, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.venueURL+"/price", nil)
	if err != nil {
		return nil, time.Time{}, err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetching price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, time.Time{}, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, string(body))
	}

	feed, err := protocol.DecodeMessage[PriceResponse](resp.Body)
	if err != nil {
		return nil, time.Time{}, err
	}

	price, ok := new(big.Int).SetString(feed.Price, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("oracle returned bad price %q", feed.Price)
	}
	return price, time.Unix(feed.UpdatedAt, 0), nil
}

// HTTPMarket implements protocol.MarketRouter against a venue's swap
// endpoint.
type HTTPMarket struct {
	venueURL   string
	httpClient *http.Client
}

// NewHTTPMarket creates a market client for the venue at the given base
// URL.
func NewHTTPMarket(venueURL string) *HTTPMarket {
	return &HTTPMarket{
		venueURL:   venueURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SwapExactInput executes the aggregate trade.
func (m *HTTPMarket) SwapExactInput(ctx context.Context, amountIn, minAmountOut *big.Int, deadline time.Time) (*big.Int, error) {
	body, err := json.Marshal(&SwapRequest{
		AmountIn:     amountIn.String(),
		MinAmountOut: minAmountOut.String(),
		Deadline:     deadline.Unix(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.venueURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling venue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("venue returned status %d: %s", resp.StatusCode, string(respBody))
	}

	swap, err := protocol.DecodeMessage[SwapResponse](resp.Body)
	if err != nil {
		return nil, err
	}

	amountOut, ok := new(big.Int).SetString(swap.AmountOut, 10)
	if !ok {
		return nil, fmt.Errorf("venue returned bad amount %q", swap.AmountOut)
	}
	return amountOut, nil
}
