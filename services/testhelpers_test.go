package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/tdx"
)

const (
	testAdminToken = "ops:hunter2"
	testJWTSecret  = "service-test-secret"
)

// testDeployment runs a real keyholder service and the engine service on
// httptest servers, with mock market collaborators for determinism. The
// full decrypt-then-continue loop runs over HTTP.
type testDeployment struct {
	engine    *EngineService
	keyholder *KeyholderService
	store     *InMemoryStore
	tokens    *TokenAuthority
	oracle    *protocol.MockOracle
	market    *protocol.MockMarket
	core      *Core

	engineSrv    *httptest.Server
	keyholderSrv *httptest.Server
}

func newTestDeployment(t *testing.T, mutate func(*protocol.EngineConfig)) *testDeployment {
	t.Helper()

	cfg := protocol.DefaultEngineConfig()
	cfg.MinBatchSize = 3
	cfg.MaxBatchSize = 5
	if mutate != nil {
		mutate(cfg)
	}

	vaultKey, err := crypto.NewVaultKey()
	require.NoError(t, err)
	_, signingKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	provider := &tdx.DummyProvider{}
	keyholder, err := NewKeyholderService(vaultKey, signingKey, provider)
	require.NoError(t, err)

	keyholderRouter := chi.NewRouter()
	keyholder.RegisterRoutes(keyholderRouter)
	keyholderSrv := httptest.NewServer(keyholderRouter)
	t.Cleanup(keyholderSrv.Close)

	identity, err := FetchKeyholderIdentity(context.Background(), keyholderSrv.URL)
	require.NoError(t, err)
	verifier, err := NewAttestedVerifier(identity, provider, nil)
	require.NoError(t, err)

	// The engine server must exist before the decryption client so the
	// callback URL is known.
	engineRouter := chi.NewRouter()
	engineSrv := httptest.NewServer(engineRouter)
	t.Cleanup(engineSrv.Close)

	oracle := protocol.NewMockOracle(1800)
	market := &protocol.MockMarket{Out: big.NewInt(1)}

	core, err := NewCore(cfg, vaultKey, oracle, market,
		NewHTTPDecryptionService(keyholderSrv.URL, engineSrv.URL+"/decryption-callback"),
		verifier)
	require.NoError(t, err)

	store := NewInMemoryStore()
	tokens := NewTokenAuthority([]byte(testJWTSecret), time.Hour)
	engine := NewEngineService(core, store, tokens, testAdminToken)
	engine.RegisterRoutes(engineRouter)

	return &testDeployment{
		engine:       engine,
		keyholder:    keyholder,
		store:        store,
		tokens:       tokens,
		oracle:       oracle,
		market:       market,
		core:         core,
		engineSrv:    engineSrv,
		keyholderSrv: keyholderSrv,
	}
}

func (d *testDeployment) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, d.engineSrv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (d *testDeployment) doAdmin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, d.engineSrv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("ops", "hunter2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) *T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func (d *testDeployment) token(t *testing.T, owner string) string {
	t.Helper()
	token, err := d.tokens.Mint(owner)
	require.NoError(t, err)
	return token
}

// seedUser deposits for an owner and returns their token.
func (d *testDeployment) seedUser(t *testing.T, owner, amount string) string {
	t.Helper()

	token := d.token(t, owner)
	resp := d.do(t, http.MethodPost, "/api/deposit", token, &DepositRequest{Amount: amount})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	return token
}

func inBandOrder(amount string) *SubmitOrderRequest {
	return &SubmitOrderRequest{
		Budget:         "1000",
		TradeCount:     "10",
		AmountPerTrade: amount,
		Frequency:      "86400",
		MinPrice:       "1500",
		MaxPrice:       "2000",
	}
}
