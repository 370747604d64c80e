package services

import (
	"bytes"
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/tdx"
)

func newTestKeyholder(t *testing.T) (*KeyholderService, *httptest.Server, crypto.VaultKey) {
	t.Helper()

	vaultKey, err := crypto.NewVaultKey()
	require.NoError(t, err)
	_, signingKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	svc, err := NewKeyholderService(vaultKey, signingKey, &tdx.DummyProvider{})
	require.NoError(t, err)

	r := chi.NewRouter()
	svc.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return svc, srv, vaultKey
}

func TestKeyholderIdentityVerifies(t *testing.T) {
	svc, srv, _ := newTestKeyholder(t)

	identity, err := FetchKeyholderIdentity(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, svc.PublicKey().String(), identity.PublicKey)

	verifier, err := NewAttestedVerifier(identity, &tdx.DummyProvider{}, nil)
	require.NoError(t, err)
	assert.True(t, verifier.KeyholderKey().Equal(svc.PublicKey()))
}

func TestKeyholderIdentityRejectedByPolicy(t *testing.T) {
	_, srv, _ := newTestKeyholder(t)

	identity, err := FetchKeyholderIdentity(context.Background(), srv.URL)
	require.NoError(t, err)

	// The dummy provider reports measurement {0} for MRTD; pin something
	// else and construction must fail.
	policy := &tdx.MeasurementPolicy{Expected: map[int][]byte{0: {0xde, 0xad}}}
	_, err = NewAttestedVerifier(identity, &tdx.DummyProvider{}, policy)
	require.Error(t, err)
}

func TestKeyholderFulfillOpensAndSigns(t *testing.T) {
	svc, srv, vaultKey := newTestKeyholder(t)

	vault, err := crypto.NewVault(vaultKey)
	require.NoError(t, err)

	h, err := vault.Encrypt(big.NewInt(12345))
	require.NoError(t, err)
	sealed, err := vault.Export(h)
	require.NoError(t, err)

	signed, err := svc.Fulfill(&protocol.DecryptionJob{
		RequestID: 9,
		Purpose:   protocol.PurposeBatchAggregate,
		Sealed:    []*crypto.SealedValue{sealed},
	})
	require.NoError(t, err)

	identity, err := FetchKeyholderIdentity(context.Background(), srv.URL)
	require.NoError(t, err)
	verifier, err := NewAttestedVerifier(identity, &tdx.DummyProvider{}, nil)
	require.NoError(t, err)

	result, err := verifier.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, protocol.RequestID(9), result.RequestID)
	require.Len(t, result.Values, 1)
	assert.Equal(t, "12345", result.Values[0])
}

func TestKeyholderDecryptAcceptsJobAsync(t *testing.T) {
	_, srv, vaultKey := newTestKeyholder(t)

	vault, err := crypto.NewVault(vaultKey)
	require.NoError(t, err)
	h, err := vault.Encrypt(big.NewInt(7))
	require.NoError(t, err)
	sealed, err := vault.Export(h)
	require.NoError(t, err)

	received := make(chan *FulfillmentRequest, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fulfillment, err := protocol.DecodeMessage[FulfillmentRequest](r.Body)
		if err == nil {
			received <- fulfillment
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	body, err := protocol.SerializeMessage(&decryptJobRequest{
		Job: &protocol.DecryptionJob{
			RequestID: 3,
			Purpose:   protocol.PurposeWithdrawalBalance,
			Sealed:    []*crypto.SealedValue{sealed},
		},
		CallbackURL: callback.URL,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/decrypt", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	fulfillment := <-received
	require.NotNil(t, fulfillment.Result)
	assert.Equal(t, protocol.RequestID(3), fulfillment.Result.Object.RequestID)
	assert.Equal(t, []string{"7"}, fulfillment.Result.Object.Values)
}

func TestKeyholderDecryptRejectsMalformedJob(t *testing.T) {
	_, srv, _ := newTestKeyholder(t)

	resp, err := http.Post(srv.URL+"/decrypt", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
