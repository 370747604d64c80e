package services

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"), time.Hour)

	token, err := a.Mint("alice")
	require.NoError(t, err)

	owner, err := a.OwnerFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"), time.Hour)
	b := NewTokenAuthority([]byte("other"), time.Hour)

	token, err := a.Mint("alice")
	require.NoError(t, err)

	_, err = b.OwnerFromToken(token)
	assert.Error(t, err)
}

func TestTokenExpiryRejected(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"), -time.Minute)

	token, err := a.Mint("alice")
	require.NoError(t, err)

	_, err = a.OwnerFromToken(token)
	assert.Error(t, err)
}

func TestTokenWrongAlgorithmRejected(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"), time.Hour)

	// alg=none with the HMAC authority's claims must not authenticate.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.OwnerFromToken(token)
	assert.Error(t, err)
}

func TestMiddlewareInjectsOwner(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"), time.Hour)

	var seenOwner string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOwner = OwnerFromContext(r.Context())
	}))

	token, err := a.Mint("bob")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", seenOwner)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"), time.Hour)

	called := false
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestSplitAdminToken(t *testing.T) {
	user, pass := splitAdminToken("ops:hunter2")
	assert.Equal(t, "ops", user)
	assert.Equal(t, "hunter2", pass)

	user, pass = splitAdminToken("ops:pass:with:colons")
	assert.Equal(t, "ops", user)
	assert.Equal(t, "pass:with:colons", pass)

	user, pass = splitAdminToken("nocolon")
	assert.Equal(t, "nocolon", user)
	assert.Equal(t, "", pass)
}
