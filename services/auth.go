package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// ErrNoToken is returned when a request carries no usable bearer token.
var ErrNoToken = errors.New("missing bearer token")

// TokenAuthority mints and validates the JWTs that bind API requests to
// an owner id. Tokens are minted through the admin surface; there is no
// self-service signup in the engine itself.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuthority creates an authority over an HMAC secret. A zero ttl
// means tokens do not expire.
func NewTokenAuthority(secret []byte, ttl time.Duration) *TokenAuthority {
	return &TokenAuthority{secret: secret, ttl: ttl}
}

// Mint issues a token whose subject is the owner id.
func (a *TokenAuthority) Mint(owner string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  owner,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// OwnerFromToken validates a token string and returns its subject.
func (a *TokenAuthority) OwnerFromToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Middleware authenticates the request and stores the owner id in the
// request context.
func (a *TokenAuthority) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, ErrNoToken)
			return
		}

		owner, err := a.OwnerFromToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token: %w", err))
			return
		}

		ctx := context.WithValue(r.Context(), ownerContextKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerFromContext returns the authenticated owner id, empty when the
// request did not pass the middleware.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey).(string)
	return owner
}

// adminAuth guards the admin surface with basic auth. The token has the
// form user:pass.
func adminAuth(adminToken string, next http.Handler) http.Handler {
	wantUser, wantPass := splitAdminToken(adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || adminToken == "" || user != wantUser || pass != wantPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeError(w, http.StatusUnauthorized, errors.New("admin authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}
