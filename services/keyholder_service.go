package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/tdx"
)

// KeyholderService is the decryptd side of the decrypt-then-continue
// saga. It holds the vault key, opens sealed values posted by the engine
// and calls back with an Ed25519-signed result. The attestation generated
// at construction binds the signing key to the service's measurement.
//
// The service is deliberately stateless across jobs: it keeps no record
// of what it decrypted. At-most-once semantics live entirely in the
// engine's request table.
type KeyholderService struct {
	keyholder   *crypto.Keyholder
	signingKey  crypto.PrivateKey
	publicKey   crypto.PublicKey
	attestation []byte
	httpClient  *http.Client
}

// NewKeyholderService provisions the keyholder over the vault key and a
// signing key, and attests the signing key with the given provider.
func NewKeyholderService(vaultKey crypto.VaultKey, signingKey crypto.PrivateKey, provider tdx.Provider) (*KeyholderService, error) {
	keyholder, err := crypto.NewKeyholder(vaultKey)
	if err != nil {
		return nil, err
	}

	publicKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, err
	}

	attestation, err := provider.Attest(tdx.ReportDataForKey(publicKey.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("attesting signing key: %w", err)
	}

	return &KeyholderService{
		keyholder:   keyholder,
		signingKey:  signingKey,
		publicKey:   publicKey,
		attestation: attestation,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// RegisterRoutes registers the keyholder's HTTP routes.
func (s *KeyholderService) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/attestation", s.handleAttestation)
	r.Post("/decrypt", s.handleDecrypt)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func (s *KeyholderService) handleAttestation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &AttestationResponse{
		PublicKey:   s.publicKey.String(),
		Attestation: s.attestation,
	})
}

// handleDecrypt accepts a job and fulfills it asynchronously. The 202
// only acknowledges receipt; the result travels through the callback.
func (s *KeyholderService) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Job == nil || req.CallbackURL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job and callback_url are required"))
		return
	}

	go s.fulfill(req.Job, req.CallbackURL)
	w.WriteHeader(http.StatusAccepted)
}

// Fulfill opens every sealed value and returns the signed result.
func (s *KeyholderService) Fulfill(job *protocol.DecryptionJob) (*protocol.Signed[protocol.DecryptionResult], error) {
	values := make([]string, len(job.Sealed))
	for i, sealed := range job.Sealed {
		v, err := s.keyholder.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("opening value %d: %w", i, err)
		}
		values[i] = v.String()
	}

	return protocol.NewSigned(s.signingKey, &protocol.DecryptionResult{
		RequestID:   job.RequestID,
		Values:      values,
		Attestation: s.attestation,
	})
}

func (s *KeyholderService) fulfill(job *protocol.DecryptionJob, callbackURL string) {
	signed, err := s.Fulfill(job)
	if err != nil {
		log.Printf("keyholder: request %d: %v", job.RequestID, err)
		return
	}

	body, err := json.Marshal(&FulfillmentRequest{Result: signed})
	if err != nil {
		log.Printf("keyholder: request %d: %v", job.RequestID, err)
		return
	}

	// The engine deduplicates, so redelivery is safe. Delivery is best
	// effort beyond these attempts.
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		cancel()
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < http.StatusInternalServerError {
			return
		}
	}
	log.Printf("keyholder: request %d: callback delivery failed", job.RequestID)
}

// PublicKey returns the fulfillment signing key.
func (s *KeyholderService) PublicKey() crypto.PublicKey {
	return s.publicKey
}
