package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// decryptJobRequest is what the engine posts to the keyholder. The
// callback URL tells the keyholder where to deliver the signed result.
type decryptJobRequest struct {
	Job         *protocol.DecryptionJob `json:"job"`
	CallbackURL string                  `json:"callback_url"`
}

// HTTPDecryptionService implements protocol.DecryptionService against a
// remote keyholder. The call only hands the job over; the fulfillment
// arrives later through the engine's /decryption-callback endpoint.
type HTTPDecryptionService struct {
	keyholderURL string
	callbackURL  string
	httpClient   *http.Client
}

// NewHTTPDecryptionService creates a client for the keyholder at the
// given base URL. callbackURL is the engine's own fulfillment endpoint.
func NewHTTPDecryptionService(keyholderURL, callbackURL string) *HTTPDecryptionService {
	return &HTTPDecryptionService{
		keyholderURL: keyholderURL,
		callbackURL:  callbackURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// RequestDecryption forwards the sealed values to the keyholder.
func (s *HTTPDecryptionService) RequestDecryption(ctx context.Context, job *protocol.DecryptionJob) error {
	body, err := json.Marshal(&decryptJobRequest{Job: job, CallbackURL: s.callbackURL})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.keyholderURL+"/decrypt", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling keyholder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("keyholder returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// FetchKeyholderIdentity retrieves the keyholder's signing key and
// attestation for verifier construction.
func FetchKeyholderIdentity(ctx context.Context, keyholderURL string) (*AttestationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyholderURL+"/attestation", nil)
	if err != nil {
		return nil, err
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching keyholder identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("keyholder returned status %d: %s", resp.StatusCode, string(body))
	}

	return protocol.DecodeMessage[AttestationResponse](resp.Body)
}
