package services

import (
	"errors"
	"fmt"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/tdx"
)

// AttestedVerifier implements protocol.FulfillmentVerifier with the full
// trust chain: the signature must verify, the signer must be the attested
// keyholder key, and the keyholder's quote must match the pinned
// measurement policy. The quote is checked once at construction; after
// that the signer identity carries the attestation's weight.
type AttestedVerifier struct {
	keyholderKey crypto.PublicKey
}

// NewAttestedVerifier verifies the keyholder's identity proof and pins
// its signing key. The quote's report data must commit to the signing
// key, so a quote cannot be replayed for a different key.
func NewAttestedVerifier(identity *AttestationResponse, provider tdx.Provider, policy *tdx.MeasurementPolicy) (*AttestedVerifier, error) {
	key, err := crypto.NewPublicKeyFromString(identity.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keyholder public key: %w", err)
	}
	if len(identity.Attestation) == 0 {
		return nil, errors.New("keyholder presented no attestation")
	}

	reportData := tdx.ReportDataForKey(key.Bytes())
	measurements, err := provider.Verify(identity.Attestation, reportData)
	if err != nil {
		return nil, fmt.Errorf("keyholder attestation: %w", err)
	}
	if policy != nil {
		if err := policy.Check(measurements); err != nil {
			return nil, fmt.Errorf("keyholder measurements: %w", err)
		}
	}

	return &AttestedVerifier{keyholderKey: key}, nil
}

// Verify checks a fulfillment against the pinned keyholder key.
func (v *AttestedVerifier) Verify(signed *protocol.Signed[protocol.DecryptionResult]) (*protocol.DecryptionResult, error) {
	result, signer, err := signed.Recover()
	if err != nil {
		return nil, err
	}
	if !signer.Equal(v.keyholderKey) {
		return nil, fmt.Errorf("unexpected signer %s", signer)
	}
	return result, nil
}

// KeyholderKey returns the pinned signing key.
func (v *AttestedVerifier) KeyholderKey() crypto.PublicKey {
	return v.keyholderKey
}
