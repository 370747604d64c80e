// Package common provides shared utilities for the service binaries.
//
// This package contains helper functions used across the standalone
// service binaries (engine, decryptd, venue, dca-cli) to reduce code
// duplication:
//
//   - Key loading and generation for Ed25519 signing keys and the vault key
//   - YAML configuration loading with flag overrides
//   - TEE provider and measurement policy factory functions
package common

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/tdx"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// LoadOrGenerateVaultKey loads the vault key from a hex string, or
// generates a fresh one if hexKey is empty. The engine and the keyholder
// must be provisioned with the same vault key; generated keys only make
// sense for single-process demos.
func LoadOrGenerateVaultKey(hexKey string) (crypto.VaultKey, error) {
	if hexKey != "" {
		return crypto.NewVaultKeyFromString(hexKey)
	}
	return crypto.NewVaultKey()
}

// NewAttestationProvider creates a TEE provider based on configuration.
// Returns TDXProvider or RemoteDCAPProvider when useTDX is true,
// otherwise returns DummyProvider for testing.
func NewAttestationProvider(useTDX bool, remoteTDXURL string) tdx.Provider {
	if useTDX {
		if remoteTDXURL != "" {
			return &tdx.RemoteDCAPProvider{URL: remoteTDXURL, Timeout: 30 * time.Second}
		}
		return &tdx.TDXProvider{}
	}
	return &tdx.DummyProvider{}
}

// LoadMeasurementPolicy reads a YAML file mapping measurement register
// indexes to expected hex values. An empty path means no measurement
// pinning.
func LoadMeasurementPolicy(path string) (*tdx.MeasurementPolicy, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading measurements: %w", err)
	}

	var raw map[int]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing measurements: %w", err)
	}

	expected := make(map[int][]byte, len(raw))
	for register, hexValue := range raw {
		value, err := hex.DecodeString(hexValue)
		if err != nil {
			return nil, fmt.Errorf("measurement register %d: %w", register, err)
		}
		expected[register] = value
	}
	return &tdx.MeasurementPolicy{Expected: expected}, nil
}
