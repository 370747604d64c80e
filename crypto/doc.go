// Package crypto provides the encrypted-value backend for the batch
// settlement engine together with the signing primitives used to
// authenticate decryption fulfillments.
//
// This package implements:
//
//   - Opaque ciphertext handles referencing encrypted unsigned integers
//   - An Evaluator interface with add/sub/mul/compare/oblivious-select
//     operations that never expose plaintext to the caller
//   - A vault evaluator that stores values blinded under HKDF-derived
//     one-time pads in a finite field
//   - Digital signatures (Ed25519) for authenticating keyholder responses
//     and privileged operations
//
// # Evaluator Contract
//
// All Evaluator operations are data-oblivious: both operands of every
// operation, including both candidates of Choose, are always fully
// computed. Only the returned handle varies with the data; execution
// shape never does. The plaintext test double in plain.go is exempt from
// this rule and must never be used outside tests.
//
// # Vault and Keyholder
//
// The vault is intended to run inside a confidential-computing boundary;
// ciphertext handles are the only references that cross it. Plaintext
// leaves the system through exactly one path: a sealed export handed to a
// provisioned keyholder (the external decryption service), which opens it
// and returns the value under its signature.
//
// Note: field and big-integer math in this package is not constant-time.
package crypto
