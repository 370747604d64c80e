// Package tdx binds the decryption keyholder's identity to an Intel TDX
// measurement.
//
// The keyholder runs outside the settlement engine's trust boundary. What
// makes its fulfillments acceptable is not where it runs but what it runs:
// the keyholder attests with a DCAP quote whose report data commits to its
// fulfillment signing key, and the engine checks the quote's measurements
// against an operator-pinned policy before trusting results signed by that
// key. A keyholder that cannot produce a quote matching the policy never
// gets its signing key accepted, so its fulfillments are rejected at the
// door.
package tdx
