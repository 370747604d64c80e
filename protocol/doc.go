// Package protocol implements a privacy-preserving batch settlement engine
// for recurring investment orders. Users submit orders whose parameters
// (budget, trade count, per-trade amount, frequency, acceptable price band)
// exist only as ciphertext handles; orders are pooled into anonymity
// batches, filtered and aggregated under encryption, decrypted exactly once
// via an external keyholder, executed as a single market trade, and the
// proceeds are distributed back proportionally without any division on
// encrypted values.
//
// # Architecture
//
// The engine is built from four components wired together once at
// construction time:
//
//  1. Ledger: encrypted balance bookkeeping plus the plaintext pooled
//     reserves. Deposits, conditional debits, settlement credits and
//     lifecycle state live here.
//
//  2. IntentRegistry: accepts encrypted order submissions, enforces the
//     per-user lifecycle, and groups orders into batches behind a
//     k-anonymity floor (MinBatchSize) with a collection timeout.
//
//  3. SettlementEngine: consumes a ready batch. For every active member it
//     evaluates the encrypted price-band predicate and oblivious-selects
//     the per-trade amount into a running encrypted total, debiting the
//     same conditional amount from the owner's deposit balance. The single
//     aggregate is sent for decryption; once the authenticated plaintext
//     arrives the engine executes one market trade and distributes the
//     proceeds by multiplying each encrypted contribution with a
//     fixed-point scaled rate. The rate computation is the pipeline's only
//     division and happens entirely on plaintext.
//
//  4. WithdrawalCoordinator: runs the second decrypt-then-continue round
//     trip, converting a user's full encrypted position into a plaintext
//     payout from the pooled reserves.
//
// # Decrypt-Then-Continue
//
// The two decryption round trips are the only suspension points. Each is
// modeled as a saga: the DecryptionRouter records a pending request,
// forwards sealed values to the external keyholder, and resumes in a
// separate unit of work when a signed fulfillment arrives. Fulfillments
// are verified for authenticity before their payload is trusted, fulfill
// at most once, and are guarded against reentrancy. There is no liveness
// assumption: the keyholder is untrusted-but-verifiable and may never
// respond.
//
// # Privacy Invariants
//
// No individual order value is ever decrypted; only the batch aggregate
// and a withdrawing user's own balances reach plaintext. The price-band
// filter computes both branches of every conditional (oblivious select),
// so execution shape and event shape are identical whether or not an
// order qualifies. Batch results report the pre-price-filter active-order
// count as participantCount; the true qualifying count is never revealed,
// since it would leak aggregate price-band information.
//
// # Failure Semantics
//
// An empty or fully-filtered batch settles successfully with zero volume.
// A failed or zero-output market trade finalizes the batch as failed:
// conditional debits are returned, member orders are deactivated, and
// owners must resubmit. Anything that would corrupt the pooled reserves
// (an insufficient-reserve payout) fails its whole unit of work with no
// partial state.
package protocol
