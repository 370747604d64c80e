package crypto

import (
	"errors"
	"math/big"
)

// Operation tags mixed into handle derivation so that structurally
// identical op sequences still mint distinct handles.
const (
	opEncrypt byte = iota + 1
	opAdd
	opSub
	opMul
	opMulPlain
	opLe
	opAnd
	opChoose
)

var (
	// ErrUnknownHandle is returned when an operation references a handle
	// the evaluator never minted.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")

	// ErrNegativeValue is returned when a plaintext outside the supported
	// nonnegative range is submitted for encryption.
	ErrNegativeValue = errors.New("encrypted values must be nonnegative")
)

// Evaluator performs arithmetic on encrypted unsigned integers referenced
// by opaque handles. Implementations never expose plaintext through this
// interface: the only operations are add, subtract, multiply, compare and
// oblivious select, matching the capabilities of the encrypted backend.
//
// Every operation mints a fresh handle for its result; input handles stay
// valid and immutable. Implementations must fully compute both candidates
// of Choose regardless of the condition.
type Evaluator interface {
	// Encrypt trivially encrypts a public nonnegative value and returns
	// its handle. Used for public constants entering encrypted compute,
	// such as the current reference price.
	Encrypt(value *big.Int) (Handle, error)

	// Zero returns the handle of the trivial encryption of zero.
	Zero() Handle

	// Add returns a handle to a + b.
	Add(a, b Handle) (Handle, error)

	// Sub returns a handle to a - b. The caller must ensure a >= b;
	// results wrap in the value field otherwise.
	Sub(a, b Handle) (Handle, error)

	// Mul returns a handle to a * b.
	Mul(a, b Handle) (Handle, error)

	// MulPlain returns a handle to a * scalar for a public scalar.
	// The multiplication is carried out at full big-integer width, so
	// fixed-point rate scaling cannot overflow.
	MulPlain(a Handle, scalar *big.Int) (Handle, error)

	// Le returns a handle to the encrypted bit (a <= b).
	Le(a, b Handle) (Handle, error)

	// And returns a handle to the encrypted bit (a && b). Both inputs
	// must be encrypted bits.
	And(a, b Handle) (Handle, error)

	// Choose returns a handle to (cond ? a : b) for an encrypted
	// condition bit. Both candidates are always fully evaluated; only
	// the selection varies with the data.
	Choose(cond, a, b Handle) (Handle, error)
}

// SealedValue is an encrypted value exported for the keyholder. The
// payload is the value blinded under the vault's pad for the handle; only
// a keyholder provisioned with the same vault key can open it.
type SealedValue struct {
	Handle  Handle `json:"handle"`
	Payload []byte `json:"payload"`
}

// Exporter seals encrypted values for decryption by an external
// keyholder. This is the only path by which plaintext can leave the
// encrypted domain.
type Exporter interface {
	Export(h Handle) (*SealedValue, error)
}
