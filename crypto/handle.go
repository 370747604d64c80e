package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/sha3"
)

// HandleSize is the byte length of a ciphertext handle.
const HandleSize = 32

// Handle is an opaque reference to an encrypted value held by an Evaluator.
// Handles carry no information about the plaintext; they are derived by
// hashing the vault instance nonce, a monotonic counter and an operation
// tag. A handle is only meaningful to the evaluator that minted it.
type Handle [HandleSize]byte

// ZeroHandle is the canonical handle of the trivial encryption of zero.
// Every evaluator mints it at construction time.
var ZeroHandle = Handle{}

// NewHandleFromString parses a hex-encoded handle.
func NewHandleFromString(data string) (Handle, error) {
	var h Handle
	rawBytes, err := hex.DecodeString(data)
	if err != nil {
		return h, err
	}
	if len(rawBytes) != HandleSize {
		return h, errors.New("invalid handle size")
	}
	copy(h[:], rawBytes)
	return h, nil
}

// Bytes returns the handle as a byte slice.
func (h Handle) Bytes() []byte {
	return h[:]
}

// String returns a hex-encoded string representation of the handle.
// This is useful for logging and using as a map key.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the handle is the canonical zero handle.
func (h Handle) IsZero() bool {
	return h == ZeroHandle
}

// MarshalJSON encodes the handle as a hex string.
func (h Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes the handle from a hex string.
func (h *Handle) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewHandleFromString(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// deriveHandle mints a fresh handle from the vault nonce, a monotonic
// counter and an operation tag.
func deriveHandle(nonce []byte, counter uint64, opTag byte) Handle {
	buf := make([]byte, len(nonce)+9)
	copy(buf, nonce)
	binary.BigEndian.PutUint64(buf[len(nonce):], counter)
	buf[len(buf)-1] = opTag
	return Handle(sha3.Sum256(buf))
}
