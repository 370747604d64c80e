package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// VaultKey is the symmetric root key under which the vault blinds values
// at rest. The external keyholder is provisioned with the same key so it
// can open sealed exports. Must have at least 128 bits of entropy.
type VaultKey []byte

// VaultKeySize is the byte length of a vault key.
const VaultKeySize = 32

// NewVaultKey generates a fresh random vault key.
func NewVaultKey() (VaultKey, error) {
	key := make([]byte, VaultKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return VaultKey(key), nil
}

// NewVaultKeyFromString parses a hex-encoded vault key.
func NewVaultKeyFromString(data string) (VaultKey, error) {
	rawBytes, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	if len(rawBytes) != VaultKeySize {
		return nil, errors.New("invalid vault key size")
	}
	return VaultKey(rawBytes), nil
}

// String returns a hex-encoded representation of the vault key.
// This method should be used carefully as it exposes sensitive key material.
func (k VaultKey) String() string {
	return hex.EncodeToString(k)
}

// derivePad derives the per-handle blinding pad as a field element via
// HKDF keyed on the vault key with the handle as context.
func derivePad(key VaultKey, h Handle, fieldOrder *big.Int) *big.Int {
	bytesPerElement := (fieldOrder.BitLen() + 7) / 8
	buf := make([]byte, bytesPerElement)

	reader := hkdf.New(sha256.New, key, nil, h.Bytes())
	if _, err := reader.Read(buf); err != nil {
		panic(err.Error())
	}

	pad := new(big.Int).SetBytes(buf)
	return pad.Mod(pad, fieldOrder)
}

// Vault is the production Evaluator. It holds values blinded under
// HKDF-derived pads in a finite field, keyed by handle. Arithmetic
// unblinds inside the vault boundary, computes, and reblinds the result
// under a freshly minted handle; no operation returns plaintext.
//
// The vault is intended to run inside a confidential-computing boundary.
// Operations are data-oblivious: Choose always evaluates both candidates
// through the branchless form b + cond*(a-b).
type Vault struct {
	key        VaultKey
	fieldOrder *big.Int

	mu      sync.Mutex
	nonce   []byte
	counter uint64
	blinded map[Handle]*big.Int
}

// NewVault creates a vault evaluator over the given root key.
func NewVault(key VaultKey) (*Vault, error) {
	if len(key) != VaultKeySize {
		return nil, errors.New("invalid vault key size")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	v := &Vault{
		key:        key,
		fieldOrder: ValueFieldOrder,
		nonce:      nonce,
		blinded:    make(map[Handle]*big.Int),
	}

	// Mint the canonical zero so Zero() is always resolvable.
	v.blinded[ZeroHandle] = derivePad(key, ZeroHandle, v.fieldOrder)
	return v, nil
}

// store blinds a value and records it under a freshly minted handle.
// Caller must hold v.mu.
func (v *Vault) store(value *big.Int, opTag byte) Handle {
	v.counter++
	h := deriveHandle(v.nonce, v.counter, opTag)

	pad := derivePad(v.key, h, v.fieldOrder)
	blinded := new(big.Int).Set(value)
	blinded.Mod(blinded, v.fieldOrder)
	FieldAddInplace(blinded, pad, v.fieldOrder)

	v.blinded[h] = blinded
	return h
}

// load unblinds the value referenced by a handle. Caller must hold v.mu.
func (v *Vault) load(h Handle) (*big.Int, error) {
	blinded, ok := v.blinded[h]
	if !ok {
		return nil, ErrUnknownHandle
	}

	pad := derivePad(v.key, h, v.fieldOrder)
	value := new(big.Int).Set(blinded)
	FieldSubInplace(value, pad, v.fieldOrder)
	return value, nil
}

// Encrypt trivially encrypts a public nonnegative value.
func (v *Vault) Encrypt(value *big.Int) (Handle, error) {
	if value.Sign() < 0 {
		return Handle{}, ErrNegativeValue
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store(value, opEncrypt), nil
}

// Zero returns the canonical zero handle.
func (v *Vault) Zero() Handle {
	return ZeroHandle
}

// Add returns a handle to a + b.
func (v *Vault) Add(a, b Handle) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := v.load(b)
	if err != nil {
		return Handle{}, err
	}

	return v.store(new(big.Int).Add(av, bv), opAdd), nil
}

// Sub returns a handle to a - b, wrapping in the field if b > a.
func (v *Vault) Sub(a, b Handle) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := v.load(b)
	if err != nil {
		return Handle{}, err
	}

	res := new(big.Int).Set(av)
	FieldSubInplace(res, bv, v.fieldOrder)
	return v.store(res, opSub), nil
}

// Mul returns a handle to a * b.
func (v *Vault) Mul(a, b Handle) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := v.load(b)
	if err != nil {
		return Handle{}, err
	}

	return v.store(new(big.Int).Mul(av, bv), opMul), nil
}

// MulPlain returns a handle to a * scalar for a public nonnegative scalar.
func (v *Vault) MulPlain(a Handle, scalar *big.Int) (Handle, error) {
	if scalar.Sign() < 0 {
		return Handle{}, ErrNegativeValue
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}

	return v.store(new(big.Int).Mul(av, scalar), opMulPlain), nil
}

// Le returns a handle to the encrypted bit (a <= b).
func (v *Vault) Le(a, b Handle) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := v.load(b)
	if err != nil {
		return Handle{}, err
	}

	bit := big.NewInt(0)
	if av.Cmp(bv) <= 0 {
		bit.SetInt64(1)
	}
	return v.store(bit, opLe), nil
}

// And returns a handle to the encrypted bit (a && b). Bits are combined
// multiplicatively so malformed non-bit inputs surface as garbage rather
// than silently collapsing to a branch.
func (v *Vault) And(a, b Handle) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := v.load(b)
	if err != nil {
		return Handle{}, err
	}

	return v.store(new(big.Int).Mul(av, bv), opAnd), nil
}

// Choose returns a handle to (cond ? a : b). Both candidates are loaded
// and the result is formed branchlessly as b + cond*(a-b); execution
// shape is identical for either value of the condition bit.
func (v *Vault) Choose(cond, a, b Handle) (Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv, err := v.load(cond)
	if err != nil {
		return Handle{}, err
	}
	av, err := v.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := v.load(b)
	if err != nil {
		return Handle{}, err
	}

	diff := new(big.Int).Sub(av, bv)
	diff.Mul(diff, cv)
	res := new(big.Int).Add(bv, diff)
	res.Mod(res, v.fieldOrder)
	return v.store(res, opChoose), nil
}

// Export seals the value referenced by a handle for the keyholder. The
// payload is the stored blinded field element; the vault never unblinds
// on the export path.
func (v *Vault) Export(h Handle) (*SealedValue, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	blinded, ok := v.blinded[h]
	if !ok {
		return nil, ErrUnknownHandle
	}

	return &SealedValue{
		Handle:  h,
		Payload: blinded.Bytes(),
	}, nil
}

// Keyholder opens sealed values exported by a vault provisioned with the
// same root key. It is operated by the external decryption service, never
// by the engine.
type Keyholder struct {
	key        VaultKey
	fieldOrder *big.Int
}

// NewKeyholder creates a keyholder over the given vault key.
func NewKeyholder(key VaultKey) (*Keyholder, error) {
	if len(key) != VaultKeySize {
		return nil, errors.New("invalid vault key size")
	}
	return &Keyholder{key: key, fieldOrder: ValueFieldOrder}, nil
}

// Open unblinds a sealed value and returns its plaintext.
func (k *Keyholder) Open(sealed *SealedValue) (*big.Int, error) {
	if sealed == nil {
		return nil, errors.New("nil sealed value")
	}

	value := new(big.Int).SetBytes(sealed.Payload)
	if value.Cmp(k.fieldOrder) >= 0 {
		return nil, errors.New("sealed payload outside value field")
	}

	pad := derivePad(k.key, sealed.Handle, k.fieldOrder)
	FieldSubInplace(value, pad, k.fieldOrder)
	return value, nil
}
