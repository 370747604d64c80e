package crypto

import (
	"math/big"
	"sync"
)

// PlainEvaluator is a plaintext test double for the Evaluator interface.
// It stores values directly and is allowed ordinary conditionals; it must
// never be wired into production paths.
type PlainEvaluator struct {
	mu      sync.Mutex
	nonce   []byte
	counter uint64
	values  map[Handle]*big.Int
}

// NewPlainEvaluator creates a plaintext evaluator for tests.
func NewPlainEvaluator() *PlainEvaluator {
	p := &PlainEvaluator{
		nonce:  []byte("plain-evaluator"),
		values: map[Handle]*big.Int{},
	}
	p.values[ZeroHandle] = big.NewInt(0)
	return p
}

func (p *PlainEvaluator) store(value *big.Int, opTag byte) Handle {
	p.counter++
	h := deriveHandle(p.nonce, p.counter, opTag)
	p.values[h] = new(big.Int).Set(value)
	return h
}

func (p *PlainEvaluator) load(h Handle) (*big.Int, error) {
	v, ok := p.values[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return v, nil
}

// Value returns the plaintext behind a handle. Test-only accessor with no
// counterpart on the production vault.
func (p *PlainEvaluator) Value(h Handle) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.load(h)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(v), nil
}

func (p *PlainEvaluator) Encrypt(value *big.Int) (Handle, error) {
	if value.Sign() < 0 {
		return Handle{}, ErrNegativeValue
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store(value, opEncrypt), nil
}

func (p *PlainEvaluator) Zero() Handle {
	return ZeroHandle
}

func (p *PlainEvaluator) binop(a, b Handle, opTag byte, f func(a, b *big.Int) *big.Int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	av, err := p.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := p.load(b)
	if err != nil {
		return Handle{}, err
	}
	return p.store(f(av, bv), opTag), nil
}

func (p *PlainEvaluator) Add(a, b Handle) (Handle, error) {
	return p.binop(a, b, opAdd, func(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) })
}

func (p *PlainEvaluator) Sub(a, b Handle) (Handle, error) {
	return p.binop(a, b, opSub, func(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) })
}

func (p *PlainEvaluator) Mul(a, b Handle) (Handle, error) {
	return p.binop(a, b, opMul, func(a, b *big.Int) *big.Int { return new(big.Int).Mul(a, b) })
}

func (p *PlainEvaluator) MulPlain(a Handle, scalar *big.Int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	av, err := p.load(a)
	if err != nil {
		return Handle{}, err
	}
	return p.store(new(big.Int).Mul(av, scalar), opMulPlain), nil
}

func (p *PlainEvaluator) Le(a, b Handle) (Handle, error) {
	return p.binop(a, b, opLe, func(a, b *big.Int) *big.Int {
		if a.Cmp(b) <= 0 {
			return big.NewInt(1)
		}
		return big.NewInt(0)
	})
}

func (p *PlainEvaluator) And(a, b Handle) (Handle, error) {
	return p.binop(a, b, opAnd, func(a, b *big.Int) *big.Int { return new(big.Int).Mul(a, b) })
}

func (p *PlainEvaluator) Choose(cond, a, b Handle) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cv, err := p.load(cond)
	if err != nil {
		return Handle{}, err
	}
	av, err := p.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := p.load(b)
	if err != nil {
		return Handle{}, err
	}

	if cv.Sign() != 0 {
		return p.store(av, opChoose), nil
	}
	return p.store(bv, opChoose), nil
}

// Export seals a value for tests; the payload is the raw plaintext bytes.
func (p *PlainEvaluator) Export(h Handle) (*SealedValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, err := p.load(h)
	if err != nil {
		return nil, err
	}
	return &SealedValue{Handle: h, Payload: v.Bytes()}, nil
}
