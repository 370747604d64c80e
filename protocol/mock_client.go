package protocol

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
)

// MockOracle is a settable price oracle for tests.
type MockOracle struct {
	mu        sync.Mutex
	price     *big.Int
	updatedAt time.Time
	err       error
}

// NewMockOracle creates an oracle reporting the given price as fresh.
func NewMockOracle(price int64) *MockOracle {
	return &MockOracle{price: big.NewInt(price), updatedAt: time.Now()}
}

// SetPrice updates the reported price and freshness timestamp.
func (o *MockOracle) SetPrice(price int64, updatedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = big.NewInt(price)
	o.updatedAt = updatedAt
}

// SetError makes the oracle fail.
func (o *MockOracle) SetError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *MockOracle) LatestPrice(ctx context.Context) (*big.Int, time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, time.Time{}, o.err
	}
	return new(big.Int).Set(o.price), o.updatedAt, nil
}

// MockMarket is a scripted market router for tests.
type MockMarket struct {
	mu sync.Mutex

	// Out is the scripted output; Err the scripted failure.
	Out *big.Int
	Err error

	Calls []MockSwapCall
}

// MockSwapCall records one swap invocation.
type MockSwapCall struct {
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Deadline     time.Time
}

func (m *MockMarket) SwapExactInput(ctx context.Context, amountIn, minAmountOut *big.Int, deadline time.Time) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockSwapCall{
		AmountIn:     new(big.Int).Set(amountIn),
		MinAmountOut: new(big.Int).Set(minAmountOut),
		Deadline:     deadline,
	})
	if m.Err != nil {
		return nil, m.Err
	}
	return new(big.Int).Set(m.Out), nil
}

// MockDecryptionService captures jobs without fulfilling them. Tests
// fulfill manually through a LoopbackKeyholder, mirroring the real
// asynchronous flow.
type MockDecryptionService struct {
	mu   sync.Mutex
	Jobs []*DecryptionJob
	Err  error
}

func (s *MockDecryptionService) RequestDecryption(ctx context.Context, job *DecryptionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Jobs = append(s.Jobs, job)
	return nil
}

// TakeJobs returns and clears the captured jobs.
func (s *MockDecryptionService) TakeJobs() []*DecryptionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.Jobs
	s.Jobs = nil
	return jobs
}

// LoopbackKeyholder opens sealed values with a real keyholder and signs
// fulfillments, letting tests drive the decrypt-then-continue saga
// deterministically.
type LoopbackKeyholder struct {
	Keyholder  *crypto.Keyholder
	SigningKey crypto.PrivateKey
}

// NewLoopbackKeyholder provisions a keyholder over the vault key and a
// fresh signing key.
func NewLoopbackKeyholder(vaultKey crypto.VaultKey) (*LoopbackKeyholder, crypto.PublicKey, error) {
	keyholder, err := crypto.NewKeyholder(vaultKey)
	if err != nil {
		return nil, nil, err
	}
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	return &LoopbackKeyholder{Keyholder: keyholder, SigningKey: priv}, pub, nil
}

// Fulfill opens every sealed value in the job and returns the signed
// fulfillment a real keyholder would send.
func (k *LoopbackKeyholder) Fulfill(job *DecryptionJob) (*Signed[DecryptionResult], error) {
	values := make([]string, len(job.Sealed))
	for i, sealed := range job.Sealed {
		v, err := k.Keyholder.Open(sealed)
		if err != nil {
			return nil, err
		}
		values[i] = v.String()
	}

	return NewSigned(k.SigningKey, &DecryptionResult{
		RequestID: job.RequestID,
		Values:    values,
	})
}

// CountingEvaluator wraps an Evaluator and counts operations by kind.
// Used to verify that execution-step counts are identical regardless of
// which branch an oblivious selection takes.
type CountingEvaluator struct {
	crypto.Evaluator

	mu     sync.Mutex
	Counts map[string]int
}

// NewCountingEvaluator wraps the given evaluator.
func NewCountingEvaluator(inner crypto.Evaluator) *CountingEvaluator {
	return &CountingEvaluator{Evaluator: inner, Counts: make(map[string]int)}
}

func (c *CountingEvaluator) count(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Counts[op]++
}

// Snapshot returns a copy of the op counts.
func (c *CountingEvaluator) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]int, len(c.Counts))
	for k, v := range c.Counts {
		snapshot[k] = v
	}
	return snapshot
}

func (c *CountingEvaluator) Encrypt(value *big.Int) (crypto.Handle, error) {
	c.count("encrypt")
	return c.Evaluator.Encrypt(value)
}

func (c *CountingEvaluator) Add(a, b crypto.Handle) (crypto.Handle, error) {
	c.count("add")
	return c.Evaluator.Add(a, b)
}

func (c *CountingEvaluator) Sub(a, b crypto.Handle) (crypto.Handle, error) {
	c.count("sub")
	return c.Evaluator.Sub(a, b)
}

func (c *CountingEvaluator) Mul(a, b crypto.Handle) (crypto.Handle, error) {
	c.count("mul")
	return c.Evaluator.Mul(a, b)
}

func (c *CountingEvaluator) MulPlain(a crypto.Handle, scalar *big.Int) (crypto.Handle, error) {
	c.count("mul_plain")
	return c.Evaluator.MulPlain(a, scalar)
}

func (c *CountingEvaluator) Le(a, b crypto.Handle) (crypto.Handle, error) {
	c.count("le")
	return c.Evaluator.Le(a, b)
}

func (c *CountingEvaluator) And(a, b crypto.Handle) (crypto.Handle, error) {
	c.count("and")
	return c.Evaluator.And(a, b)
}

func (c *CountingEvaluator) Choose(cond, a, b crypto.Handle) (crypto.Handle, error) {
	c.count("choose")
	return c.Evaluator.Choose(cond, a, b)
}
