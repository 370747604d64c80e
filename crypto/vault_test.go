package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, *Keyholder) {
	key, err := NewVaultKey()
	require.NoError(t, err)

	vault, err := NewVault(key)
	require.NoError(t, err)

	keyholder, err := NewKeyholder(key)
	require.NoError(t, err)

	return vault, keyholder
}

func openHandle(t *testing.T, vault *Vault, keyholder *Keyholder, h Handle) *big.Int {
	sealed, err := vault.Export(h)
	require.NoError(t, err)

	value, err := keyholder.Open(sealed)
	require.NoError(t, err)
	return value
}

func TestVault_EncryptExportOpen(t *testing.T) {
	vault, keyholder := newTestVault(t)

	h, err := vault.Encrypt(big.NewInt(12345))
	require.NoError(t, err)

	assert.Equal(t, int64(12345), openHandle(t, vault, keyholder, h).Int64())
}

func TestVault_ExportIsBlinded(t *testing.T) {
	vault, _ := newTestVault(t)

	h, err := vault.Encrypt(big.NewInt(777))
	require.NoError(t, err)

	sealed, err := vault.Export(h)
	require.NoError(t, err)

	// The payload must not be the raw plaintext.
	assert.NotEqual(t, big.NewInt(777).Bytes(), sealed.Payload)
}

func TestVault_Arithmetic(t *testing.T) {
	vault, keyholder := newTestVault(t)

	a, err := vault.Encrypt(big.NewInt(1000))
	require.NoError(t, err)
	b, err := vault.Encrypt(big.NewInt(42))
	require.NoError(t, err)

	sum, err := vault.Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1042), openHandle(t, vault, keyholder, sum).Int64())

	diff, err := vault.Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, int64(958), openHandle(t, vault, keyholder, diff).Int64())

	prod, err := vault.Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, int64(42000), openHandle(t, vault, keyholder, prod).Int64())

	scaled, err := vault.MulPlain(a, big.NewInt(1e9))
	require.NoError(t, err)
	assert.Equal(t, int64(1000*1e9), openHandle(t, vault, keyholder, scaled).Int64())
}

func TestVault_WideScaling(t *testing.T) {
	vault, keyholder := newTestVault(t)

	ratePrecision, ok := new(big.Int).SetString("1000000000000000000000000000", 10)
	require.True(t, ok)

	contribution, err := vault.Encrypt(big.NewInt(1_000_000_000))
	require.NoError(t, err)

	// Scaling a 30-bit contribution by a 90-bit precision must not wrap.
	scaled, err := vault.MulPlain(contribution, ratePrecision)
	require.NoError(t, err)

	want := new(big.Int).Mul(big.NewInt(1_000_000_000), ratePrecision)
	assert.Zero(t, want.Cmp(openHandle(t, vault, keyholder, scaled)))
}

func TestVault_CompareAndChoose(t *testing.T) {
	vault, keyholder := newTestVault(t)

	lo, err := vault.Encrypt(big.NewInt(1500))
	require.NoError(t, err)
	hi, err := vault.Encrypt(big.NewInt(2000))
	require.NoError(t, err)
	price, err := vault.Encrypt(big.NewInt(1800))
	require.NoError(t, err)

	above, err := vault.Le(lo, price)
	require.NoError(t, err)
	assert.Equal(t, int64(1), openHandle(t, vault, keyholder, above).Int64())

	below, err := vault.Le(price, hi)
	require.NoError(t, err)
	assert.Equal(t, int64(1), openHandle(t, vault, keyholder, below).Int64())

	inBand, err := vault.And(above, below)
	require.NoError(t, err)
	assert.Equal(t, int64(1), openHandle(t, vault, keyholder, inBand).Int64())

	amount, err := vault.Encrypt(big.NewInt(100))
	require.NoError(t, err)

	chosen, err := vault.Choose(inBand, amount, vault.Zero())
	require.NoError(t, err)
	assert.Equal(t, int64(100), openHandle(t, vault, keyholder, chosen).Int64())

	outOfBand, err := vault.Le(hi, price)
	require.NoError(t, err)
	assert.Equal(t, int64(0), openHandle(t, vault, keyholder, outOfBand).Int64())

	rejected, err := vault.Choose(outOfBand, amount, vault.Zero())
	require.NoError(t, err)
	assert.Equal(t, int64(0), openHandle(t, vault, keyholder, rejected).Int64())
}

func TestVault_UnknownHandle(t *testing.T) {
	vault, _ := newTestVault(t)

	var bogus Handle
	bogus[0] = 0xff

	_, err := vault.Add(bogus, vault.Zero())
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = vault.Export(bogus)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestVault_RejectsNegative(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.Encrypt(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrNegativeValue)
}

func TestKeyholder_WrongKey(t *testing.T) {
	vault, _ := newTestVault(t)

	otherKey, err := NewVaultKey()
	require.NoError(t, err)
	otherKeyholder, err := NewKeyholder(otherKey)
	require.NoError(t, err)

	h, err := vault.Encrypt(big.NewInt(31337))
	require.NoError(t, err)

	sealed, err := vault.Export(h)
	require.NoError(t, err)

	value, err := otherKeyholder.Open(sealed)
	require.NoError(t, err)
	assert.NotEqual(t, int64(31337), value.Int64())
}

func TestPlainEvaluator_MatchesVault(t *testing.T) {
	vault, keyholder := newTestVault(t)
	plain := NewPlainEvaluator()

	run := func(eval Evaluator) Handle {
		a, err := eval.Encrypt(big.NewInt(250))
		require.NoError(t, err)
		b, err := eval.Encrypt(big.NewInt(750))
		require.NoError(t, err)

		sum, err := eval.Add(a, b)
		require.NoError(t, err)

		cond, err := eval.Le(a, b)
		require.NoError(t, err)

		chosen, err := eval.Choose(cond, sum, eval.Zero())
		require.NoError(t, err)
		return chosen
	}

	vaultResult := openHandle(t, vault, keyholder, run(vault))

	plainHandle := run(plain)
	plainResult, err := plain.Value(plainHandle)
	require.NoError(t, err)

	assert.Zero(t, vaultResult.Cmp(plainResult))
	assert.Equal(t, int64(1000), plainResult.Int64())
}
