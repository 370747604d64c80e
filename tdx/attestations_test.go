package tdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyProviderRoundTrip(t *testing.T) {
	p := &DummyProvider{}

	reportData := ReportDataForKey([]byte("keyholder-signing-key"))
	quote, err := p.Attest(reportData)
	require.NoError(t, err)

	measurements, err := p.Verify(quote, reportData)
	require.NoError(t, err)
	assert.Len(t, measurements, 5)

	otherData := ReportDataForKey([]byte("some-other-key"))
	_, err = p.Verify(quote, otherData)
	assert.Error(t, err)
}

func TestReportDataBindsKey(t *testing.T) {
	a := ReportDataForKey([]byte("key-a"))
	b := ReportDataForKey([]byte("key-b"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ReportDataForKey([]byte("key-a")))
}

func TestMeasurementPolicy(t *testing.T) {
	measurements := map[int][]byte{
		0: {0xaa, 0xbb},
		1: {0x01},
		2: {0x02},
		3: {0x03},
		4: {0x04},
	}

	policy := &MeasurementPolicy{Expected: map[int][]byte{0: {0xaa, 0xbb}}}
	assert.NoError(t, policy.Check(measurements))

	policy = &MeasurementPolicy{Expected: map[int][]byte{0: {0xaa, 0xbb}, 1: nil}}
	assert.NoError(t, policy.Check(measurements))

	policy = &MeasurementPolicy{Expected: map[int][]byte{0: {0xde, 0xad}}}
	assert.Error(t, policy.Check(measurements))

	policy = &MeasurementPolicy{Expected: map[int][]byte{9: {0x01}}}
	assert.Error(t, policy.Check(measurements))
}
