package types

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicAmount(t *testing.T) {
	assert.Equal(t, "3990000", AtomicAmount(decimal.RequireFromString("3.99"), 6))
	assert.Equal(t, "1", AtomicAmount(decimal.RequireFromString("0.000001"), 6))
	assert.Equal(t, "0", AtomicAmount(decimal.RequireFromString("0.0000001"), 6), "sub-unit dust truncates")
	assert.Equal(t, "5000000000000000000", AtomicAmount(decimal.NewFromInt(5), 18))
}

func TestParseAtomicAmount(t *testing.T) {
	dec, err := ParseAtomicAmount("3990000")
	require.NoError(t, err)
	assert.True(t, dec.Equal(decimal.NewFromInt(3990000)))

	for _, bad := range []string{"", "abc", "-5", "3.99"} {
		_, err := ParseAtomicAmount(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseBigAmount(t *testing.T) {
	n, err := ParseBigAmount("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", n.String())

	_, err = ParseBigAmount("-1")
	assert.Error(t, err)
	_, err = ParseBigAmount("0x10")
	assert.Error(t, err)
}

func TestFormatAtomic(t *testing.T) {
	assert.Equal(t, "3.99", FormatAtomic(big.NewInt(3990000), 6))
	assert.Equal(t, "0.000001", FormatAtomic(big.NewInt(1), 6))
}
