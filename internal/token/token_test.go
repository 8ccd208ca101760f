package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 1000000, true},
		{"1.5", 1500000, true},
		{"1.500000", 1500000, true},
		{"0.000001", 1, true},
		{"10.1234567", 10123456, true}, // extra digits truncated
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		assert.Equal(t, tt.ok, ok, "Parse(%q) ok", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got.Int64(), "Parse(%q)", tt.in)
		}
	}
}

func TestParsePositive(t *testing.T) {
	_, ok := ParsePositive("0")
	assert.False(t, ok)
	_, ok = ParsePositive("")
	assert.False(t, ok)
	v, ok := ParsePositive("0.000001")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Int64())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "0.000000", Format(big.NewInt(0)))
	assert.Equal(t, "1.500000", Format(big.NewInt(1500000)))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "-2.250000", Format(big.NewInt(-2250000)))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.000000", "19.000000", "0.333333"} {
		v, ok := Parse(s)
		require.True(t, ok)
		assert.Equal(t, s, Format(v))
	}
}

func TestSplitFee_Conservation(t *testing.T) {
	pot, _ := Parse("20") // two 10-credit stakes

	for _, bps := range []int64{0, 1, 250, 500, 3333, 9999, 10000} {
		fee, payout := SplitFee(pot, bps)
		sum := new(big.Int).Add(fee, payout)
		assert.Zerof(t, sum.Cmp(pot), "fee+payout != pot at %d bps", bps)
		assert.GreaterOrEqual(t, fee.Sign(), 0)
		assert.GreaterOrEqual(t, payout.Sign(), 0)
	}
}

func TestSplitFee_Examples(t *testing.T) {
	pot, _ := Parse("20")

	fee, payout := SplitFee(pot, 500)
	assert.Equal(t, "1.000000", Format(fee))
	assert.Equal(t, "19.000000", Format(payout))

	fee, payout = SplitFee(pot, 0)
	assert.Equal(t, "0.000000", Format(fee))
	assert.Equal(t, "20.000000", Format(payout))

	fee, payout = SplitFee(pot, 10000)
	assert.Equal(t, "20.000000", Format(fee))
	assert.Equal(t, "0.000000", Format(payout))
}

func TestSplitFee_ClampsBasisPoints(t *testing.T) {
	pot, _ := Parse("10")

	fee, payout := SplitFee(pot, -50)
	assert.Equal(t, 0, fee.Sign())
	assert.Zero(t, payout.Cmp(pot))

	fee, payout = SplitFee(pot, 250000)
	assert.Zero(t, fee.Cmp(pot))
	assert.Equal(t, 0, payout.Sign())
}

func TestSplitFee_TruncatesTowardZero(t *testing.T) {
	// 3 units at 1 bps: 3*1/10000 = 0 after truncation.
	fee, payout := SplitFee(big.NewInt(3), 1)
	assert.Equal(t, int64(0), fee.Int64())
	assert.Equal(t, int64(3), payout.Int64())
}

func TestRescale(t *testing.T) {
	v := big.NewInt(1500000) // 1.5 at 6 decimals

	up := Rescale(v, 6, 18)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Zero(t, up.Cmp(want))

	down := Rescale(up, 18, 6)
	assert.Zero(t, down.Cmp(v))

	same := Rescale(v, 6, 6)
	assert.Zero(t, same.Cmp(v))

	assert.Equal(t, int64(0), Rescale(nil, 6, 18).Int64())
}
