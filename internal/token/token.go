// Package token provides fixed-point amount parsing, formatting, and fee
// arithmetic for the ledger.
//
// The runtime ledger carries amounts as decimal strings with 6 fractional
// digits. All arithmetic happens on big.Int values in the smallest unit
// (1 credit = 1,000,000 units); nothing on the money path touches floats.
package token

import (
	"math/big"
	"strings"
)

// LedgerDecimals is the fractional precision of the runtime ledger.
// On-chain amounts use the token contract's own decimal count and are
// rescaled explicitly by the chain layer.
const LedgerDecimals = 6

// MaxFeeBasisPoints is the upper bound for fee basis points (100%).
const MaxFeeBasisPoints = 10000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < LedgerDecimals {
		frac += "0"
	}
	frac = frac[:LedgerDecimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// ParsePositive parses a decimal string and additionally requires the
// amount to be strictly greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 6 fractional digits (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < LedgerDecimals+1 {
		s = "0" + s
	}
	decimal := len(s) - LedgerDecimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// ClampBasisPoints bounds fee basis points to [0, 10000].
func ClampBasisPoints(bps int64) int64 {
	if bps < 0 {
		return 0
	}
	if bps > MaxFeeBasisPoints {
		return MaxFeeBasisPoints
	}
	return bps
}

// SplitFee divides a pot into fee and payout for the given basis points.
// The fee is pot*bps/10000 with truncating integer division, so
// fee + payout == pot exactly for every bps in [0, 10000].
func SplitFee(pot *big.Int, bps int64) (fee, payout *big.Int) {
	bps = ClampBasisPoints(bps)
	fee = new(big.Int).Mul(pot, big.NewInt(bps))
	fee.Quo(fee, big.NewInt(MaxFeeBasisPoints))
	payout = new(big.Int).Sub(pot, fee)
	return fee, payout
}

// Rescale converts an amount between decimal precisions, e.g. from the
// ledger's 6 decimals to an 18-decimal token. Scaling down truncates.
func Rescale(amount *big.Int, fromDecimals, toDecimals int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(amount)
	switch {
	case toDecimals > fromDecimals:
		mult := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(toDecimals-fromDecimals)), nil)
		out.Mul(out, mult)
	case toDecimals < fromDecimals:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals-toDecimals)), nil)
		out.Quo(out, div)
	}
	return out
}
