package storage

import (
	"math/big"
	"strings"
)

// formatUnits renders value scaled down by 10^decimals with trailing zeros
// trimmed, keeping the sign.
func formatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	if decimals == 0 {
		return value.String()
	}
	sign := value.Sign()
	abs := new(big.Int).Abs(value)
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(abs, denom)
	text := rat.FloatString(int(decimals))
	text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	if sign < 0 {
		return "-" + text
	}
	return text
}

// formatEther renders a wei amount in ether.
func formatEther(wei *big.Int) string {
	return formatUnits(wei, 18)
}

// formatSignedEther prefixes positive deltas with a plus sign.
func formatSignedEther(wei *big.Int) string {
	if wei != nil && wei.Sign() > 0 {
		return "+" + formatEther(wei)
	}
	return formatEther(wei)
}
