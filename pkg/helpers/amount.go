package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

const satsPerBTC = 100_000_000

// SatoshisToBTC formats a satoshi amount as a BTC decimal string without
// trailing zeros, e.g. 2100000 -> "0.021".
func SatoshisToBTC(sats uint64) string {
	whole := sats / satsPerBTC
	frac := sats % satsPerBTC
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return fmt.Sprintf("%d.%s", whole, fracStr)
}

// BTCToSatoshis parses a BTC decimal string. More than 8 decimal places is
// an error rather than a silent truncation.
func BTCToSatoshis(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}
	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	if len(fracStr) > 8 {
		return 0, fmt.Errorf("too many decimal places: %s", s)
	}
	whole, err := strconv.ParseUint(wholeStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	var frac uint64
	if fracStr != "" {
		frac, err = strconv.ParseUint(fracStr+strings.Repeat("0", 8-len(fracStr)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount: %s", s)
		}
	}
	if whole > (^uint64(0)-frac)/satsPerBTC {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}
	return whole*satsPerBTC + frac, nil
}

// PercentOf returns floor(amount * percent / 100).
func PercentOf(amount uint64, percent uint64) uint64 {
	return amount/100*percent + amount%100*percent/100
}
