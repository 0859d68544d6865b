package monitor

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// FormatUnits renders a raw smallest-unit integer string as a decimal string with the
// given number of decimals. Trailing fractional zeros are stripped and a zero fraction
// is omitted entirely. The conversion is exact.
func FormatUnits(raw string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals %d", decimals)
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return "", fmt.Errorf("invalid raw amount %q", raw)
	}

	sign := ""
	if v.Sign() < 0 {
		sign = "-"
		v.Abs(v)
	}

	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(v, base, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String(), nil
	}

	fs := frac.String()
	fs = strings.Repeat("0", decimals-len(fs)) + fs
	fs = strings.TrimRight(fs, "0")
	return sign + whole.String() + "." + fs, nil
}

// ParseUnits converts a decimal string into its raw smallest-unit integer.
// It fails when value carries more fractional digits than decimals allows.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}
	value = strings.TrimSpace(value)
	neg := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")

	if value == "" || value == "." {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}

	v, ok := new(big.Int).SetString(whole+frac+strings.Repeat("0", decimals-len(frac)), 10)
	if !ok || strings.ContainsAny(whole+frac, "+-") {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// IsSignificantChange reports whether moving from oldValue to newValue is large enough
// to notify about. When the old value is zero any positive new value is significant;
// otherwise the change is significant when |new-old|/|old| >= threshold.
// Values are decimal strings; unparseable input is never significant.
func IsSignificantChange(oldValue, newValue string, threshold float64) bool {
	oldRat, ok := new(big.Rat).SetString(strings.TrimSpace(oldValue))
	if !ok {
		return false
	}
	newRat, ok := new(big.Rat).SetString(strings.TrimSpace(newValue))
	if !ok {
		return false
	}
	if oldRat.Sign() == 0 {
		return newRat.Sign() > 0
	}

	// Parse the decimal text so a threshold of 0.01 is exactly one hundredth.
	t, ok := new(big.Rat).SetString(strconv.FormatFloat(threshold, 'f', -1, 64))
	if !ok {
		return false
	}

	delta := new(big.Rat).Sub(newRat, oldRat)
	delta.Abs(delta)
	ratio := delta.Quo(delta, new(big.Rat).Abs(oldRat))
	return ratio.Cmp(t) >= 0
}

// formatTimeRemaining renders the time left until est as "~{m}m {s}s" or "~{s}s",
// clamped at zero.
func formatTimeRemaining(est, now time.Time) string {
	remaining := est.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	secs := int64(remaining / time.Second)
	if m := secs / 60; m > 0 {
		return fmt.Sprintf("~%dm %ds", m, secs%60)
	}
	return fmt.Sprintf("~%ds", secs)
}
