package clone

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Credits is a fixed-point credit amount with micro-credit resolution.
type Credits int64

// CreditUnit is one whole credit.
const CreditUnit Credits = 1_000_000

// WholeCredits converts an integer number of credits.
func WholeCredits(n int64) Credits {
	return Credits(n) * CreditUnit
}

// CreditsFromFloat rounds f to the nearest micro-credit.
func CreditsFromFloat(f float64) Credits {
	return Credits(math.Round(f * float64(CreditUnit)))
}

// Float returns the amount as a float64 (for display and metrics only).
func (c Credits) Float() float64 {
	return float64(c) / float64(CreditUnit)
}

// MulFloat scales c by f, rounding to the nearest micro-credit.
func (c Credits) MulFloat(f float64) Credits {
	return Credits(math.Round(float64(c) * f))
}

// String renders the amount with trailing zeros trimmed, e.g. "12.5".
func (c Credits) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / int64(CreditUnit)
	frac := v % int64(CreditUnit)
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fs := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fs)
}

// MarshalJSON encodes the amount as a JSON number.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (c *Credits) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*c = 0
		return nil
	}
	parsed, err := ParseCredits(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCredits parses a decimal string such as "12.5".
func ParseCredits(raw string) (Credits, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse credits %q: %w", raw, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse credits %q: not finite", raw)
	}
	return CreditsFromFloat(f), nil
}
