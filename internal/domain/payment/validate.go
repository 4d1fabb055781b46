package payment

import (
	"strings"
	"time"
)

const (
	minNumberLen = 12
	maxNumberLen = 19
)

// ValidateCard checks card details without contacting any gateway. A card is
// usable through the last day of its expiry month, evaluated in now's
// location.
func ValidateCard(c Card, now time.Time) error {
	number := normalizeNumber(c.Number)
	if len(number) < minNumberLen || len(number) > maxNumberLen || !isDigits(number) {
		return &InvalidPaymentDetailsError{Field: "number", Reason: "must contain 12 to 19 digits"}
	}
	if !luhnValid(number) {
		return &InvalidPaymentDetailsError{Field: "number", Reason: "failed checksum"}
	}

	if strings.TrimSpace(c.Holder) == "" {
		return &InvalidPaymentDetailsError{Field: "holder", Reason: "is required"}
	}

	if c.ExpMonth < 1 || c.ExpMonth > 12 {
		return &InvalidPaymentDetailsError{Field: "expiry", Reason: "month must be between 1 and 12"}
	}
	year, ok := normalizeYear(c.ExpYear)
	if !ok {
		return &InvalidPaymentDetailsError{Field: "expiry", Reason: "year must have 2 or 4 digits"}
	}
	if expired(year, c.ExpMonth, now) {
		return &InvalidPaymentDetailsError{Field: "expiry", Reason: "card has expired"}
	}

	if l := len(c.CVV); l < 3 || l > 4 || !isDigits(c.CVV) {
		return &InvalidPaymentDetailsError{Field: "cvv", Reason: "must contain 3 or 4 digits"}
	}

	return nil
}

func expired(year, month int, now time.Time) bool {
	if year != now.Year() {
		return year < now.Year()
	}
	return month < int(now.Month())
}

// normalizeYear accepts "27" style and "2027" style years.
func normalizeYear(y int) (int, bool) {
	switch {
	case y >= 0 && y < 100:
		return 2000 + y, true
	case y >= 1000 && y <= 9999:
		return y, true
	default:
		return 0, false
	}
}

func normalizeNumber(n string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, n)
}

func isDigits(s string) bool {
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func luhnValid(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
