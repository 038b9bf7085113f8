package domain

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateAmount checks that a monetary amount is positive and has at most two
// decimal places.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError(field, "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return NewValidationError(field, "must have at most two decimal places")
	}
	return nil
}

// NormalizeCurrency upper-cases a currency code, falling back when empty.
func NormalizeCurrency(currency, fallback string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(currency))
	if normalized == "" {
		normalized = strings.ToUpper(strings.TrimSpace(fallback))
	}
	if !currencyPattern.MatchString(normalized) {
		return "", NewValidationError("currency", "must be a three-letter ISO code")
	}
	return normalized, nil
}

// MinorUnits converts a two-decimal amount to the integer minor units gateways use.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts gateway minor units back to a decimal amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
