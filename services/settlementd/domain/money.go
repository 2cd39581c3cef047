package domain

import (
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// LedgerScale is the number of decimal places the ledger keeps for amounts.
const LedgerScale = 7

// ParseAmount parses a decimal string and rejects non-positive values or values
// with more precision than the ledger accepts.
func ParseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, Validationf("amount required")
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, Validationf("amount %q is not a decimal", raw)
	}
	if err := CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// CheckAmount validates an already parsed amount.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Validationf("amount must be positive")
	}
	if !amount.Equal(amount.Truncate(LedgerScale)) {
		return Validationf("amount has more than %d decimal places", LedgerScale)
	}
	return nil
}

// FormatAmount renders an amount with the ledger's fixed precision.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(LedgerScale)
}

// NormalizeFiatCurrency validates an ISO 4217 code and returns it upper-cased.
func NormalizeFiatCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", Validationf("unknown fiat currency %q", code)
	}
	return unit.String(), nil
}

// Secret carries signing material. It renders as a placeholder wherever it is
// printed or logged so the seed only leaves through Reveal.
type Secret struct {
	value string
}

// NewSecret wraps raw signing material.
func NewSecret(value string) Secret {
	return Secret{value: strings.TrimSpace(value)}
}

// Reveal returns the raw value for signing.
func (s Secret) Reveal() string { return s.value }

// Empty reports whether no material is held.
func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string { return "[REDACTED]" }

// GoString keeps %#v from printing the seed.
func (s Secret) GoString() string { return "domain.Secret{[REDACTED]}" }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }
