package types

import (
	"fmt"
	"strings"
)

// Money is a fiat amount in the smallest currency unit, as reported by a
// payment provider. The ledger records it on billing transactions and never
// does arithmetic across currencies.
type Money struct {
	Amount   int64  `json:"amount"`   // smallest unit (cents)
	Currency string `json:"currency"` // ISO 4217, lowercase
}

// NewMoney builds a Money value, normalizing the currency code.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(strings.TrimSpace(currency))}
}

// EUR creates a Money value in euro cents.
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// USD creates a Money value in US cents.
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// IsZero reports whether no amount and no currency were recorded.
func (m Money) IsZero() bool { return m.Amount == 0 && m.Currency == "" }

// FormatMajor renders the amount in major units, e.g. "49.00" for EUR(4900)
// and "100" for zero-decimal currencies.
func (m Money) FormatMajor() string {
	if currencyDecimals(m.Currency) == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}
	sign := ""
	abs := m.Amount
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/100, abs%100)
}

// String renders the amount with its currency code, e.g. "EUR 49.00".
func (m Money) String() string {
	if m.Currency == "" {
		return m.FormatMajor()
	}
	return strings.ToUpper(m.Currency) + " " + m.FormatMajor()
}

func currencyDecimals(currency string) int {
	switch strings.ToLower(currency) {
	case "jpy", "krw", "vnd", "clp", "pyg", "idr":
		return 0
	default:
		return 2
	}
}
