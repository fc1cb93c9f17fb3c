// Package money provides fixed-point monetary amounts in minor units.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Currency represents an ISO 4217 currency code.
type Currency string

const (
	KES Currency = "KES"
	USD Currency = "USD"
)

// ErrCurrencyMismatch is returned when two amounts of different
// currencies are combined.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// minorUnits is the number of decimal places carried per currency.
var minorUnits = map[Currency]int{
	KES: 2,
	USD: 2,
}

// Money represents a monetary amount in minor units (cents).
// Gateway payloads carry amounts in major units with at most two
// decimal places; converting to minor units at the boundary keeps
// all ledger arithmetic exact.
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a Money value from minor units.
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// FromMajor creates Money from major units, rounding to the
// currency's minor unit (two decimal places for KES).
func FromMajor(amountMajor float64, currency Currency) Money {
	units, ok := minorUnits[currency]
	if !ok {
		units = 2
	}
	multiplier := math.Pow(10, float64(units))
	return Money{
		AmountMinor: int64(math.Round(amountMajor * multiplier)),
		Currency:    currency,
	}
}

// Zero returns a zero amount for a currency.
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency).
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// MustAdd adds two money values, panics on currency mismatch.
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// SubClamped subtracts other from m, clamping the result at zero.
// Ledger balances are never allowed to go negative; clamping trades
// strict conservation for safety against drift from manual corrections.
func (m Money) SubClamped(other Money) Money {
	result := m.AmountMinor - other.AmountMinor
	if result < 0 {
		result = 0
	}
	return Money{AmountMinor: result, Currency: m.Currency}
}

// Percentage calculates a percentage expressed in basis points
// (1250 bps = 12.5%), rounded to the nearest minor unit.
func (m Money) Percentage(basisPoints int64) Money {
	return Money{
		AmountMinor: int64(math.Round(float64(m.AmountMinor) * float64(basisPoints) / 10000)),
		Currency:    m.Currency,
	}
}

// GTE returns true if m >= other. Amounts of different currencies
// never compare true.
func (m Money) GTE(other Money) bool {
	return m.Currency == other.Currency && m.AmountMinor >= other.AmountMinor
}

// Equal checks equality.
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// ToMajor converts to major units as float.
func (m Money) ToMajor() float64 {
	units, ok := minorUnits[m.Currency]
	if !ok {
		units = 2
	}
	return float64(m.AmountMinor) / math.Pow(10, float64(units))
}

// String returns a human-readable representation.
func (m Money) String() string {
	units, ok := minorUnits[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	return fmt.Sprintf("%.*f %s", units, m.ToMajor(), m.Currency)
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(src interface{}) error {
	if src == nil {
		*m = Money{}
		return nil
	}
	switch v := src.(type) {
	case int64:
		m.AmountMinor = v
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan into Money")
	}
}

// Value implements driver.Valuer.
func (m Money) Value() (driver.Value, error) {
	return m.AmountMinor, nil
}

// Sum adds up multiple money values.
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}
	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
