// Package decimal wraps apd for the exact kWh and money arithmetic used by billing.
package decimal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

const precision = 34

// Decimal is an immutable exact decimal value. The zero value is 0.
type Decimal struct {
	value apd.Decimal
}

// Zero is 0.
var Zero = Decimal{}

// New parses s.
func New(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("decimal: invalid value %q: %w", s, err)
	}
	return Decimal{value: d}, nil
}

// MustParse parses s and panics on malformed input. Intended for constants and tests.
func MustParse(s string) Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt64 converts i.
func FromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

func arith() *apd.Context {
	return apd.BaseContext.WithPrecision(precision)
}

// Add returns d + other.
func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = arith().Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Sub returns d - other.
func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = arith().Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Mul returns d * other.
func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = arith().Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Cmp compares d and other and returns -1, 0 or +1.
func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

// Equal reports numeric equality, ignoring scale ("10" equals "10.0").
func (d Decimal) Equal(other Decimal) bool {
	return d.Cmp(other) == 0
}

// LessThan reports d < other.
func (d Decimal) LessThan(other Decimal) bool {
	return d.Cmp(other) < 0
}

// IsZero reports d == 0.
func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

// IsNegative reports d < 0.
func (d Decimal) IsNegative() bool {
	return d.value.Sign() < 0
}

// Max returns the larger of d and other.
func (d Decimal) Max(other Decimal) Decimal {
	if d.Cmp(other) >= 0 {
		return d
	}
	return other
}

// Float64 converts d for metrics and other lossy sinks.
func (d Decimal) Float64() float64 {
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return 0
	}
	return f
}

func (d Decimal) String() string {
	return d.value.Text('f')
}

// Value implements driver.Valuer; values travel as text to NUMERIC columns.
func (d Decimal) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *Decimal) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Decimal{}
		return nil
	case string:
		return d.set(v)
	case []byte:
		return d.set(string(v))
	case int64:
		*d = FromInt64(v)
		return nil
	case float64:
		return d.set(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return fmt.Errorf("decimal: cannot scan %T", src)
	}
}

func (d *Decimal) set(s string) error {
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON encodes the value as a JSON string to keep precision.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts both JSON strings and numbers.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.set(s)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	return d.set(n.String())
}

// NullDecimal is a Decimal that may be SQL NULL.
type NullDecimal struct {
	Decimal Decimal
	Valid   bool
}

// Some wraps d as a valid NullDecimal.
func Some(d Decimal) NullDecimal {
	return NullDecimal{Decimal: d, Valid: true}
}

// Value implements driver.Valuer.
func (n NullDecimal) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Decimal.Value()
}

// Scan implements sql.Scanner.
func (n *NullDecimal) Scan(src interface{}) error {
	if src == nil {
		*n = NullDecimal{}
		return nil
	}
	n.Valid = true
	return n.Decimal.Scan(src)
}

// MarshalJSON encodes null or the decimal string.
func (n NullDecimal) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return n.Decimal.MarshalJSON()
}

// UnmarshalJSON accepts null, strings and numbers.
func (n *NullDecimal) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = NullDecimal{}
		return nil
	}
	n.Valid = true
	return n.Decimal.UnmarshalJSON(data)
}
