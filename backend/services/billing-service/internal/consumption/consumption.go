// Package consumption turns register values into billed kWh.
package consumption

import (
	"errors"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/models"
)

// ErrInvalidReading is returned when a non-resettable meter reports a lower value.
var ErrInvalidReading = errors.New("consumption: reading below previous value on a meter without rollover")

// Measurement returns the kWh consumed between previous and current. A meter with
// rollover wraps past maxReading back through zero.
func Measurement(current, previous, multiplier decimal.Decimal, hasRollover bool, maxReading decimal.Decimal) (decimal.Decimal, error) {
	if !current.LessThan(previous) {
		return current.Sub(previous).Mul(multiplier), nil
	}
	if !hasRollover {
		return decimal.Zero, ErrInvalidReading
	}
	return current.Add(maxReading).Add(decimal.FromInt64(1)).Sub(previous).Mul(multiplier), nil
}

// ForMeter applies Measurement with the meter's factor and rollover policy.
func ForMeter(m *models.Meter, current, previous decimal.Decimal) (decimal.Decimal, error) {
	return Measurement(current, previous, m.CTMultiplierFactor, m.HasMaxKwhReading, m.MaxKwhReading)
}

// Term is one sub-meter contribution to a derived meter.
type Term struct {
	Operator    models.Operator
	Consumption decimal.Decimal
}

// Derived folds the terms in order. Each term contributes reference OP term to the
// running total, so the reference is counted once per term.
func Derived(terms []Term, reference decimal.Decimal) decimal.Decimal {
	acc := decimal.Zero
	for _, t := range terms {
		switch t.Operator {
		case models.OperatorAdd:
			acc = acc.Add(reference.Add(t.Consumption))
		case models.OperatorMinus:
			acc = acc.Add(reference.Sub(t.Consumption))
		case models.OperatorMultiply:
			acc = acc.Add(reference.Mul(t.Consumption))
		}
	}
	return acc
}

// DerivedFromTotals evaluates the formula of m from per-meter window totals. It
// reports false when the reference or any sub-meter has no total.
func DerivedFromTotals(m *models.Meter, totals map[string]decimal.Decimal) (decimal.Decimal, bool) {
	reference, ok := totals[m.CalculationReferenceMeterID]
	if !ok {
		return decimal.Zero, false
	}
	terms := make([]Term, 0, len(m.SubMeters))
	for _, sub := range m.SubMeters {
		total, ok := totals[sub.SubMeterID]
		if !ok {
			return decimal.Zero, false
		}
		terms = append(terms, Term{Operator: sub.Operator, Consumption: total})
	}
	return Derived(terms, reference), true
}
