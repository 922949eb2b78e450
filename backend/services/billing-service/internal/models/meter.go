package models

import (
	"errors"
	"time"

	"meterbill/backend/libs/decimal"
)

// MeterType distinguishes physical meters from computed ones.
type MeterType string

const (
	MeterTypeMeasurement MeterType = "MEASUREMENT"
	MeterTypeDerived     MeterType = "DERIVED"
)

// Operator combines a sub-meter term into a derived meter's consumption.
type Operator string

const (
	OperatorAdd      Operator = "ADD"
	OperatorMinus    Operator = "MINUS"
	OperatorMultiply Operator = "MULTIPLY"
)

// SubMeterLink is one term of a derived meter formula.
type SubMeterLink struct {
	MeterID    string   `db:"meter_id" json:"meter_id"`
	SubMeterID string   `db:"sub_meter_id" json:"sub_meter_id"`
	Operator   Operator `db:"operator" json:"operator"`
	Position   int      `db:"position" json:"position"`
}

// ReadingSnapshot caches one reading on the meter row.
type ReadingSnapshot struct {
	KwhReading     decimal.Decimal `json:"kwh_reading"`
	Date           time.Time       `json:"date"`
	KwhConsumption decimal.Decimal `json:"kwh_consumption"`
}

// SnapshotOf returns the cache entry for r.
func SnapshotOf(r *Reading) *ReadingSnapshot {
	if r == nil {
		return nil
	}
	return &ReadingSnapshot{
		KwhReading:     r.KwhReading,
		Date:           r.ReadingDate,
		KwhConsumption: r.KwhConsumption,
	}
}

// LastBill caches the most recent bill issued for a meter.
type LastBill struct {
	KwhConsumption decimal.Decimal `json:"kwh_consumption"`
	Amount         decimal.Decimal `json:"amount"`
	Date           time.Time       `json:"date"`
}

// Meter is a physical or derived utility meter.
type Meter struct {
	ID                          string           `db:"id" json:"id"`
	MeterNumber                 string           `db:"meter_number" json:"meter_number"`
	AreaID                      string           `db:"area_id" json:"area_id"`
	AreaName                    string           `db:"area_name" json:"area_name"`
	Location                    string           `db:"location" json:"location"`
	Purpose                     string           `db:"purpose" json:"purpose"`
	Type                        MeterType        `db:"type" json:"type"`
	CTRating                    string           `db:"ct_rating" json:"ct_rating"`
	CTMultiplierFactor          decimal.Decimal  `db:"ct_multiplier_factor" json:"ct_multiplier_factor"`
	HasMaxKwhReading            bool             `db:"has_max_kwh_reading" json:"has_max_kwh_reading"`
	MaxKwhReading               decimal.Decimal  `db:"max_kwh_reading" json:"max_kwh_reading"`
	Current                     *ReadingSnapshot `json:"current,omitempty"`
	Previous                    *ReadingSnapshot `json:"previous,omitempty"`
	LastBill                    *LastBill        `json:"last_bill,omitempty"`
	IsActive                    bool             `db:"is_active" json:"is_active"`
	CalculationReferenceMeterID string           `db:"calculation_reference_meter_id" json:"calculation_reference_meter_id,omitempty"`
	SubMeters                   []SubMeterLink   `json:"sub_meters,omitempty"`
	CreatedAt                   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time        `db:"updated_at" json:"updated_at"`
}

var (
	ErrDerivedWiring     = errors.New("meter: derived meter needs a reference meter and at least one sub-meter")
	ErrMeasurementWiring = errors.New("meter: measurement meter cannot carry derived wiring")
)

// Validate checks the derived wiring invariant.
func (m *Meter) Validate() error {
	switch m.Type {
	case MeterTypeDerived:
		if m.CalculationReferenceMeterID == "" || len(m.SubMeters) == 0 {
			return ErrDerivedWiring
		}
	default:
		if m.CalculationReferenceMeterID != "" || len(m.SubMeters) > 0 {
			return ErrMeasurementWiring
		}
	}
	return nil
}

// IsDerived reports whether readings are computed rather than taken.
func (m *Meter) IsDerived() bool {
	return m.Type == MeterTypeDerived
}

// FormulaMeterIDs lists the sub-meters followed by the reference meter.
func (m *Meter) FormulaMeterIDs() []string {
	ids := make([]string, 0, len(m.SubMeters)+1)
	for _, sub := range m.SubMeters {
		ids = append(ids, sub.SubMeterID)
	}
	return append(ids, m.CalculationReferenceMeterID)
}
