package models

import (
	"time"

	"meterbill/backend/libs/decimal"
)

// TariffType is the scope a tariff version applies to.
type TariffType string

const (
	TariffTypeMeter TariffType = "METER"
	TariffTypeArea  TariffType = "AREA"
)

// FarFuture is the end date of the newest version in a scope.
var FarFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// TariffVersion is a price per kWh valid for [EffectiveFrom, EndDate], both days inclusive.
type TariffVersion struct {
	ID            string          `db:"id" json:"id"`
	Scope         TariffType      `db:"scope" json:"scope"`
	ScopeID       string          `db:"scope_id" json:"scope_id"`
	Tariff        decimal.Decimal `db:"tariff" json:"tariff"`
	EffectiveFrom time.Time       `db:"effective_from" json:"effective_from"`
	EndDate       time.Time       `db:"end_date" json:"end_date"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Covers reports whether the calendar day of at falls inside the version.
func (t *TariffVersion) Covers(at time.Time) bool {
	day := Day(at)
	return !day.Before(Day(t.EffectiveFrom)) && !day.After(Day(t.EndDate))
}

// Snapshot returns the copy stored on priced readings.
func (t *TariffVersion) Snapshot() *TariffSnapshot {
	return &TariffSnapshot{
		TariffID:      t.ID,
		Tariff:        t.Tariff,
		Type:          t.Scope,
		EffectiveFrom: t.EffectiveFrom,
		EndDate:       t.EndDate,
	}
}

// TariffSnapshot is the resolved tariff copied onto a reading.
type TariffSnapshot struct {
	TariffID      string          `json:"tariff_id"`
	Tariff        decimal.Decimal `json:"tariff"`
	Type          TariffType      `json:"tariff_type"`
	EffectiveFrom time.Time       `json:"tariff_effective_date"`
	EndDate       time.Time       `json:"tariff_end_date"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
