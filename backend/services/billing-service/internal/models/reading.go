package models

import (
	"time"

	"meterbill/backend/libs/decimal"
)

// NoImage marks readings without a photo, such as derived-meter readings.
const NoImage = "N/A"

// Reading is one kWh register value with its computed consumption and price.
type Reading struct {
	ID             string              `db:"id" json:"id"`
	MeterID        string              `db:"meter_id" json:"meter_id"`
	MeterNumber    string              `db:"meter_number" json:"meter_number"`
	ReadingDate    time.Time           `db:"reading_date" json:"reading_date"`
	KwhReading     decimal.Decimal     `db:"kwh_reading" json:"kwh_reading"`
	KwhConsumption decimal.Decimal     `db:"kwh_consumption" json:"kwh_consumption"`
	Tariff         *TariffSnapshot     `json:"tariff,omitempty"`
	Amount         decimal.NullDecimal `db:"amount" json:"amount"`
	Image          string              `db:"meter_image" json:"meter_image"`
	ImageURL       string              `json:"meter_image_url,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
}

// ApplyTariff prices the reading. A nil tariff leaves it unpriced.
func (r *Reading) ApplyTariff(t *TariffSnapshot) {
	r.Tariff = t
	if t == nil {
		r.Amount = decimal.NullDecimal{}
		return
	}
	r.Amount = decimal.Some(r.KwhConsumption.Mul(t.Tariff))
}

// HasImage reports whether the reading references a stored photo.
func (r *Reading) HasImage() bool {
	return r.Image != "" && r.Image != NoImage
}

// ReadingUpdate is the audit row written for every edit.
type ReadingUpdate struct {
	ID                     string          `db:"id" json:"id"`
	ReadingID              string          `db:"meter_reading_id" json:"meter_reading_id"`
	ReadingDate            time.Time       `db:"reading_date" json:"reading_date"`
	KwhReading             decimal.Decimal `db:"kwh_reading" json:"kwh_reading"`
	KwhConsumption         decimal.Decimal `db:"kwh_consumption" json:"kwh_consumption"`
	Image                  string          `db:"meter_image" json:"meter_image"`
	PreviousKwhReading     decimal.Decimal `db:"previous_kwh_reading" json:"previous_kwh_reading"`
	PreviousKwhConsumption decimal.Decimal `db:"previous_kwh_consumption" json:"previous_kwh_consumption"`
	PreviousReadingDate    time.Time       `db:"previous_kwh_reading_date" json:"previous_kwh_reading_date"`
	PreviousImage          string          `db:"previous_meter_image" json:"previous_meter_image"`
	Reason                 string          `db:"reason" json:"reason"`
	UpdatedBy              string          `db:"updated_by" json:"updated_by"`
	CreatedAt              time.Time       `db:"created_at" json:"created_at"`
}
