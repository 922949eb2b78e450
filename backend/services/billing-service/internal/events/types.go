package events

import (
	"time"

	"meterbill/backend/services/billing-service/internal/models"
)

// Type identifies a domain event.
type Type int

const (
	ReadingRecorded Type = iota
	ReadingEdited
	ReadingDeleted
	DerivedReadingCalculated
	MeterTariffCreated
	MeterTariffUpdated
	AreaTariffCreated
	AreaTariffUpdated
	SingleMeterBillGenerated
	AreaConsolidatedBillGenerated
	CustomerConsolidatedBillGenerated
)

func (t Type) String() string {
	switch t {
	case ReadingRecorded:
		return "reading_recorded"
	case ReadingEdited:
		return "reading_edited"
	case ReadingDeleted:
		return "reading_deleted"
	case DerivedReadingCalculated:
		return "derived_reading_calculated"
	case MeterTariffCreated:
		return "meter_tariff_created"
	case MeterTariffUpdated:
		return "meter_tariff_updated"
	case AreaTariffCreated:
		return "area_tariff_created"
	case AreaTariffUpdated:
		return "area_tariff_updated"
	case SingleMeterBillGenerated:
		return "single_meter_bill_generated"
	case AreaConsolidatedBillGenerated:
		return "area_consolidated_bill_generated"
	case CustomerConsolidatedBillGenerated:
		return "customer_consolidated_bill_generated"
	default:
		return "unknown"
	}
}

// Event is anything published on the bus.
type Event interface {
	EventType() Type
}

// ReadingChanged reports a reading write on a meter.
type ReadingChanged struct {
	Kind       Type           `json:"-"`
	Reading    models.Reading `json:"reading"`
	AreaID     string         `json:"area_id"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (e ReadingChanged) EventType() Type { return e.Kind }

// TariffChanged reports a new tariff version and the one it superseded, if any.
type TariffChanged struct {
	Kind       Type                  `json:"-"`
	Tariff     models.TariffVersion  `json:"tariff"`
	Superseded *models.TariffVersion `json:"superseded,omitempty"`
	Repriced   int64                 `json:"repriced_readings"`
	OccurredAt time.Time             `json:"occurred_at"`
}

func (e TariffChanged) EventType() Type { return e.Kind }

// BillGenerated is emitted once per committed bill.
type BillGenerated struct {
	Kind       Type        `json:"-"`
	Bill       models.Bill `json:"bill"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func (e BillGenerated) EventType() Type { return e.Kind }

// BillEventType maps a bill shape to its event.
func BillEventType(kind models.BillKind) Type {
	switch kind {
	case models.BillAreaConsolidated:
		return AreaConsolidatedBillGenerated
	case models.BillCustomerConsolidated:
		return CustomerConsolidatedBillGenerated
	default:
		return SingleMeterBillGenerated
	}
}
