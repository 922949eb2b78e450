package service

import (
	"context"
	"errors"
	"time"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

// MeterStore reads meters and writes their cached snapshots.
type MeterStore interface {
	GetByID(ctx context.Context, id string) (*models.Meter, error)
	List(ctx context.Context, f repository.MeterFilter) ([]models.Meter, error)
	UpdateSnapshot(ctx context.Context, meterID string, current, previous *models.ReadingSnapshot) error
	UpdateLastBill(ctx context.Context, meterID string, bill models.LastBill) error
}

// ReadingStore is the per-meter reading timeline.
type ReadingStore interface {
	Create(ctx context.Context, r *models.Reading) error
	GetByID(ctx context.Context, id string) (*models.Reading, error)
	Update(ctx context.Context, r *models.Reading) error
	CreateUpdateRecord(ctx context.Context, u *models.ReadingUpdate) error
	ListUpdates(ctx context.Context, readingID string) ([]models.ReadingUpdate, error)
	Previous(ctx context.Context, r *models.Reading) (*models.Reading, error)
	Next(ctx context.Context, r *models.Reading) (*models.Reading, error)
	Latest(ctx context.Context, meterID string, n int) ([]models.Reading, error)
	List(ctx context.Context, f repository.ReadingFilter) ([]models.Reading, error)
	Delete(ctx context.Context, id string) error
	DeleteByDateRange(ctx context.Context, meterID string, start, end time.Time) ([]models.Reading, error)
	TotalConsumptionForMeters(ctx context.Context, meterIDs []string, start, end time.Time) (map[string]decimal.Decimal, error)
	Reprice(ctx context.Context, f repository.RepriceFilter, t *models.TariffSnapshot) (int64, error)
}

// TariffStore keeps meter and area tariff versions.
type TariffStore interface {
	Create(ctx context.Context, t *models.TariffVersion) error
	Latest(ctx context.Context, scope models.TariffType, scopeID string) (*models.TariffVersion, error)
	Covering(ctx context.Context, scope models.TariffType, scopeID string, day time.Time) (*models.TariffVersion, error)
	UpdateEndDate(ctx context.Context, scope models.TariffType, id string, end time.Time) error
	List(ctx context.Context, scope models.TariffType, scopeID string) ([]models.TariffVersion, error)
	LockScope(ctx context.Context, scope models.TariffType, scopeID string, exclusive bool) error
}

// BillingStore aggregates priced readings into bill line items.
type BillingStore interface {
	Breakdowns(ctx context.Context, scope repository.BillingScope, start, end time.Time) ([]models.BillBreakdown, error)
	CountUnpriced(ctx context.Context, scope repository.BillingScope, start, end time.Time) (int, error)
}

// BillStore persists requests and bills.
type BillStore interface {
	CreateRequest(ctx context.Context, req *models.BillGenerationRequest) error
	GetRequest(ctx context.Context, id string) (*models.BillGenerationRequest, error)
	GetRequestByXRequestID(ctx context.Context, xRequestID string) (*models.BillGenerationRequest, error)
	ListRequests(ctx context.Context, f repository.RequestFilter) ([]models.BillGenerationRequest, error)
	ClaimRequest(ctx context.Context, id string) (bool, error)
	FinishRequest(ctx context.Context, id string, status models.RequestStatus, note string) error
	CreateBill(ctx context.Context, bill *models.Bill) error
	ListBills(ctx context.Context, requestID string) ([]models.Bill, error)
	GetBill(ctx context.Context, id string) (*models.Bill, error)
}

// InvoiceSequencer atomically increments the per-day invoice counter.
type InvoiceSequencer interface {
	Next(ctx context.Context, day time.Time) (int, error)
}

// RecipientDirectory resolves who a bill is addressed to.
type RecipientDirectory interface {
	MeterCustomers(ctx context.Context, meterID string) ([]models.BillRecipient, error)
	AreaLeaders(ctx context.Context, areaID string) ([]models.BillRecipient, error)
	Customer(ctx context.Context, customerID string) (*models.BillRecipient, error)
	CustomerMeterIDs(ctx context.Context, customerID string) ([]string, error)
	AreaName(ctx context.Context, areaID string) (string, error)
}

// TxRunner runs fn in one transaction carried by ctx.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

// FileStore keeps meter photos and rendered bills.
type FileStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, ref string) error
	SignedURL(ref string) (string, error)
}

// PDFRenderer turns a template and its data into a document and reports its content type.
type PDFRenderer interface {
	Render(ctx context.Context, template string, data interface{}) ([]byte, string, error)
}

// JobEnqueuer submits work to a named queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

// TariffResolver prices consumption at a point in time. Called inside a
// transaction it holds the scopes it read until commit.
type TariffResolver interface {
	Resolve(ctx context.Context, meterID, areaID string, at time.Time) (*models.TariffSnapshot, error)
}

// DerivedTrigger schedules recalculation of derived meters depending on a meter.
type DerivedTrigger interface {
	Trigger(meterID string, at time.Time)
}

func meterLockKey(meterID string) string {
	return "meter:" + meterID
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}
