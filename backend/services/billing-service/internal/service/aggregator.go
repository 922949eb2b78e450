package service

import (
	"context"
	"time"

	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

// Aggregator turns priced readings into per-meter, per-tariff bill line items.
type Aggregator struct {
	billing BillingStore
}

// NewAggregator returns aggregator.
func NewAggregator(billing BillingStore) *Aggregator {
	return &Aggregator{billing: billing}
}

// ForMeter aggregates one meter over [start, end].
func (a *Aggregator) ForMeter(ctx context.Context, meterID string, start, end time.Time) ([]models.BillBreakdown, error) {
	return a.aggregate(ctx, repository.BillingScope{MeterIDs: []string{meterID}}, start, end)
}

// ForArea aggregates every meter of an area over [start, end].
func (a *Aggregator) ForArea(ctx context.Context, areaID string, start, end time.Time) ([]models.BillBreakdown, error) {
	return a.aggregate(ctx, repository.BillingScope{AreaID: areaID}, start, end)
}

// ForMeters aggregates an explicit meter set over [start, end].
func (a *Aggregator) ForMeters(ctx context.Context, meterIDs []string, start, end time.Time) ([]models.BillBreakdown, error) {
	if len(meterIDs) == 0 {
		return nil, invalid("no meters to aggregate")
	}
	return a.aggregate(ctx, repository.BillingScope{MeterIDs: meterIDs}, start, end)
}

func (a *Aggregator) aggregate(ctx context.Context, scope repository.BillingScope, start, end time.Time) ([]models.BillBreakdown, error) {
	if err := a.RequirePriced(ctx, scope, start, end); err != nil {
		return nil, err
	}
	return a.billing.Breakdowns(ctx, scope, start, end)
}

// RequirePriced fails with MissingTariffError when any reading of scope dated in
// [start, end] carries no tariff.
func (a *Aggregator) RequirePriced(ctx context.Context, scope repository.BillingScope, start, end time.Time) error {
	if end.Before(start) {
		return invalid("billing period ends before it starts")
	}
	unpriced, err := a.billing.CountUnpriced(ctx, scope, start, end)
	if err != nil {
		return err
	}
	if unpriced > 0 {
		return &MissingTariffError{Count: unpriced}
	}
	return nil
}
