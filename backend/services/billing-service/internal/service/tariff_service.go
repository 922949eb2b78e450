package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

// TariffService versions meter and area tariffs and resolves the rate in force on a day.
type TariffService struct {
	tariffs  TariffStore
	readings ReadingStore
	meters   MeterStore
	tx       TxRunner
	bus      Publisher
	logger   *zap.Logger
}

// NewTariffService returns service instance.
func NewTariffService(tariffs TariffStore, readings ReadingStore, meters MeterStore, tx TxRunner, bus Publisher, logger *zap.Logger) *TariffService {
	return &TariffService{
		tariffs:  tariffs,
		readings: readings,
		meters:   meters,
		tx:       tx,
		bus:      bus,
		logger:   logger,
	}
}

// CreateMeterTariff schedules a new rate for one meter.
func (s *TariffService) CreateMeterTariff(ctx context.Context, meterID string, tariff decimal.Decimal, effectiveFrom time.Time) (*models.TariffVersion, error) {
	if _, err := s.meters.GetByID(ctx, meterID); err != nil {
		return nil, notFound(err, "meter", meterID)
	}
	return s.create(ctx, models.TariffTypeMeter, meterID, tariff, effectiveFrom)
}

// CreateAreaTariff schedules a new rate for every meter of an area without its own tariff.
func (s *TariffService) CreateAreaTariff(ctx context.Context, areaID string, tariff decimal.Decimal, effectiveFrom time.Time) (*models.TariffVersion, error) {
	return s.create(ctx, models.TariffTypeArea, areaID, tariff, effectiveFrom)
}

func (s *TariffService) create(ctx context.Context, scope models.TariffType, scopeID string, tariff decimal.Decimal, effectiveFrom time.Time) (*models.TariffVersion, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, invalid("%s id is required", strings.ToLower(string(scope)))
	}
	if tariff.IsNegative() {
		return nil, invalid("tariff must not be negative")
	}
	if effectiveFrom.IsZero() {
		return nil, invalid("effective date is required")
	}
	day := models.Day(effectiveFrom)

	var (
		version    *models.TariffVersion
		superseded *models.TariffVersion
		repriced   int64
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.tariffs.LockScope(ctx, scope, scopeID, true); err != nil {
			return err
		}
		latest, err := s.tariffs.Latest(ctx, scope, scopeID)
		if err != nil {
			return err
		}
		if latest != nil {
			if latest.EffectiveFrom.Equal(day) {
				return &DuplicateTariffError{Scope: scope, ScopeID: scopeID, EffectiveFrom: day}
			}
			if latest.EffectiveFrom.After(day) {
				return &NonMonotonicTariffError{Scope: scope, ScopeID: scopeID, EffectiveFrom: day, Latest: latest.EffectiveFrom}
			}
		}

		version = &models.TariffVersion{
			Scope:         scope,
			ScopeID:       scopeID,
			Tariff:        tariff,
			EffectiveFrom: day,
			EndDate:       models.FarFuture,
		}
		if err := s.tariffs.Create(ctx, version); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return &DuplicateTariffError{Scope: scope, ScopeID: scopeID, EffectiveFrom: day}
			}
			return err
		}

		if latest != nil {
			end := day.AddDate(0, 0, -1)
			if err := s.tariffs.UpdateEndDate(ctx, scope, latest.ID, end); err != nil {
				return err
			}
			latest.EndDate = end
			superseded = latest
		}

		filter := repository.RepriceFilter{From: version.EffectiveFrom, To: version.EndDate}
		if scope == models.TariffTypeMeter {
			filter.MeterIDs = []string{scopeID}
		} else {
			filter.AreaID = scopeID
			filter.SkipMeterOverrides = true
		}
		repriced, err = s.readings.Reprice(ctx, filter, version.Snapshot())
		return err
	})
	if err != nil {
		return nil, err
	}

	kind := events.MeterTariffCreated
	switch {
	case scope == models.TariffTypeMeter && superseded != nil:
		kind = events.MeterTariffUpdated
	case scope == models.TariffTypeArea && superseded == nil:
		kind = events.AreaTariffCreated
	case scope == models.TariffTypeArea:
		kind = events.AreaTariffUpdated
	}
	s.bus.Publish(ctx, events.TariffChanged{
		Kind:       kind,
		Tariff:     *version,
		Superseded: superseded,
		Repriced:   repriced,
		OccurredAt: time.Now().UTC(),
	})

	s.logger.Info("tariff version created",
		zap.String("scope", string(scope)),
		zap.String("scope_id", scopeID),
		zap.String("tariff", tariff.String()),
		zap.Time("effective_from", day),
		zap.Int64("repriced_readings", repriced),
	)
	return version, nil
}

// Resolve returns the meter tariff covering at, else the area tariff, else nil.
// Each scope is share-locked before it is read, so a concurrent tariff write on
// that scope either commits first or waits for the caller's transaction.
func (s *TariffService) Resolve(ctx context.Context, meterID, areaID string, at time.Time) (*models.TariffSnapshot, error) {
	if meterID != "" {
		t, err := s.covering(ctx, models.TariffTypeMeter, meterID, at)
		if err != nil || t != nil {
			return t, err
		}
	}
	if areaID != "" {
		return s.covering(ctx, models.TariffTypeArea, areaID, at)
	}
	return nil, nil
}

func (s *TariffService) covering(ctx context.Context, scope models.TariffType, scopeID string, at time.Time) (*models.TariffSnapshot, error) {
	if err := s.tariffs.LockScope(ctx, scope, scopeID, false); err != nil {
		return nil, err
	}
	t, err := s.tariffs.Covering(ctx, scope, scopeID, at)
	if err != nil || t == nil {
		return nil, err
	}
	return t.Snapshot(), nil
}

// ResolveForMeter looks up the meter's area and resolves its tariff at a date.
func (s *TariffService) ResolveForMeter(ctx context.Context, meterID string, at time.Time) (*models.TariffSnapshot, error) {
	meter, err := s.meters.GetByID(ctx, meterID)
	if err != nil {
		return nil, notFound(err, "meter", meterID)
	}
	return s.Resolve(ctx, meter.ID, meter.AreaID, at)
}

// ListMeterTariffs returns the version history of a meter, newest first.
func (s *TariffService) ListMeterTariffs(ctx context.Context, meterID string) ([]models.TariffVersion, error) {
	return s.tariffs.List(ctx, models.TariffTypeMeter, meterID)
}

// ListAreaTariffs returns the version history of an area, newest first.
func (s *TariffService) ListAreaTariffs(ctx context.Context, areaID string) ([]models.TariffVersion, error) {
	return s.tariffs.List(ctx, models.TariffTypeArea, areaID)
}
