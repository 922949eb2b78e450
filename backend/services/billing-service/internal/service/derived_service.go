package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/consumption"
	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/locks"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

const (
	derivedWindow  = 24 * time.Hour
	derivedTimeout = time.Minute
)

// DerivedDeps bundles the collaborators of DerivedService.
type DerivedDeps struct {
	Meters   MeterStore
	Readings ReadingStore
	Tariffs  TariffResolver
	Tx       TxRunner
	Locker   locks.Locker
	Files    FileStore
	Bus      Publisher
	Logger   *zap.Logger
}

// DerivedService keeps derived-meter readings in step with the meters they are computed from.
type DerivedService struct {
	meters   MeterStore
	readings ReadingStore
	tariffs  TariffResolver
	tx       TxRunner
	locker   locks.Locker
	files    FileStore
	bus      Publisher
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewDerivedService returns service instance.
func NewDerivedService(deps DerivedDeps) *DerivedService {
	return &DerivedService{
		meters:   deps.Meters,
		readings: deps.Readings,
		tariffs:  deps.Tariffs,
		tx:       deps.Tx,
		locker:   deps.Locker,
		files:    deps.Files,
		bus:      deps.Bus,
		logger:   deps.Logger,
	}
}

// Trigger recalculates, in the background, every derived meter that uses meterID
// for the 24h window ending at at. Failures are logged.
func (s *DerivedService) Trigger(meterID string, at time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), derivedTimeout)
		defer cancel()
		s.recalculateDependents(ctx, meterID, at)
	}()
}

// Wait blocks until every triggered recalculation has finished.
func (s *DerivedService) Wait() {
	s.wg.Wait()
}

func (s *DerivedService) recalculateDependents(ctx context.Context, meterID string, at time.Time) {
	dependents, err := s.meters.List(ctx, repository.MeterFilter{
		DependsOnMeterID: meterID,
		Type:             models.MeterTypeDerived,
	})
	if err != nil {
		s.logger.Warn("list derived meters", zap.String("meter_id", meterID), zap.Error(err))
		return
	}
	for i := range dependents {
		if _, err := s.Recalculate(ctx, &dependents[i], at); err != nil {
			s.logger.Warn("derived recalculation failed",
				zap.String("derived_meter_id", dependents[i].ID),
				zap.String("trigger_meter_id", meterID),
				zap.Error(err),
			)
		}
	}
}

// Recalculate replaces the derived meter's readings in the 24h window ending at
// windowEnd with one computed reading. It returns nil without writing when any
// meter in the formula has no consumption in the window.
func (s *DerivedService) Recalculate(ctx context.Context, derived *models.Meter, windowEnd time.Time) (*models.Reading, error) {
	if !derived.IsDerived() {
		return nil, invalid("meter %s is not derived", derived.ID)
	}

	unlock, err := s.locker.Lock(ctx, meterLockKey(derived.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	meter, err := s.meters.GetByID(ctx, derived.ID)
	if err != nil {
		return nil, notFound(err, "meter", derived.ID)
	}

	windowStart := windowEnd.Add(-derivedWindow)
	totals, err := s.readings.TotalConsumptionForMeters(ctx, meter.FormulaMeterIDs(), windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	value, ok := consumption.DerivedFromTotals(meter, totals)
	if !ok {
		s.logger.Debug("derived inputs incomplete",
			zap.String("derived_meter_id", meter.ID),
			zap.Time("window_end", windowEnd),
		)
		return nil, nil
	}

	reading := &models.Reading{
		MeterID:        meter.ID,
		MeterNumber:    meter.MeterNumber,
		ReadingDate:    windowEnd,
		KwhReading:     decimal.Zero,
		KwhConsumption: value,
		Image:          models.NoImage,
	}

	var deleted []models.Reading
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		tariff, err := s.tariffs.Resolve(ctx, meter.ID, meter.AreaID, windowEnd)
		if err != nil {
			return err
		}
		reading.ApplyTariff(tariff)

		deleted, err = s.readings.DeleteByDateRange(ctx, meter.ID, windowStart, windowEnd)
		if err != nil {
			return err
		}
		if err := s.readings.Create(ctx, reading); err != nil {
			return err
		}

		current, previous := meter.Current, meter.Previous
		switch {
		case current == nil:
			current, previous = models.SnapshotOf(reading), nil
		case current.Date.After(windowEnd):
			// an older window was recomputed; the snapshot still points at newer readings
			return nil
		case current.Date.Before(windowStart):
			current, previous = models.SnapshotOf(reading), current
		default:
			current = models.SnapshotOf(reading)
		}
		return s.meters.UpdateSnapshot(ctx, meter.ID, current, previous)
	})
	if err != nil {
		return nil, err
	}

	for i := range deleted {
		if deleted[i].HasImage() {
			if err := s.files.Delete(ctx, deleted[i].Image); err != nil {
				s.logger.Warn("delete derived reading image", zap.String("ref", deleted[i].Image), zap.Error(err))
			}
		}
	}

	s.bus.Publish(ctx, events.ReadingChanged{
		Kind:       events.DerivedReadingCalculated,
		Reading:    *reading,
		AreaID:     meter.AreaID,
		OccurredAt: time.Now().UTC(),
	})
	s.logger.Info("derived reading calculated",
		zap.String("derived_meter_id", meter.ID),
		zap.String("kwh_consumption", value.String()),
		zap.Int("replaced", len(deleted)),
	)
	return reading, nil
}

// Sweep recalculates every derived meter whose current reading is older than 24h
// at now, and returns how many produced a reading.
func (s *DerivedService) Sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.meters.List(ctx, repository.MeterFilter{
		Type:           models.MeterTypeDerived,
		ActiveOnly:     true,
		NotReadBetween: &repository.TimeRange{Start: now.Add(-derivedWindow), End: now},
	})
	if err != nil {
		return 0, err
	}

	calculated := 0
	for i := range stale {
		reading, err := s.Recalculate(ctx, &stale[i], now)
		if err != nil {
			s.logger.Warn("derived sweep failed", zap.String("derived_meter_id", stale[i].ID), zap.Error(err))
			continue
		}
		if reading != nil {
			calculated++
		}
	}
	return calculated, nil
}
