package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/consumption"
	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/locks"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

// editableReadings is how many of a meter's newest readings may still be edited.
const editableReadings = 2

// ReadingDeps bundles the collaborators of ReadingService.
type ReadingDeps struct {
	Meters   MeterStore
	Readings ReadingStore
	Tariffs  TariffResolver
	Tx       TxRunner
	Locker   locks.Locker
	Files    FileStore
	Bus      Publisher
	Derived  DerivedTrigger
	Logger   *zap.Logger
}

// ReadingService records, edits and deletes readings of measurement meters.
type ReadingService struct {
	meters   MeterStore
	readings ReadingStore
	tariffs  TariffResolver
	tx       TxRunner
	locker   locks.Locker
	files    FileStore
	bus      Publisher
	derived  DerivedTrigger
	logger   *zap.Logger
}

// NewReadingService returns service instance.
func NewReadingService(deps ReadingDeps) *ReadingService {
	return &ReadingService{
		meters:   deps.Meters,
		readings: deps.Readings,
		tariffs:  deps.Tariffs,
		tx:       deps.Tx,
		locker:   deps.Locker,
		files:    deps.Files,
		bus:      deps.Bus,
		derived:  deps.Derived,
		logger:   deps.Logger,
	}
}

// CreateReadingInput is a new register value for a meter.
type CreateReadingInput struct {
	MeterID          string
	ReadingDate      time.Time
	KwhReading       decimal.Decimal
	Image            []byte
	ImageContentType string
}

// EditReadingInput replaces the values of a reading. A nil date keeps the current one.
type EditReadingInput struct {
	KwhReading       decimal.Decimal
	ReadingDate      *time.Time
	Image            []byte
	ImageContentType string
}

// CreateReading appends a reading to the meter timeline and moves its snapshot forward.
func (s *ReadingService) CreateReading(ctx context.Context, input CreateReadingInput) (*models.Reading, error) {
	if input.MeterID == "" {
		return nil, invalid("meter id is required")
	}
	if input.ReadingDate.IsZero() {
		return nil, invalid("reading date is required")
	}
	if input.KwhReading.IsNegative() {
		return nil, invalid("kwh reading must not be negative")
	}

	unlock, err := s.locker.Lock(ctx, meterLockKey(input.MeterID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	meter, err := s.meters.GetByID(ctx, input.MeterID)
	if err != nil {
		return nil, notFound(err, "meter", input.MeterID)
	}
	if meter.IsDerived() {
		return nil, invalid("meter %s is derived; its readings are calculated", meter.ID)
	}
	if !meter.IsActive {
		return nil, invalid("meter %s is inactive", meter.ID)
	}

	previous := decimal.Zero
	if meter.Current != nil {
		if input.ReadingDate.Before(meter.Current.Date) {
			return nil, &OutOfOrderReadingError{MeterID: meter.ID, ReadingDate: input.ReadingDate, Boundary: meter.Current.Date}
		}
		previous = meter.Current.KwhReading
	}

	used, err := s.measure(meter, input.KwhReading, previous)
	if err != nil {
		return nil, err
	}

	reading := &models.Reading{
		MeterID:        meter.ID,
		MeterNumber:    meter.MeterNumber,
		ReadingDate:    input.ReadingDate,
		KwhReading:     input.KwhReading,
		KwhConsumption: used,
		Image:          models.NoImage,
	}

	if len(input.Image) > 0 {
		ref, err := s.files.Store(ctx, input.Image, input.ImageContentType)
		if err != nil {
			return nil, err
		}
		reading.Image = ref
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		tariff, err := s.tariffs.Resolve(ctx, meter.ID, meter.AreaID, input.ReadingDate)
		if err != nil {
			return err
		}
		reading.ApplyTariff(tariff)
		if err := s.readings.Create(ctx, reading); err != nil {
			return err
		}
		return s.meters.UpdateSnapshot(ctx, meter.ID, models.SnapshotOf(reading), meter.Current)
	})
	if err != nil {
		s.discardImage(ctx, reading)
		return nil, err
	}

	s.publish(ctx, events.ReadingRecorded, reading, meter.AreaID)
	s.derived.Trigger(meter.ID, reading.ReadingDate)

	s.logger.Info("reading recorded",
		zap.String("meter_id", meter.ID),
		zap.String("reading_id", reading.ID),
		zap.String("kwh_consumption", used.String()),
	)
	return reading, nil
}

// EditReading rewrites one of the two newest readings of a meter, recomputes the
// reading after it and records an audit row. Nothing is written when any check fails.
func (s *ReadingService) EditReading(ctx context.Context, id string, input EditReadingInput, reason, actor string) (*models.Reading, error) {
	if reason == "" {
		return nil, invalid("reason is required")
	}
	if input.KwhReading.IsNegative() {
		return nil, invalid("kwh reading must not be negative")
	}

	original, err := s.readings.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "reading", id)
	}

	unlock, err := s.locker.Lock(ctx, meterLockKey(original.MeterID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// reload under the lock
	original, err = s.readings.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "reading", id)
	}
	meter, err := s.meters.GetByID(ctx, original.MeterID)
	if err != nil {
		return nil, notFound(err, "meter", original.MeterID)
	}
	if meter.IsDerived() {
		return nil, invalid("meter %s is derived; its readings are calculated", meter.ID)
	}

	latest, err := s.readings.Latest(ctx, meter.ID, editableReadings)
	if err != nil {
		return nil, err
	}
	if !containsReading(latest, id) {
		return nil, &EditWindowExceededError{ReadingID: id}
	}

	prev, err := s.readings.Previous(ctx, original)
	if err != nil {
		return nil, err
	}
	next, err := s.readings.Next(ctx, original)
	if err != nil {
		return nil, err
	}

	date := original.ReadingDate
	if input.ReadingDate != nil {
		date = *input.ReadingDate
	}
	if prev != nil && date.Before(prev.ReadingDate) {
		return nil, &OutOfOrderReadingError{MeterID: meter.ID, ReadingDate: date, Boundary: prev.ReadingDate}
	}
	if next != nil && date.After(next.ReadingDate) {
		return nil, &OutOfOrderReadingError{MeterID: meter.ID, ReadingDate: date, Boundary: next.ReadingDate}
	}

	basis := decimal.Zero
	if prev != nil {
		basis = prev.KwhReading
	}
	used, err := s.measure(meter, input.KwhReading, basis)
	if err != nil {
		return nil, err
	}

	updated := *original
	updated.ReadingDate = date
	updated.KwhReading = input.KwhReading
	updated.KwhConsumption = used

	var nextUpdated *models.Reading
	if next != nil {
		nextUsed, err := s.measure(meter, next.KwhReading, input.KwhReading)
		if err != nil {
			return nil, err
		}
		n := *next
		n.KwhConsumption = nextUsed
		nextUpdated = &n
	}

	if len(input.Image) > 0 {
		ref, err := s.files.Store(ctx, input.Image, input.ImageContentType)
		if err != nil {
			return nil, err
		}
		updated.Image = ref
	}

	audit := &models.ReadingUpdate{
		ReadingID:              original.ID,
		ReadingDate:            updated.ReadingDate,
		KwhReading:             updated.KwhReading,
		KwhConsumption:         updated.KwhConsumption,
		Image:                  updated.Image,
		PreviousKwhReading:     original.KwhReading,
		PreviousKwhConsumption: original.KwhConsumption,
		PreviousReadingDate:    original.ReadingDate,
		PreviousImage:          original.Image,
		Reason:                 reason,
		UpdatedBy:              actor,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		tariff, err := s.tariffs.Resolve(ctx, meter.ID, meter.AreaID, updated.ReadingDate)
		if err != nil {
			return err
		}
		updated.ApplyTariff(tariff)
		if nextUpdated != nil {
			tariff, err := s.tariffs.Resolve(ctx, meter.ID, meter.AreaID, nextUpdated.ReadingDate)
			if err != nil {
				return err
			}
			nextUpdated.ApplyTariff(tariff)
		}

		if err := s.readings.Update(ctx, &updated); err != nil {
			return err
		}
		if err := s.readings.CreateUpdateRecord(ctx, audit); err != nil {
			return err
		}
		if nextUpdated == nil {
			return s.meters.UpdateSnapshot(ctx, meter.ID, models.SnapshotOf(&updated), models.SnapshotOf(prev))
		}
		if err := s.readings.Update(ctx, nextUpdated); err != nil {
			return err
		}
		return s.meters.UpdateSnapshot(ctx, meter.ID, models.SnapshotOf(nextUpdated), models.SnapshotOf(&updated))
	})
	if err != nil {
		if updated.Image != original.Image {
			s.discardImage(ctx, &updated)
		}
		return nil, err
	}
	if updated.Image != original.Image {
		s.discardImage(ctx, original)
	}

	s.publish(ctx, events.ReadingEdited, &updated, meter.AreaID)
	s.derived.Trigger(meter.ID, updated.ReadingDate)
	if nextUpdated != nil {
		s.publish(ctx, events.ReadingEdited, nextUpdated, meter.AreaID)
		s.derived.Trigger(meter.ID, nextUpdated.ReadingDate)
	}

	s.logger.Info("reading edited",
		zap.String("meter_id", meter.ID),
		zap.String("reading_id", updated.ID),
		zap.String("updated_by", actor),
		zap.Bool("cascaded", nextUpdated != nil),
	)
	return &updated, nil
}

// DeleteReading removes the newest reading of a meter and restores its snapshot
// from the readings before it.
func (s *ReadingService) DeleteReading(ctx context.Context, id, actor string) error {
	reading, err := s.readings.GetByID(ctx, id)
	if err != nil {
		return notFound(err, "reading", id)
	}

	unlock, err := s.locker.Lock(ctx, meterLockKey(reading.MeterID))
	if err != nil {
		return err
	}
	defer unlock()

	meter, err := s.meters.GetByID(ctx, reading.MeterID)
	if err != nil {
		return notFound(err, "meter", reading.MeterID)
	}
	if meter.IsDerived() {
		return invalid("meter %s is derived; its readings are calculated", meter.ID)
	}

	latest, err := s.readings.Latest(ctx, meter.ID, 3)
	if err != nil {
		return err
	}
	if len(latest) == 0 || latest[0].ID != id {
		return &EditWindowExceededError{ReadingID: id}
	}
	reading = &latest[0]

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.readings.Delete(ctx, id); err != nil {
			return err
		}
		return s.meters.UpdateSnapshot(ctx, meter.ID, snapshotAt(latest, 1), snapshotAt(latest, 2))
	})
	if err != nil {
		return notFound(err, "reading", id)
	}
	s.discardImage(ctx, reading)

	s.publish(ctx, events.ReadingDeleted, reading, meter.AreaID)
	s.derived.Trigger(meter.ID, reading.ReadingDate)

	s.logger.Info("reading deleted",
		zap.String("meter_id", meter.ID),
		zap.String("reading_id", id),
		zap.String("deleted_by", actor),
	)
	return nil
}

// ReadingHistory returns the edit audit trail of a reading, oldest first.
func (s *ReadingService) ReadingHistory(ctx context.Context, id string) ([]models.ReadingUpdate, error) {
	if _, err := s.readings.GetByID(ctx, id); err != nil {
		return nil, notFound(err, "reading", id)
	}
	return s.readings.ListUpdates(ctx, id)
}

// ListReadings returns a page of a meter's readings, newest first, with signed image URLs.
func (s *ReadingService) ListReadings(ctx context.Context, f repository.ReadingFilter) ([]models.Reading, error) {
	if _, err := s.meters.GetByID(ctx, f.MeterID); err != nil {
		return nil, notFound(err, "meter", f.MeterID)
	}
	readings, err := s.readings.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		if !readings[i].HasImage() {
			continue
		}
		url, err := s.files.SignedURL(readings[i].Image)
		if err != nil {
			s.logger.Warn("sign reading image", zap.String("reading_id", readings[i].ID), zap.Error(err))
			continue
		}
		readings[i].ImageURL = url
	}
	return readings, nil
}

func (s *ReadingService) measure(meter *models.Meter, current, previous decimal.Decimal) (decimal.Decimal, error) {
	used, err := consumption.ForMeter(meter, current, previous)
	if errors.Is(err, consumption.ErrInvalidReading) {
		return decimal.Zero, &InvalidReadingError{MeterID: meter.ID, Current: current, Previous: previous}
	}
	return used, err
}

func (s *ReadingService) publish(ctx context.Context, kind events.Type, r *models.Reading, areaID string) {
	s.bus.Publish(ctx, events.ReadingChanged{
		Kind:       kind,
		Reading:    *r,
		AreaID:     areaID,
		OccurredAt: time.Now().UTC(),
	})
}

func (s *ReadingService) discardImage(ctx context.Context, r *models.Reading) {
	if !r.HasImage() {
		return
	}
	if err := s.files.Delete(ctx, r.Image); err != nil {
		s.logger.Warn("delete reading image", zap.String("ref", r.Image), zap.Error(err))
	}
}

func containsReading(readings []models.Reading, id string) bool {
	for _, r := range readings {
		if r.ID == id {
			return true
		}
	}
	return false
}

func snapshotAt(readings []models.Reading, i int) *models.ReadingSnapshot {
	if i >= len(readings) {
		return nil
	}
	return models.SnapshotOf(&readings[i])
}
