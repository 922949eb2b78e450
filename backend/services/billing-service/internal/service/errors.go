package service

import (
	"errors"
	"fmt"
	"time"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/consumption"
	"meterbill/backend/services/billing-service/internal/models"
)

// ErrValidation marks malformed input rejected before any store access.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundError is returned when a meter, reading, tariff or request does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InvalidReadingError is returned when a meter without rollover reports a lower value.
type InvalidReadingError struct {
	MeterID  string
	Current  decimal.Decimal
	Previous decimal.Decimal
}

func (e *InvalidReadingError) Error() string {
	return fmt.Sprintf("meter %s: reading %s is below previous reading %s", e.MeterID, e.Current, e.Previous)
}

func (e *InvalidReadingError) Unwrap() error { return consumption.ErrInvalidReading }

// OutOfOrderReadingError is returned when a reading date precedes the meter timeline.
type OutOfOrderReadingError struct {
	MeterID     string
	ReadingDate time.Time
	Boundary    time.Time
}

func (e *OutOfOrderReadingError) Error() string {
	return fmt.Sprintf("meter %s: reading date %s is out of order (boundary %s)",
		e.MeterID, e.ReadingDate.Format(time.RFC3339), e.Boundary.Format(time.RFC3339))
}

// EditWindowExceededError is returned when a reading older than the editable window is changed.
type EditWindowExceededError struct {
	ReadingID string
}

func (e *EditWindowExceededError) Error() string {
	return fmt.Sprintf("reading %s is outside the editable window", e.ReadingID)
}

// DuplicateTariffError is returned when a scope already has a version starting on the same day.
type DuplicateTariffError struct {
	Scope         models.TariffType
	ScopeID       string
	EffectiveFrom time.Time
}

func (e *DuplicateTariffError) Error() string {
	return fmt.Sprintf("%s tariff for %s effective %s already exists",
		e.Scope, e.ScopeID, e.EffectiveFrom.Format(dateLayout))
}

// NonMonotonicTariffError is returned when a version would start before the latest one.
type NonMonotonicTariffError struct {
	Scope         models.TariffType
	ScopeID       string
	EffectiveFrom time.Time
	Latest        time.Time
}

func (e *NonMonotonicTariffError) Error() string {
	return fmt.Sprintf("%s tariff for %s effective %s precedes latest version effective %s",
		e.Scope, e.ScopeID, e.EffectiveFrom.Format(dateLayout), e.Latest.Format(dateLayout))
}

// MissingTariffError is returned when a billing range holds unpriced readings.
type MissingTariffError struct {
	Count int
}

func (e *MissingTariffError) Error() string {
	return fmt.Sprintf("%d readings in range have no tariff", e.Count)
}

// DuplicateRequestError is returned when an x-request-id was already submitted.
type DuplicateRequestError struct {
	XRequestID string
	RequestID  string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("bill request %q already submitted as %s", e.XRequestID, e.RequestID)
}

// ProcessingError wraps whatever failed a bill generation request.
type ProcessingError struct {
	RequestID string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("bill request %s failed: %v", e.RequestID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

const dateLayout = "2006-01-02"
