package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"meterbill/backend/services/billing-service/internal/models"
)

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("repository: duplicate")
)

const uniqueViolation = "23505"

func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// TimeRange is a closed interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// MeterFilter selects meters. Zero fields do not constrain the result.
type MeterFilter struct {
	IDs    []string
	AreaID string
	Type   models.MeterType
	// DependsOnMeterID matches derived meters using the meter as reference or sub-meter.
	DependsOnMeterID string
	// NotReadBetween matches meters whose current reading is missing or outside the range.
	NotReadBetween *TimeRange
	ActiveOnly     bool
	Limit          int
	Offset         int
}

// ReadingFilter selects readings of one meter.
type ReadingFilter struct {
	MeterID string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

// RequestFilter selects bill generation requests, newest first.
type RequestFilter struct {
	RequestedByUserID string
	Status            models.RequestStatus
	Limit             int
	Offset            int
}

// RepriceFilter selects readings to re-price after a tariff change.
type RepriceFilter struct {
	MeterIDs []string
	AreaID   string
	From     time.Time
	To       time.Time
	// SkipMeterOverrides leaves readings priced by a meter-level tariff untouched.
	SkipMeterOverrides bool
}

// BillingScope selects the meters a billing aggregation covers.
type BillingScope struct {
	MeterIDs []string
	AreaID   string
}

// where collects AND-ed predicates with "?" placeholders numbered on the fly.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, args ...interface{}) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

// arg appends a positional argument outside any clause and returns its placeholder.
func (w *where) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(w.clauses, " AND ")
}

func (s BillingScope) apply(w *where, alias string) error {
	switch {
	case len(s.MeterIDs) > 0:
		w.add(alias+".meter_id = ANY(?)", s.MeterIDs)
	case s.AreaID != "":
		w.add(alias+".meter_id IN (SELECT id FROM meters WHERE area_id = ? AND deleted_at IS NULL)", s.AreaID)
	default:
		return errors.New("repository: billing scope needs meter ids or an area")
	}
	return nil
}
