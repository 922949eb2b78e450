package repository

import (
	"context"
	"database/sql"
	"time"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/services/billing-service/internal/models"
)

// BillingRepository runs the set-based aggregations behind bill generation.
type BillingRepository struct {
	db *sql.DB
}

// NewBillingRepository returns repository.
func NewBillingRepository(db *sql.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// Breakdowns partitions the readings of the scoped meters dated within
// [start, end] by (meter, tariff). Each segment is anchored on the reading
// preceding its first in-range reading, which may be dated before start.
func (r *BillingRepository) Breakdowns(ctx context.Context, scope BillingScope, start, end time.Time) ([]models.BillBreakdown, error) {
	query, args, err := breakdownsQuery(scope, start, end)
	if err != nil {
		return nil, err
	}
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breakdowns []models.BillBreakdown
	for rows.Next() {
		var b models.BillBreakdown
		if err := rows.Scan(
			&b.MeterID,
			&b.MeterNumber,
			&b.AreaID,
			&b.AreaName,
			&b.Location,
			&b.TariffID,
			&b.FirstReadDate,
			&b.FirstReadKwh,
			&b.LastReadDate,
			&b.LastReadKwh,
			&b.TotalConsumption,
			&b.Tariff,
			&b.TotalAmount,
		); err != nil {
			return nil, err
		}
		breakdowns = append(breakdowns, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return breakdowns, nil
}

// breakdownsQuery windows every scoped reading up to end so LAG sees the anchor
// before start, then keeps only segments of readings dated from start.
func breakdownsQuery(scope BillingScope, start, end time.Time) (string, []interface{}, error) {
	var w where
	if err := scope.apply(&w, "mr"); err != nil {
		return "", nil, err
	}
	w.add("mr.reading_date <= ?", end)
	startArg := w.arg(start)

	query := `
		WITH windowed AS (
			SELECT
				mr.meter_id,
				mr.tariff_id,
				mr.reading_date,
				mr.created_at,
				mr.kwh_reading,
				mr.kwh_consumption,
				mr.tariff,
				mr.amount,
				LAG(mr.kwh_reading, 1, 0::numeric) OVER w AS anchor_kwh,
				LAG(mr.reading_date) OVER w AS anchor_date
			FROM meter_readings mr
			WHERE ` + w.String() + `
			WINDOW w AS (PARTITION BY mr.meter_id ORDER BY mr.reading_date, mr.created_at)
		),
		segments AS (
			SELECT
				meter_id,
				tariff_id,
				(ARRAY_AGG(anchor_kwh ORDER BY reading_date, created_at))[1] AS first_read_kwh,
				(ARRAY_AGG(COALESCE(anchor_date, reading_date) ORDER BY reading_date, created_at))[1] AS first_read_date,
				(ARRAY_AGG(kwh_reading ORDER BY reading_date DESC, created_at DESC))[1] AS last_read_kwh,
				MAX(reading_date) AS last_read_date,
				SUM(kwh_consumption) AS total_consumption,
				MAX(tariff) AS tariff,
				SUM(amount) AS total_amount
			FROM windowed
			WHERE reading_date >= ` + startArg + `
			GROUP BY meter_id, tariff_id
		)
		SELECT
			s.meter_id, m.meter_number, COALESCE(m.area_id::text, ''), COALESCE(a.name, ''), m.location,
			COALESCE(s.tariff_id::text, ''), s.first_read_date, s.first_read_kwh,
			s.last_read_date, s.last_read_kwh, s.total_consumption,
			COALESCE(s.tariff, 0), COALESCE(s.total_amount, 0)
		FROM segments s
		JOIN meters m ON m.id = s.meter_id
		LEFT JOIN areas a ON a.id = m.area_id
		ORDER BY m.meter_number, s.first_read_date`
	return query, w.args, nil
}

// CountUnpriced counts scoped readings within [start, end] that carry no tariff.
func (r *BillingRepository) CountUnpriced(ctx context.Context, scope BillingScope, start, end time.Time) (int, error) {
	query, args, err := countUnpricedQuery(scope, start, end)
	if err != nil {
		return 0, err
	}
	var count int
	if err := libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func countUnpricedQuery(scope BillingScope, start, end time.Time) (string, []interface{}, error) {
	var w where
	if err := scope.apply(&w, "mr"); err != nil {
		return "", nil, err
	}
	w.add("mr.reading_date BETWEEN ? AND ?", start, end)
	w.add("mr.tariff IS NULL")
	return `SELECT COUNT(*) FROM meter_readings mr WHERE ` + w.String(), w.args, nil
}
