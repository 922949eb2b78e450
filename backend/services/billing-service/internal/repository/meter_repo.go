package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/models"
)

// MeterRepository reads meters and maintains their cached reading snapshots.
type MeterRepository struct {
	db *sql.DB
}

// NewMeterRepository returns repository.
func NewMeterRepository(db *sql.DB) *MeterRepository {
	return &MeterRepository{db: db}
}

const meterColumns = `
	m.id, m.meter_number, COALESCE(m.area_id::text, ''), COALESCE(a.name, ''), m.location, m.purpose,
	m.type, m.ct_rating, m.ct_multiplier_factor, m.has_max_kwh_reading, m.max_kwh_reading,
	m.current_kwh_reading, m.current_kwh_reading_date, m.current_kwh_consumption,
	m.previous_kwh_reading, m.previous_kwh_reading_date, m.previous_kwh_consumption,
	m.last_bill_kwh_consumption, m.last_bill_amount, m.last_bill_date,
	m.is_active, COALESCE(m.calculation_reference_meter_id::text, ''), m.created_at, m.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type nullSnapshot struct {
	reading     decimal.NullDecimal
	date        sql.NullTime
	consumption decimal.NullDecimal
}

func (n nullSnapshot) value() *models.ReadingSnapshot {
	if !n.date.Valid {
		return nil
	}
	return &models.ReadingSnapshot{
		KwhReading:     n.reading.Decimal,
		Date:           n.date.Time,
		KwhConsumption: n.consumption.Decimal,
	}
}

func scanMeter(row rowScanner) (*models.Meter, error) {
	var (
		m                 models.Meter
		current, previous nullSnapshot
		billConsumption   decimal.NullDecimal
		billAmount        decimal.NullDecimal
		billDate          sql.NullTime
		meterType         string
	)
	if err := row.Scan(
		&m.ID,
		&m.MeterNumber,
		&m.AreaID,
		&m.AreaName,
		&m.Location,
		&m.Purpose,
		&meterType,
		&m.CTRating,
		&m.CTMultiplierFactor,
		&m.HasMaxKwhReading,
		&m.MaxKwhReading,
		&current.reading,
		&current.date,
		&current.consumption,
		&previous.reading,
		&previous.date,
		&previous.consumption,
		&billConsumption,
		&billAmount,
		&billDate,
		&m.IsActive,
		&m.CalculationReferenceMeterID,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Type = models.MeterType(meterType)
	m.Current = current.value()
	m.Previous = previous.value()
	if billDate.Valid {
		m.LastBill = &models.LastBill{
			KwhConsumption: billConsumption.Decimal,
			Amount:         billAmount.Decimal,
			Date:           billDate.Time,
		}
	}
	return &m, nil
}

// GetByID returns a meter with its sub-meter links.
func (r *MeterRepository) GetByID(ctx context.Context, id string) (*models.Meter, error) {
	query := `SELECT ` + meterColumns + `
		FROM meters m
		LEFT JOIN areas a ON a.id = m.area_id
		WHERE m.id = $1 AND m.deleted_at IS NULL`

	meter, err := scanMeter(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := r.attachSubMeters(ctx, []*models.Meter{meter}); err != nil {
		return nil, err
	}
	return meter, nil
}

// List returns meters matching f ordered by meter number.
func (r *MeterRepository) List(ctx context.Context, f MeterFilter) ([]models.Meter, error) {
	var w where
	w.add("m.deleted_at IS NULL")
	if len(f.IDs) > 0 {
		w.add("m.id = ANY(?)", f.IDs)
	}
	if f.AreaID != "" {
		w.add("m.area_id = ?", f.AreaID)
	}
	if f.Type != "" {
		w.add("m.type = ?", string(f.Type))
	}
	if f.DependsOnMeterID != "" {
		w.add("(m.calculation_reference_meter_id = ? OR m.id IN (SELECT meter_id FROM sub_meters WHERE sub_meter_id = ?))",
			f.DependsOnMeterID, f.DependsOnMeterID)
	}
	if f.NotReadBetween != nil {
		w.add("(m.current_kwh_reading_date IS NULL OR m.current_kwh_reading_date NOT BETWEEN ? AND ?)",
			f.NotReadBetween.Start, f.NotReadBetween.End)
	}
	if f.ActiveOnly {
		w.add("m.is_active = TRUE")
	}

	query := `SELECT ` + meterColumns + `
		FROM meters m
		LEFT JOIN areas a ON a.id = m.area_id
		WHERE ` + w.String() + `
		ORDER BY m.meter_number, m.id`
	if f.Limit > 0 {
		query += " LIMIT " + w.arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + w.arg(f.Offset)
	}

	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meters []*models.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, err
		}
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachSubMeters(ctx, meters); err != nil {
		return nil, err
	}

	out := make([]models.Meter, 0, len(meters))
	for _, m := range meters {
		out = append(out, *m)
	}
	return out, nil
}

func (r *MeterRepository) attachSubMeters(ctx context.Context, meters []*models.Meter) error {
	var ids []string
	byID := make(map[string]*models.Meter)
	for _, m := range meters {
		if m.IsDerived() {
			ids = append(ids, m.ID)
			byID[m.ID] = m
		}
	}
	if len(ids) == 0 {
		return nil
	}

	const query = `
		SELECT meter_id, sub_meter_id, operator, position
		FROM sub_meters
		WHERE meter_id = ANY($1)
		ORDER BY meter_id, position
	`
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			link     models.SubMeterLink
			operator string
		)
		if err := rows.Scan(&link.MeterID, &link.SubMeterID, &operator, &link.Position); err != nil {
			return err
		}
		link.Operator = models.Operator(operator)
		if m, ok := byID[link.MeterID]; ok {
			m.SubMeters = append(m.SubMeters, link)
		}
	}
	return rows.Err()
}

func snapshotArgs(s *models.ReadingSnapshot) (interface{}, interface{}, interface{}) {
	if s == nil {
		return nil, nil, nil
	}
	return s.KwhReading, s.Date, s.KwhConsumption
}

// UpdateSnapshot replaces the cached current and previous readings of a meter.
func (r *MeterRepository) UpdateSnapshot(ctx context.Context, meterID string, current, previous *models.ReadingSnapshot) error {
	const query = `
		UPDATE meters SET
			current_kwh_reading = $2,
			current_kwh_reading_date = $3,
			current_kwh_consumption = $4,
			previous_kwh_reading = $5,
			previous_kwh_reading_date = $6,
			previous_kwh_consumption = $7,
			updated_at = NOW()
		WHERE id = $1
	`
	cr, cd, cc := snapshotArgs(current)
	pr, pd, pc := snapshotArgs(previous)
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, query, meterID, cr, cd, cc, pr, pd, pc)
	if err != nil {
		return fmt.Errorf("update meter snapshot: %w", err)
	}
	return expectOne(res)
}

// UpdateLastBill records the latest bill issued for a meter.
func (r *MeterRepository) UpdateLastBill(ctx context.Context, meterID string, bill models.LastBill) error {
	const query = `
		UPDATE meters SET
			last_bill_kwh_consumption = $2,
			last_bill_amount = $3,
			last_bill_date = $4,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, query, meterID, bill.KwhConsumption, bill.Amount, bill.Date)
	if err != nil {
		return fmt.Errorf("update meter last bill: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
