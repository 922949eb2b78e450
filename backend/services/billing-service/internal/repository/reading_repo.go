package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/models"
)

// ReadingRepository persists meter readings and their edit audit log.
type ReadingRepository struct {
	db *sql.DB
}

// NewReadingRepository returns repository.
func NewReadingRepository(db *sql.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

const readingColumns = `
	id, meter_id, meter_number, reading_date, kwh_reading, kwh_consumption,
	tariff_id::text, tariff, tariff_type, tariff_effective_date, tariff_end_date,
	amount, meter_image, created_at, updated_at`

func scanReading(row rowScanner) (*models.Reading, error) {
	var (
		r             models.Reading
		tariffID      sql.NullString
		tariff        decimal.NullDecimal
		tariffType    sql.NullString
		effectiveFrom sql.NullTime
		endDate       sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.MeterID,
		&r.MeterNumber,
		&r.ReadingDate,
		&r.KwhReading,
		&r.KwhConsumption,
		&tariffID,
		&tariff,
		&tariffType,
		&effectiveFrom,
		&endDate,
		&r.Amount,
		&r.Image,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if tariffID.Valid && tariff.Valid {
		r.Tariff = &models.TariffSnapshot{
			TariffID:      tariffID.String,
			Tariff:        tariff.Decimal,
			Type:          models.TariffType(tariffType.String),
			EffectiveFrom: effectiveFrom.Time,
			EndDate:       endDate.Time,
		}
	}
	return &r, nil
}

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	defer rows.Close()
	var out []models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func tariffArgs(t *models.TariffSnapshot) []interface{} {
	if t == nil {
		return []interface{}{nil, nil, nil, nil, nil}
	}
	return []interface{}{t.TariffID, t.Tariff, string(t.Type), t.EffectiveFrom, t.EndDate}
}

// Create inserts r, assigning an id when empty.
func (r *ReadingRepository) Create(ctx context.Context, reading *models.Reading) error {
	const query = `
		INSERT INTO meter_readings (
			id, meter_id, meter_number, reading_date, kwh_reading, kwh_consumption,
			tariff_id, tariff, tariff_type, tariff_effective_date, tariff_end_date,
			amount, meter_image, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	if reading.Image == "" {
		reading.Image = models.NoImage
	}
	args := []interface{}{
		reading.ID, reading.MeterID, reading.MeterNumber, reading.ReadingDate,
		reading.KwhReading, reading.KwhConsumption,
	}
	args = append(args, tariffArgs(reading.Tariff)...)
	args = append(args, reading.Amount, reading.Image)

	return libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(&reading.CreatedAt, &reading.UpdatedAt)
}

// GetByID returns one reading.
func (r *ReadingRepository) GetByID(ctx context.Context, id string) (*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE id = $1`
	reading, err := scanReading(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return reading, nil
}

// Update rewrites the values, price and image of an existing reading.
func (r *ReadingRepository) Update(ctx context.Context, reading *models.Reading) error {
	const query = `
		UPDATE meter_readings SET
			reading_date = $2,
			kwh_reading = $3,
			kwh_consumption = $4,
			tariff_id = $5,
			tariff = $6,
			tariff_type = $7,
			tariff_effective_date = $8,
			tariff_end_date = $9,
			amount = $10,
			meter_image = $11,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	args := []interface{}{reading.ID, reading.ReadingDate, reading.KwhReading, reading.KwhConsumption}
	args = append(args, tariffArgs(reading.Tariff)...)
	args = append(args, reading.Amount, reading.Image)

	err := libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(&reading.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateUpdateRecord appends an audit row for an edit.
func (r *ReadingRepository) CreateUpdateRecord(ctx context.Context, u *models.ReadingUpdate) error {
	const query = `
		INSERT INTO meter_reading_updates (
			id, meter_reading_id, reading_date, kwh_reading, kwh_consumption, meter_image,
			previous_kwh_reading, previous_kwh_consumption, previous_kwh_reading_date,
			previous_meter_image, reason, updated_by, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING created_at
	`
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return libdb.Conn(ctx, r.db).QueryRowContext(ctx, query,
		u.ID,
		u.ReadingID,
		u.ReadingDate,
		u.KwhReading,
		u.KwhConsumption,
		u.Image,
		u.PreviousKwhReading,
		u.PreviousKwhConsumption,
		u.PreviousReadingDate,
		u.PreviousImage,
		u.Reason,
		u.UpdatedBy,
	).Scan(&u.CreatedAt)
}

// ListUpdates returns the audit trail of a reading, oldest first.
func (r *ReadingRepository) ListUpdates(ctx context.Context, readingID string) ([]models.ReadingUpdate, error) {
	const query = `
		SELECT id, meter_reading_id, reading_date, kwh_reading, kwh_consumption, meter_image,
			previous_kwh_reading, previous_kwh_consumption, previous_kwh_reading_date,
			previous_meter_image, reason, updated_by, created_at
		FROM meter_reading_updates
		WHERE meter_reading_id = $1
		ORDER BY created_at
	`
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, readingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []models.ReadingUpdate
	for rows.Next() {
		var u models.ReadingUpdate
		if err := rows.Scan(
			&u.ID,
			&u.ReadingID,
			&u.ReadingDate,
			&u.KwhReading,
			&u.KwhConsumption,
			&u.Image,
			&u.PreviousKwhReading,
			&u.PreviousKwhConsumption,
			&u.PreviousReadingDate,
			&u.PreviousImage,
			&u.Reason,
			&u.UpdatedBy,
			&u.CreatedAt,
		); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return updates, nil
}

// Previous returns the reading ordered immediately before reading by
// (reading_date, created_at), or nil when reading is the first.
func (r *ReadingRepository) Previous(ctx context.Context, reading *models.Reading) (*models.Reading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1 AND id <> $2 AND (reading_date, created_at) < ($3, $4)
		ORDER BY reading_date DESC, created_at DESC
		LIMIT 1`
	return r.neighbour(ctx, query, reading)
}

// Next returns the reading ordered immediately after reading, or nil when reading is the latest.
func (r *ReadingRepository) Next(ctx context.Context, reading *models.Reading) (*models.Reading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1 AND id <> $2 AND (reading_date, created_at) > ($3, $4)
		ORDER BY reading_date ASC, created_at ASC
		LIMIT 1`
	return r.neighbour(ctx, query, reading)
}

func (r *ReadingRepository) neighbour(ctx context.Context, query string, reading *models.Reading) (*models.Reading, error) {
	found, err := scanReading(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query,
		reading.MeterID, reading.ID, reading.ReadingDate, reading.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return found, err
}

// Latest returns up to n most recent readings of a meter, newest first.
func (r *ReadingRepository) Latest(ctx context.Context, meterID string, n int) ([]models.Reading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY reading_date DESC, created_at DESC
		LIMIT $2`
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, meterID, n)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// List returns readings of one meter, newest first.
func (r *ReadingRepository) List(ctx context.Context, f ReadingFilter) ([]models.Reading, error) {
	var w where
	w.add("meter_id = ?", f.MeterID)
	if f.From != nil {
		w.add("reading_date >= ?", *f.From)
	}
	if f.To != nil {
		w.add("reading_date <= ?", *f.To)
	}
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE ` + w.String() + `
		ORDER BY reading_date DESC, created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT " + w.arg(limit)
	if f.Offset > 0 {
		query += " OFFSET " + w.arg(f.Offset)
	}

	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// Delete removes one reading.
func (r *ReadingRepository) Delete(ctx context.Context, id string) error {
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM meter_readings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteByDateRange removes a meter's readings dated within [start, end] and returns them.
func (r *ReadingRepository) DeleteByDateRange(ctx context.Context, meterID string, start, end time.Time) ([]models.Reading, error) {
	query := `DELETE FROM meter_readings
		WHERE meter_id = $1 AND reading_date BETWEEN $2 AND $3
		RETURNING ` + readingColumns
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, meterID, start, end)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// TotalConsumptionForMeters sums consumption per meter over [start, end]. Meters
// without readings in the range are absent from the result.
func (r *ReadingRepository) TotalConsumptionForMeters(ctx context.Context, meterIDs []string, start, end time.Time) (map[string]decimal.Decimal, error) {
	const query = `
		SELECT meter_id, SUM(kwh_consumption)
		FROM meter_readings
		WHERE meter_id = ANY($1) AND reading_date BETWEEN $2 AND $3
		GROUP BY meter_id
	`
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, meterIDs, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal, len(meterIDs))
	for rows.Next() {
		var (
			meterID string
			total   decimal.Decimal
		)
		if err := rows.Scan(&meterID, &total); err != nil {
			return nil, err
		}
		totals[meterID] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return totals, nil
}

// Reprice applies tariff t to the readings selected by f and returns how many changed.
func (r *ReadingRepository) Reprice(ctx context.Context, f RepriceFilter, t *models.TariffSnapshot) (int64, error) {
	query, args, err := repriceStatement(f, t)
	if err != nil {
		return 0, err
	}
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reprice readings: %w", err)
	}
	return res.RowsAffected()
}

func repriceStatement(f RepriceFilter, t *models.TariffSnapshot) (string, []interface{}, error) {
	var w where
	set := fmt.Sprintf(`tariff_id = %s, tariff = %s, tariff_type = %s,
		tariff_effective_date = %s, tariff_end_date = %s`,
		w.arg(t.TariffID), w.arg(t.Tariff), w.arg(string(t.Type)), w.arg(t.EffectiveFrom), w.arg(t.EndDate))
	set += ", amount = kwh_consumption * " + w.arg(t.Tariff) + "::numeric, updated_at = NOW()"

	switch {
	case len(f.MeterIDs) > 0:
		w.add("meter_id = ANY(?)", f.MeterIDs)
	case f.AreaID != "":
		w.add("meter_id IN (SELECT id FROM meters WHERE area_id = ?)", f.AreaID)
	default:
		return "", nil, errors.New("repository: reprice needs meter ids or an area")
	}
	w.add("(reading_date AT TIME ZONE 'UTC')::date BETWEEN ?::date AND ?::date", f.From, f.To)
	if f.SkipMeterOverrides {
		w.add("(tariff_type IS NULL OR tariff_type <> ?)", string(models.TariffTypeMeter))
	}
	return `UPDATE meter_readings SET ` + set + ` WHERE ` + w.String(), w.args, nil
}
