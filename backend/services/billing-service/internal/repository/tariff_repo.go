package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/services/billing-service/internal/models"
)

// TariffRepository stores tariff versions. Meter and area scopes live in
// separate tables with the same shape.
type TariffRepository struct {
	db *sql.DB
}

// NewTariffRepository returns repository.
func NewTariffRepository(db *sql.DB) *TariffRepository {
	return &TariffRepository{db: db}
}

func tariffTable(scope models.TariffType) (table, column string, err error) {
	switch scope {
	case models.TariffTypeMeter:
		return "meter_tariffs", "meter_id", nil
	case models.TariffTypeArea:
		return "area_tariffs", "area_id", nil
	default:
		return "", "", fmt.Errorf("repository: unknown tariff scope %q", scope)
	}
}

func scanTariff(row rowScanner, scope models.TariffType) (*models.TariffVersion, error) {
	t := models.TariffVersion{Scope: scope}
	if err := row.Scan(
		&t.ID,
		&t.ScopeID,
		&t.Tariff,
		&t.EffectiveFrom,
		&t.EndDate,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.EffectiveFrom = models.Day(t.EffectiveFrom)
	t.EndDate = models.Day(t.EndDate)
	return &t, nil
}

// Create inserts a new version.
func (r *TariffRepository) Create(ctx context.Context, t *models.TariffVersion) error {
	table, column, err := tariffTable(t.Scope)
	if err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, %s, tariff, effective_from, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4::date, $5::date, NOW(), NOW())
		RETURNING created_at, updated_at`, table, column)

	err = libdb.Conn(ctx, r.db).QueryRowContext(ctx, query,
		t.ID, t.ScopeID, t.Tariff, t.EffectiveFrom, t.EndDate,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mapInsertError(err)
	}
	return nil
}

// Latest returns the version with the greatest effective date, or nil when
// the scope has none. It locks the row inside a transaction.
func (r *TariffRepository) Latest(ctx context.Context, scope models.TariffType, scopeID string) (*models.TariffVersion, error) {
	table, column, err := tariffTable(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, %[2]s, tariff, effective_from, end_date, created_at, updated_at
		FROM %[1]s
		WHERE %[2]s = $1
		ORDER BY effective_from DESC
		LIMIT 1`, table, column)
	if _, inTx := libdb.Conn(ctx, r.db).(*sql.Tx); inTx {
		query += " FOR UPDATE"
	}

	t, err := scanTariff(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, scopeID), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// LockScope takes a transaction-scoped advisory lock on a tariff scope: exclusive
// for writers of the scope, shared for transactions pricing readings against it.
// Outside a transaction it does nothing.
func (r *TariffRepository) LockScope(ctx context.Context, scope models.TariffType, scopeID string, exclusive bool) error {
	conn := libdb.Conn(ctx, r.db)
	if _, inTx := conn.(*sql.Tx); !inTx {
		return nil
	}
	if _, _, err := tariffTable(scope); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, scopeLockQuery(exclusive), scopeLockKey(scope, scopeID)); err != nil {
		return fmt.Errorf("lock %s tariff scope %s: %w", scope, scopeID, err)
	}
	return nil
}

func scopeLockQuery(exclusive bool) string {
	if exclusive {
		return `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	}
	return `SELECT pg_advisory_xact_lock_shared(hashtextextended($1, 0))`
}

func scopeLockKey(scope models.TariffType, scopeID string) string {
	return "tariff:" + string(scope) + ":" + scopeID
}

// Covering returns the version whose interval includes day, or nil.
func (r *TariffRepository) Covering(ctx context.Context, scope models.TariffType, scopeID string, day time.Time) (*models.TariffVersion, error) {
	table, column, err := tariffTable(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, %[2]s, tariff, effective_from, end_date, created_at, updated_at
		FROM %[1]s
		WHERE %[2]s = $1 AND $2::date BETWEEN effective_from AND end_date
		ORDER BY effective_from DESC
		LIMIT 1`, table, column)

	t, err := scanTariff(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, scopeID, models.Day(day)), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UpdateEndDate moves the end of a version.
func (r *TariffRepository) UpdateEndDate(ctx context.Context, scope models.TariffType, id string, end time.Time) error {
	table, _, err := tariffTable(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET end_date = $2::date, updated_at = NOW() WHERE id = $1`, table)
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, query, id, models.Day(end))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// List returns the version history of a scope, newest first.
func (r *TariffRepository) List(ctx context.Context, scope models.TariffType, scopeID string) ([]models.TariffVersion, error) {
	table, column, err := tariffTable(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, %[2]s, tariff, effective_from, end_date, created_at, updated_at
		FROM %[1]s
		WHERE %[2]s = $1
		ORDER BY effective_from DESC`, table, column)

	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.TariffVersion
	for rows.Next() {
		t, err := scanTariff(rows, scope)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}
