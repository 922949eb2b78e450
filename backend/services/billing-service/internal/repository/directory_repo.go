package repository

import (
	"context"
	"database/sql"
	"errors"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/services/billing-service/internal/models"
)

// DirectoryRepository looks up the customers and area leaders bills are addressed to.
type DirectoryRepository struct {
	db *sql.DB
}

// NewDirectoryRepository returns repository.
func NewDirectoryRepository(db *sql.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// MeterCustomers returns the customers assigned to a meter.
func (r *DirectoryRepository) MeterCustomers(ctx context.Context, meterID string) ([]models.BillRecipient, error) {
	const query = `
		SELECT c.name, c.phone, c.email
		FROM customers c
		JOIN customer_meters cm ON cm.customer_id = c.id
		WHERE cm.meter_id = $1
		ORDER BY c.name
	`
	return r.recipients(ctx, query, meterID)
}

// AreaLeaders returns the leaders of an area.
func (r *DirectoryRepository) AreaLeaders(ctx context.Context, areaID string) ([]models.BillRecipient, error) {
	const query = `
		SELECT name, phone, email
		FROM area_leaders
		WHERE area_id = $1
		ORDER BY name
	`
	return r.recipients(ctx, query, areaID)
}

// Customer returns one customer as a recipient.
func (r *DirectoryRepository) Customer(ctx context.Context, customerID string) (*models.BillRecipient, error) {
	const query = `SELECT name, phone, email FROM customers WHERE id = $1`
	var rc models.BillRecipient
	err := libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, customerID).Scan(&rc.Name, &rc.Phone, &rc.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rc, nil
}

// CustomerMeterIDs returns the meters assigned to a customer.
func (r *DirectoryRepository) CustomerMeterIDs(ctx context.Context, customerID string) ([]string, error) {
	const query = `SELECT meter_id FROM customer_meters WHERE customer_id = $1 ORDER BY meter_id`
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// AreaName returns the display name of an area.
func (r *DirectoryRepository) AreaName(ctx context.Context, areaID string) (string, error) {
	var name string
	err := libdb.Conn(ctx, r.db).QueryRowContext(ctx, `SELECT name FROM areas WHERE id = $1`, areaID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

func (r *DirectoryRepository) recipients(ctx context.Context, query string, arg string) ([]models.BillRecipient, error) {
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BillRecipient
	for rows.Next() {
		var rc models.BillRecipient
		if err := rows.Scan(&rc.Name, &rc.Phone, &rc.Email); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
