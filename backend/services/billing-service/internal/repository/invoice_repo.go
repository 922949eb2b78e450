package repository

import (
	"context"
	"database/sql"
	"time"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/services/billing-service/internal/models"
)

// InvoiceSequenceRepository hands out per-day invoice sequence numbers.
type InvoiceSequenceRepository struct {
	db *sql.DB
}

// NewInvoiceSequenceRepository returns repository.
func NewInvoiceSequenceRepository(db *sql.DB) *InvoiceSequenceRepository {
	return &InvoiceSequenceRepository{db: db}
}

const nextInvoiceQuery = `
	INSERT INTO invoice_sequences (date, last_number)
	VALUES ($1::date, 1)
	ON CONFLICT (date) DO UPDATE SET last_number = invoice_sequences.last_number + 1
	RETURNING last_number
`

// Next increments the counter of day, creating it at 1, in a single statement.
// Outside a transaction the increment commits at once and the row lock is released.
func (r *InvoiceSequenceRepository) Next(ctx context.Context, day time.Time) (int, error) {
	var n int
	if err := libdb.Conn(ctx, r.db).QueryRowContext(ctx, nextInvoiceQuery, models.Day(day)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
