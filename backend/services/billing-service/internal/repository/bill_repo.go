package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	libdb "meterbill/backend/libs/db"
	"meterbill/backend/services/billing-service/internal/models"
)

// BillRepository persists bill generation requests and the bills they produce.
type BillRepository struct {
	db *sql.DB
}

// NewBillRepository returns repository.
func NewBillRepository(db *sql.DB) *BillRepository {
	return &BillRepository{db: db}
}

const requestColumns = `
	id, x_request_id, requested_by_user_id, requested_by_user_name, request_date, completed_date,
	scope, is_consolidated, start_date, end_date, recipient_type, recipient_id, area_id, area_name,
	status, note`

func scanRequest(row rowScanner) (*models.BillGenerationRequest, error) {
	var (
		req       models.BillGenerationRequest
		completed sql.NullTime
	)
	if err := row.Scan(
		&req.ID,
		&req.XRequestID,
		&req.RequestedByUserID,
		&req.RequestedByName,
		&req.RequestDate,
		&completed,
		&req.Scope,
		&req.IsConsolidated,
		&req.StartDate,
		&req.EndDate,
		&req.RecipientType,
		&req.RecipientID,
		&req.AreaID,
		&req.AreaName,
		&req.Status,
		&req.Note,
	); err != nil {
		return nil, err
	}
	if completed.Valid {
		req.CompletedDate = &completed.Time
	}
	return &req, nil
}

// CreateRequest inserts a PENDING request. A reused x_request_id yields ErrDuplicate.
func (r *BillRepository) CreateRequest(ctx context.Context, req *models.BillGenerationRequest) error {
	const query = `
		INSERT INTO bill_generation_requests (
			id, x_request_id, requested_by_user_id, requested_by_user_name, request_date,
			scope, is_consolidated, start_date, end_date, recipient_type, recipient_id,
			area_id, area_name, status, note
		)
		VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7, $8, $9, $10, $11, $12, $13, '')
		RETURNING request_date
	`
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.RequestPending
	}

	err := libdb.Conn(ctx, r.db).QueryRowContext(ctx, query,
		req.ID,
		req.XRequestID,
		req.RequestedByUserID,
		req.RequestedByName,
		string(req.Scope),
		req.IsConsolidated,
		req.StartDate,
		req.EndDate,
		string(req.RecipientType),
		req.RecipientID,
		req.AreaID,
		req.AreaName,
		string(req.Status),
	).Scan(&req.RequestDate)
	if err != nil {
		return mapInsertError(err)
	}
	return nil
}

// GetRequest returns a request by id.
func (r *BillRepository) GetRequest(ctx context.Context, id string) (*models.BillGenerationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM bill_generation_requests WHERE id = $1`
	req, err := scanRequest(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// GetRequestByXRequestID returns a request by its idempotency key.
func (r *BillRepository) GetRequestByXRequestID(ctx context.Context, xRequestID string) (*models.BillGenerationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM bill_generation_requests WHERE x_request_id = $1`
	req, err := scanRequest(libdb.Conn(ctx, r.db).QueryRowContext(ctx, query, xRequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// ListRequests returns the requests matching f, newest first.
func (r *BillRepository) ListRequests(ctx context.Context, f RequestFilter) ([]models.BillGenerationRequest, error) {
	query, args := listRequestsQuery(f)
	rows, err := libdb.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BillGenerationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func listRequestsQuery(f RequestFilter) (string, []interface{}) {
	var w where
	if f.RequestedByUserID != "" {
		w.add("requested_by_user_id = ?", f.RequestedByUserID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	query := `SELECT ` + requestColumns + ` FROM bill_generation_requests WHERE ` + w.String() +
		` ORDER BY request_date DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + w.arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + w.arg(f.Offset)
	}
	return query, w.args
}

// ClaimRequest moves a PENDING request to PROCESSING. It reports false when
// another delivery already claimed or finished it.
func (r *BillRepository) ClaimRequest(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE bill_generation_requests
		SET status = $2
		WHERE id = $1 AND status = $3
	`
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, query, id,
		string(models.RequestProcessing), string(models.RequestPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishRequest records the terminal status, the completion time and a note.
func (r *BillRepository) FinishRequest(ctx context.Context, id string, status models.RequestStatus, note string) error {
	const query = `
		UPDATE bill_generation_requests
		SET status = $2, note = $3, completed_date = NOW()
		WHERE id = $1
	`
	res, err := libdb.Conn(ctx, r.db).ExecContext(ctx, query, id, string(status), note)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// CreateBill inserts the bill with its breakdowns and recipients. Callers run it
// inside a transaction so the three tables commit together.
func (r *BillRepository) CreateBill(ctx context.Context, bill *models.Bill) error {
	const billQuery = `
		INSERT INTO bills (
			id, invoice_number, request_id, kind, generated_by_user_id, generated_by_user_name,
			area_id, recipient_id, start_date, end_date, pdf_url, total_amount_due,
			payment_status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		RETURNING created_at
	`
	const breakdownQuery = `
		INSERT INTO bill_breakdowns (
			id, bill_id, meter_id, meter_number, area_id, area_name, location, tariff_id,
			first_read_date, first_read_kwh, last_read_date, last_read_kwh,
			total_consumption, tariff, total_amount
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::uuid, $9, $10, $11, $12, $13, $14, $15)
	`
	const recipientQuery = `
		INSERT INTO bill_recipients (id, bill_id, name, phone, email, bill_sent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if bill.ID == "" {
		bill.ID = uuid.NewString()
	}
	if bill.PaymentStatus == "" {
		bill.PaymentStatus = models.PaymentPending
	}

	conn := libdb.Conn(ctx, r.db)
	err := conn.QueryRowContext(ctx, billQuery,
		bill.ID,
		bill.InvoiceNumber,
		bill.RequestID,
		string(bill.Kind),
		bill.GeneratedByUserID,
		bill.GeneratedByUserName,
		bill.AreaID,
		bill.RecipientID,
		bill.StartDate,
		bill.EndDate,
		bill.PDFRef,
		bill.TotalAmountDue,
		string(bill.PaymentStatus),
	).Scan(&bill.CreatedAt)
	if err != nil {
		return mapInsertError(err)
	}

	for i := range bill.Breakdowns {
		b := &bill.Breakdowns[i]
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.BillID = bill.ID
		if _, err := conn.ExecContext(ctx, breakdownQuery,
			b.ID,
			b.BillID,
			b.MeterID,
			b.MeterNumber,
			b.AreaID,
			b.AreaName,
			b.Location,
			b.TariffID,
			b.FirstReadDate,
			b.FirstReadKwh,
			b.LastReadDate,
			b.LastReadKwh,
			b.TotalConsumption,
			b.Tariff,
			b.TotalAmount,
		); err != nil {
			return err
		}
	}

	for i := range bill.Recipients {
		rc := &bill.Recipients[i]
		if rc.ID == "" {
			rc.ID = uuid.NewString()
		}
		rc.BillID = bill.ID
		if _, err := conn.ExecContext(ctx, recipientQuery,
			rc.ID, rc.BillID, rc.Name, rc.Phone, rc.Email, rc.BillSent,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListBills returns the bills of a request with their breakdowns and recipients.
func (r *BillRepository) ListBills(ctx context.Context, requestID string) ([]models.Bill, error) {
	return r.loadBills(ctx, "b.request_id", requestID)
}

// GetBill returns one bill with its breakdowns and recipients.
func (r *BillRepository) GetBill(ctx context.Context, id string) (*models.Bill, error) {
	bills, err := r.loadBills(ctx, "b.id", id)
	if err != nil {
		return nil, err
	}
	if len(bills) == 0 {
		return nil, ErrNotFound
	}
	return &bills[0], nil
}

// loadBills selects bills where column equals value; column is one of the
// fixed keys above.
func (r *BillRepository) loadBills(ctx context.Context, column, value string) ([]models.Bill, error) {
	query := `
		SELECT b.id, b.invoice_number, b.request_id, b.kind, b.generated_by_user_id, b.generated_by_user_name,
			b.area_id, b.recipient_id, b.start_date, b.end_date, b.pdf_url, b.total_amount_due,
			b.payment_status, b.created_at
		FROM bills b
		WHERE ` + column + ` = $1
		ORDER BY b.invoice_number`
	conn := libdb.Conn(ctx, r.db)
	rows, err := conn.QueryContext(ctx, query, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []models.Bill
	index := make(map[string]int)
	for rows.Next() {
		var b models.Bill
		if err := rows.Scan(
			&b.ID,
			&b.InvoiceNumber,
			&b.RequestID,
			&b.Kind,
			&b.GeneratedByUserID,
			&b.GeneratedByUserName,
			&b.AreaID,
			&b.RecipientID,
			&b.StartDate,
			&b.EndDate,
			&b.PDFRef,
			&b.TotalAmountDue,
			&b.PaymentStatus,
			&b.CreatedAt,
		); err != nil {
			return nil, err
		}
		index[b.ID] = len(bills)
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bills) == 0 {
		return bills, nil
	}

	if err := r.attachBreakdowns(ctx, conn, column, value, bills, index); err != nil {
		return nil, err
	}
	if err := r.attachRecipients(ctx, conn, column, value, bills, index); err != nil {
		return nil, err
	}
	return bills, nil
}

func (r *BillRepository) attachBreakdowns(ctx context.Context, conn libdb.Executor, column, value string, bills []models.Bill, index map[string]int) error {
	query := `
		SELECT bb.id, bb.bill_id, bb.meter_id, bb.meter_number, bb.area_id, bb.area_name, bb.location,
			COALESCE(bb.tariff_id::text, ''), bb.first_read_date, bb.first_read_kwh, bb.last_read_date,
			bb.last_read_kwh, bb.total_consumption, bb.tariff, bb.total_amount
		FROM bill_breakdowns bb
		JOIN bills b ON b.id = bb.bill_id
		WHERE ` + column + ` = $1
		ORDER BY bb.meter_number, bb.first_read_date`
	rows, err := conn.QueryContext(ctx, query, value)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			bb        models.BillBreakdown
			firstDate sql.NullTime
		)
		if err := rows.Scan(
			&bb.ID,
			&bb.BillID,
			&bb.MeterID,
			&bb.MeterNumber,
			&bb.AreaID,
			&bb.AreaName,
			&bb.Location,
			&bb.TariffID,
			&firstDate,
			&bb.FirstReadKwh,
			&bb.LastReadDate,
			&bb.LastReadKwh,
			&bb.TotalConsumption,
			&bb.Tariff,
			&bb.TotalAmount,
		); err != nil {
			return err
		}
		bb.FirstReadDate = firstDate.Time
		i := index[bb.BillID]
		bills[i].Breakdowns = append(bills[i].Breakdowns, bb)
	}
	return rows.Err()
}

func (r *BillRepository) attachRecipients(ctx context.Context, conn libdb.Executor, column, value string, bills []models.Bill, index map[string]int) error {
	query := `
		SELECT br.id, br.bill_id, br.name, br.phone, br.email, br.bill_sent
		FROM bill_recipients br
		JOIN bills b ON b.id = br.bill_id
		WHERE ` + column + ` = $1
		ORDER BY br.name`
	rows, err := conn.QueryContext(ctx, query, value)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rc models.BillRecipient
		if err := rows.Scan(&rc.ID, &rc.BillID, &rc.Name, &rc.Phone, &rc.Email, &rc.BillSent); err != nil {
			return err
		}
		i := index[rc.BillID]
		bills[i].Recipients = append(bills[i].Recipients, rc)
	}
	return rows.Err()
}
