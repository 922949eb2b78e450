package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

// BillQueue is the job queue bill generation requests travel on.
const BillQueue = "bill-generation"

const defaultBatchSize = 1000

var billTemplates = map[models.BillKind]string{
	models.BillSingleMeter:          "single-meter-bill",
	models.BillAreaConsolidated:     "area-consolidated-bill",
	models.BillCustomerConsolidated: "customer-consolidated-bill",
}

// BillJobDeps bundles the collaborators of BillJob.
type BillJobDeps struct {
	Requests   BillStore
	Meters     MeterStore
	Aggregator *Aggregator
	Directory  RecipientDirectory
	Invoices   InvoiceSequencer
	Files      FileStore
	Renderer   PDFRenderer
	Tx         TxRunner
	Queue      JobEnqueuer
	Bus        Publisher
	Logger     *zap.Logger
	BatchSize  int
	Now        func() time.Time
}

// BillJob accepts bill generation requests and processes them from the job queue.
type BillJob struct {
	requests   BillStore
	meters     MeterStore
	aggregator *Aggregator
	directory  RecipientDirectory
	invoices   InvoiceSequencer
	files      FileStore
	renderer   PDFRenderer
	tx         TxRunner
	queue      JobEnqueuer
	bus        Publisher
	logger     *zap.Logger
	batchSize  int
	now        func() time.Time
}

// NewBillJob returns job.
func NewBillJob(deps BillJobDeps) *BillJob {
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &BillJob{
		requests:   deps.Requests,
		meters:     deps.Meters,
		aggregator: deps.Aggregator,
		directory:  deps.Directory,
		invoices:   deps.Invoices,
		files:      deps.Files,
		renderer:   deps.Renderer,
		tx:         deps.Tx,
		queue:      deps.Queue,
		bus:        deps.Bus,
		logger:     deps.Logger,
		batchSize:  batch,
		now:        now,
	}
}

// SubmitRequestInput describes a billing run.
type SubmitRequestInput struct {
	XRequestID     string
	Scope          models.BillScope
	IsConsolidated bool
	StartDate      time.Time
	EndDate        time.Time
	RecipientType  models.RecipientType
	RecipientID    string
	AreaID         string
	ActorID        string
	ActorName      string
}

type jobMessage struct {
	RequestID string `json:"request_id"`
}

// SubmitRequest validates and persists a PENDING request, then enqueues it.
func (j *BillJob) SubmitRequest(ctx context.Context, in SubmitRequestInput) (*models.BillGenerationRequest, error) {
	if strings.TrimSpace(in.XRequestID) == "" {
		return nil, invalid("x-request-id is required")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, invalid("start and end dates are required")
	}
	if in.EndDate.Before(in.StartDate) {
		return nil, invalid("end date is before start date")
	}

	req := &models.BillGenerationRequest{
		XRequestID:        in.XRequestID,
		RequestedByUserID: in.ActorID,
		RequestedByName:   in.ActorName,
		Scope:             in.Scope,
		IsConsolidated:    in.IsConsolidated,
		StartDate:         in.StartDate,
		EndDate:           in.EndDate,
		RecipientType:     in.RecipientType,
		RecipientID:       in.RecipientID,
		AreaID:            in.AreaID,
		Status:            models.RequestPending,
	}
	switch req.Kind() {
	case models.BillSingleMeter, models.BillAreaConsolidated:
		if req.AreaID == "" {
			return nil, invalid("area id is required for area-wide requests")
		}
	case models.BillCustomerConsolidated:
		if req.RecipientID == "" {
			return nil, invalid("recipient id is required for customer requests")
		}
	default:
		return nil, invalid("unsupported combination of scope %s, recipient %s and consolidated=%t",
			in.Scope, in.RecipientType, in.IsConsolidated)
	}

	existing, err := j.requests.GetRequestByXRequestID(ctx, in.XRequestID)
	switch {
	case err == nil:
		return nil, &DuplicateRequestError{XRequestID: in.XRequestID, RequestID: existing.ID}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	if req.AreaID != "" {
		name, err := j.directory.AreaName(ctx, req.AreaID)
		if err != nil {
			return nil, notFound(err, "area", req.AreaID)
		}
		req.AreaName = name
	}
	if err := j.requirePriced(ctx, req); err != nil {
		return nil, err
	}

	if err := j.requests.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, &DuplicateRequestError{XRequestID: in.XRequestID}
		}
		return nil, err
	}

	payload, err := json.Marshal(jobMessage{RequestID: req.ID})
	if err != nil {
		return nil, err
	}
	if err := j.queue.Enqueue(ctx, BillQueue, payload); err != nil {
		note := fmt.Sprintf("enqueue: %v", err)
		if ferr := j.requests.FinishRequest(ctx, req.ID, models.RequestFailed, note); ferr != nil {
			j.logger.Error("mark unqueued request failed", zap.String("request_id", req.ID), zap.Error(ferr))
		}
		return nil, err
	}

	j.logger.Info("bill request submitted",
		zap.String("request_id", req.ID),
		zap.String("x_request_id", req.XRequestID),
		zap.String("kind", string(req.Kind())),
	)
	return req, nil
}

// Handle processes one queued request. Deliveries of a request that is no longer
// PENDING are ignored, so redelivery is harmless. A claimed request always ends
// SUCCESS or FAILED, also when processing panics.
func (j *BillJob) Handle(ctx context.Context, payload []byte) (err error) {
	var msg jobMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode bill job: %w", err)
	}
	if msg.RequestID == "" {
		return errors.New("decode bill job: request id missing")
	}

	claimed, err := j.requests.ClaimRequest(ctx, msg.RequestID)
	if err != nil {
		return err
	}
	if !claimed {
		j.logger.Info("bill request already claimed", zap.String("request_id", msg.RequestID))
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = j.fail(ctx, msg.RequestID, fmt.Errorf("panic: %v", r))
		}
	}()

	req, err := j.requests.GetRequest(ctx, msg.RequestID)
	if err != nil {
		return j.fail(ctx, msg.RequestID, notFound(err, "bill request", msg.RequestID))
	}

	bills, err := j.run(ctx, req)
	if err != nil {
		return j.fail(ctx, req.ID, err)
	}

	note := fmt.Sprintf("%d bills generated", bills)
	if err := j.requests.FinishRequest(ctx, req.ID, models.RequestSuccess, note); err != nil {
		return err
	}
	j.logger.Info("bill request completed", zap.String("request_id", req.ID), zap.Int("bills", bills))
	return nil
}

func (j *BillJob) fail(ctx context.Context, requestID string, cause error) error {
	if err := j.requests.FinishRequest(ctx, requestID, models.RequestFailed, cause.Error()); err != nil {
		j.logger.Error("mark bill request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	j.logger.Warn("bill request failed", zap.String("request_id", requestID), zap.Error(cause))
	return &ProcessingError{RequestID: requestID, Err: cause}
}

func (j *BillJob) run(ctx context.Context, req *models.BillGenerationRequest) (int, error) {
	if err := j.requirePriced(ctx, req); err != nil {
		return 0, err
	}
	switch req.Kind() {
	case models.BillSingleMeter:
		return j.perMeterBills(ctx, req)
	case models.BillAreaConsolidated:
		return 1, j.areaBill(ctx, req)
	case models.BillCustomerConsolidated:
		return 1, j.customerBill(ctx, req)
	default:
		return 0, invalid("unsupported bill request shape")
	}
}

// requirePriced checks the whole request scope, so a run never starts when any
// meter it covers has an unpriced reading in the period.
func (j *BillJob) requirePriced(ctx context.Context, req *models.BillGenerationRequest) error {
	scope := repository.BillingScope{AreaID: req.AreaID}
	if req.Kind() == models.BillCustomerConsolidated {
		meterIDs, err := j.directory.CustomerMeterIDs(ctx, req.RecipientID)
		if err != nil {
			return err
		}
		if len(meterIDs) == 0 {
			return nil
		}
		scope = repository.BillingScope{MeterIDs: meterIDs}
	}
	return j.aggregator.RequirePriced(ctx, scope, req.StartDate, req.EndDate)
}

// perMeterBills issues one bill per billable meter of the area. Bills committed
// before a failure are kept.
func (j *BillJob) perMeterBills(ctx context.Context, req *models.BillGenerationRequest) (int, error) {
	issued := 0
	for offset := 0; ; offset += j.batchSize {
		meters, err := j.meters.List(ctx, repository.MeterFilter{
			AreaID: req.AreaID,
			Limit:  j.batchSize,
			Offset: offset,
		})
		if err != nil {
			return issued, err
		}

		for _, m := range meters {
			breakdowns, err := j.aggregator.ForMeter(ctx, m.ID, req.StartDate, req.EndDate)
			if err != nil {
				return issued, fmt.Errorf("meter %s: %w", m.MeterNumber, err)
			}
			if len(breakdowns) == 0 {
				continue
			}
			recipients, err := j.directory.MeterCustomers(ctx, m.ID)
			if err != nil {
				return issued, err
			}
			bill := j.newBill(req, models.BillSingleMeter, breakdowns, recipients)
			if err := j.createBill(ctx, bill); err != nil {
				return issued, fmt.Errorf("meter %s: %w", m.MeterNumber, err)
			}
			issued++
		}

		if len(meters) < j.batchSize {
			return issued, nil
		}
	}
}

func (j *BillJob) areaBill(ctx context.Context, req *models.BillGenerationRequest) error {
	breakdowns, err := j.aggregator.ForArea(ctx, req.AreaID, req.StartDate, req.EndDate)
	if err != nil {
		return err
	}
	if len(breakdowns) == 0 {
		return fmt.Errorf("area %s has no billable consumption in the period", req.AreaID)
	}
	leaders, err := j.directory.AreaLeaders(ctx, req.AreaID)
	if err != nil {
		return err
	}
	return j.createBill(ctx, j.newBill(req, models.BillAreaConsolidated, breakdowns, leaders))
}

func (j *BillJob) customerBill(ctx context.Context, req *models.BillGenerationRequest) error {
	customer, err := j.directory.Customer(ctx, req.RecipientID)
	if err != nil {
		return notFound(err, "customer", req.RecipientID)
	}
	meterIDs, err := j.directory.CustomerMeterIDs(ctx, req.RecipientID)
	if err != nil {
		return err
	}
	if len(meterIDs) == 0 {
		return fmt.Errorf("customer %s has no meters", req.RecipientID)
	}
	breakdowns, err := j.aggregator.ForMeters(ctx, meterIDs, req.StartDate, req.EndDate)
	if err != nil {
		return err
	}
	if len(breakdowns) == 0 {
		return fmt.Errorf("customer %s has no billable consumption in the period", req.RecipientID)
	}
	return j.createBill(ctx, j.newBill(req, models.BillCustomerConsolidated, breakdowns, []models.BillRecipient{*customer}))
}

func (j *BillJob) newBill(req *models.BillGenerationRequest, kind models.BillKind, breakdowns []models.BillBreakdown, recipients []models.BillRecipient) *models.Bill {
	return &models.Bill{
		RequestID:           req.ID,
		Kind:                kind,
		GeneratedByUserID:   req.RequestedByUserID,
		GeneratedByUserName: req.RequestedByName,
		AreaID:              req.AreaID,
		RecipientID:         req.RecipientID,
		StartDate:           req.StartDate,
		EndDate:             req.EndDate,
		TotalAmountDue:      models.TotalOf(breakdowns),
		PaymentStatus:       models.PaymentPending,
		Breakdowns:          breakdowns,
		Recipients:          recipients,
	}
}

// createBill numbers, renders and stores one bill. The invoice number is taken
// before rendering and outside the bill transaction, so a bill that fails later
// leaves a gap in the day's sequence. The bill rows and the meters' last-bill
// snapshots commit together.
func (j *BillJob) createBill(ctx context.Context, bill *models.Bill) error {
	number, err := j.AllocateInvoiceNumber(ctx, j.now())
	if err != nil {
		return err
	}
	bill.InvoiceNumber = number

	doc, contentType, err := j.renderer.Render(ctx, billTemplates[bill.Kind], bill)
	if err != nil {
		return fmt.Errorf("render bill: %w", err)
	}
	ref, err := j.files.Store(ctx, doc, contentType)
	if err != nil {
		return fmt.Errorf("store bill: %w", err)
	}
	bill.PDFRef = ref

	err = j.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := j.requests.CreateBill(ctx, bill); err != nil {
			return err
		}
		for meterID, last := range lastBills(bill) {
			if err := j.meters.UpdateLastBill(ctx, meterID, last); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if derr := j.files.Delete(ctx, bill.PDFRef); derr != nil {
			j.logger.Warn("delete orphaned bill document", zap.String("ref", bill.PDFRef), zap.Error(derr))
		}
		bill.PDFRef = ""
		return err
	}

	j.bus.Publish(ctx, events.BillGenerated{
		Kind:       events.BillEventType(bill.Kind),
		Bill:       *bill,
		OccurredAt: j.now().UTC(),
	})
	j.logger.Info("bill generated",
		zap.String("bill_id", bill.ID),
		zap.String("invoice_number", bill.InvoiceNumber),
		zap.String("kind", string(bill.Kind)),
		zap.String("total_amount_due", bill.TotalAmountDue.String()),
	)
	return nil
}

func lastBills(bill *models.Bill) map[string]models.LastBill {
	out := make(map[string]models.LastBill)
	for _, b := range bill.Breakdowns {
		last := out[b.MeterID]
		last.KwhConsumption = last.KwhConsumption.Add(b.TotalConsumption)
		last.Amount = last.Amount.Add(b.TotalAmount)
		last.Date = bill.EndDate
		out[b.MeterID] = last
	}
	return out
}

// AllocateInvoiceNumber reserves the next invoice number of day.
func (j *BillJob) AllocateInvoiceNumber(ctx context.Context, day time.Time) (string, error) {
	seq, err := j.invoices.Next(ctx, day)
	if err != nil {
		return "", fmt.Errorf("allocate invoice number: %w", err)
	}
	return FormatInvoiceNumber(day, seq), nil
}

// FormatInvoiceNumber renders YYYYMMDD followed by the zero-padded sequence.
func FormatInvoiceNumber(day time.Time, seq int) string {
	return models.Day(day).Format("20060102") + fmt.Sprintf("%03d", seq)
}

// GetRequest returns a request for status polling.
func (j *BillJob) GetRequest(ctx context.Context, id string) (*models.BillGenerationRequest, error) {
	req, err := j.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, notFound(err, "bill request", id)
	}
	return req, nil
}

// ListRequests returns requests matching f, newest first.
func (j *BillJob) ListRequests(ctx context.Context, f repository.RequestFilter) ([]models.BillGenerationRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("unknown request status %q", f.Status)
	}
	return j.requests.ListRequests(ctx, f)
}

// ListBills returns the bills of a request with signed document URLs.
func (j *BillJob) ListBills(ctx context.Context, requestID string) ([]models.Bill, error) {
	if _, err := j.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	bills, err := j.requests.ListBills(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for i := range bills {
		j.sign(&bills[i])
	}
	return bills, nil
}

// GetBill returns one bill with its breakdowns, recipients and a signed document URL.
func (j *BillJob) GetBill(ctx context.Context, id string) (*models.Bill, error) {
	bill, err := j.requests.GetBill(ctx, id)
	if err != nil {
		return nil, notFound(err, "bill", id)
	}
	j.sign(bill)
	return bill, nil
}

func (j *BillJob) sign(bill *models.Bill) {
	if bill.PDFRef == "" {
		return
	}
	url, err := j.files.SignedURL(bill.PDFRef)
	if err != nil {
		j.logger.Warn("sign bill document", zap.String("bill_id", bill.ID), zap.Error(err))
		return
	}
	bill.PDFURL = url
}
