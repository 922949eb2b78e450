package models

import (
	"time"

	"meterbill/backend/libs/decimal"
)

// RequestStatus tracks a bill generation request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestSuccess    RequestStatus = "SUCCESS"
	RequestFailed     RequestStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestProcessing, RequestSuccess, RequestFailed:
		return true
	}
	return false
}

// BillScope selects the meters a request covers.
type BillScope string

const (
	ScopeAreaWide   BillScope = "AREA_WIDE"
	ScopeSystemWide BillScope = "SYSTEM_WIDE"
)

// RecipientType selects who receives the bills.
type RecipientType string

const (
	RecipientCustomer   RecipientType = "CUSTOMER"
	RecipientAreaLeader RecipientType = "AREA_LEADER"
)

// PaymentStatus of an issued bill.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
)

// BillKind names the three shapes of generated bill.
type BillKind string

const (
	BillSingleMeter          BillKind = "SINGLE_METER"
	BillAreaConsolidated     BillKind = "AREA_CONSOLIDATED"
	BillCustomerConsolidated BillKind = "CUSTOMER_CONSOLIDATED"
)

// BillGenerationRequest is one billing run.
type BillGenerationRequest struct {
	ID                string        `db:"id" json:"id"`
	XRequestID        string        `db:"x_request_id" json:"x_request_id"`
	RequestedByUserID string        `db:"requested_by_user_id" json:"requested_by_user_id"`
	RequestedByName   string        `db:"requested_by_user_name" json:"requested_by_user_name"`
	RequestDate       time.Time     `db:"request_date" json:"request_date"`
	CompletedDate     *time.Time    `db:"completed_date" json:"completed_date,omitempty"`
	Scope             BillScope     `db:"scope" json:"scope"`
	IsConsolidated    bool          `db:"is_consolidated" json:"is_consolidated"`
	StartDate         time.Time     `db:"start_date" json:"start_date"`
	EndDate           time.Time     `db:"end_date" json:"end_date"`
	RecipientType     RecipientType `db:"recipient_type" json:"recipient_type"`
	RecipientID       string        `db:"recipient_id" json:"recipient_id,omitempty"`
	AreaID            string        `db:"area_id" json:"area_id,omitempty"`
	AreaName          string        `db:"area_name" json:"area_name,omitempty"`
	Status            RequestStatus `db:"status" json:"status"`
	Note              string        `db:"note" json:"note,omitempty"`
}

// Kind returns the bill shape the request produces, or "" for unsupported combinations.
func (r *BillGenerationRequest) Kind() BillKind {
	switch {
	case r.Scope == ScopeAreaWide && r.RecipientType == RecipientCustomer && !r.IsConsolidated:
		return BillSingleMeter
	case r.Scope == ScopeAreaWide && r.RecipientType == RecipientAreaLeader && r.IsConsolidated:
		return BillAreaConsolidated
	case r.Scope == ScopeSystemWide && r.RecipientType == RecipientCustomer && r.IsConsolidated:
		return BillCustomerConsolidated
	default:
		return ""
	}
}

// Bill is one invoice with its line items and recipients.
type Bill struct {
	ID                  string          `db:"id" json:"id"`
	InvoiceNumber       string          `db:"invoice_number" json:"invoice_number"`
	RequestID           string          `db:"request_id" json:"request_id"`
	Kind                BillKind        `db:"kind" json:"kind"`
	GeneratedByUserID   string          `db:"generated_by_user_id" json:"generated_by_user_id"`
	GeneratedByUserName string          `db:"generated_by_user_name" json:"generated_by_user_name"`
	AreaID              string          `db:"area_id" json:"area_id,omitempty"`
	RecipientID         string          `db:"recipient_id" json:"recipient_id,omitempty"`
	StartDate           time.Time       `db:"start_date" json:"start_date"`
	EndDate             time.Time       `db:"end_date" json:"end_date"`
	PDFRef              string          `db:"pdf_url" json:"pdf_ref,omitempty"`
	PDFURL              string          `json:"pdf_url,omitempty"`
	TotalAmountDue      decimal.Decimal `db:"total_amount_due" json:"total_amount_due"`
	PaymentStatus       PaymentStatus   `db:"payment_status" json:"payment_status"`
	Breakdowns          []BillBreakdown `json:"breakdowns"`
	Recipients          []BillRecipient `json:"recipients"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// BillBreakdown is one meter tariff segment of a bill.
type BillBreakdown struct {
	ID               string          `db:"id" json:"id"`
	BillID           string          `db:"bill_id" json:"bill_id"`
	MeterID          string          `db:"meter_id" json:"meter_id"`
	MeterNumber      string          `db:"meter_number" json:"meter_number"`
	AreaID           string          `db:"area_id" json:"area_id"`
	AreaName         string          `db:"area_name" json:"area_name"`
	Location         string          `db:"location" json:"location"`
	TariffID         string          `db:"tariff_id" json:"tariff_id"`
	FirstReadDate    time.Time       `db:"first_read_date" json:"first_read_date"`
	FirstReadKwh     decimal.Decimal `db:"first_read_kwh" json:"first_read_kwh"`
	LastReadDate     time.Time       `db:"last_read_date" json:"last_read_date"`
	LastReadKwh      decimal.Decimal `db:"last_read_kwh" json:"last_read_kwh"`
	TotalConsumption decimal.Decimal `db:"total_consumption" json:"total_consumption"`
	Tariff           decimal.Decimal `db:"tariff" json:"tariff"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
}

// BillRecipient is a party the bill is addressed to.
type BillRecipient struct {
	ID       string `db:"id" json:"id"`
	BillID   string `db:"bill_id" json:"bill_id"`
	Name     string `db:"name" json:"name"`
	Phone    string `db:"phone" json:"phone"`
	Email    string `db:"email" json:"email"`
	BillSent bool   `db:"bill_sent" json:"bill_sent"`
}

// TotalOf sums breakdown amounts.
func TotalOf(breakdowns []BillBreakdown) decimal.Decimal {
	total := decimal.Zero
	for _, b := range breakdowns {
		total = total.Add(b.TotalAmount)
	}
	return total
}
