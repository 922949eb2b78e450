package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
	"meterbill/backend/services/billing-service/internal/service"
)

const xRequestIDHeader = "X-Request-ID"

// BillAPI is the bill generation surface exposed over HTTP.
type BillAPI interface {
	SubmitRequest(ctx context.Context, in service.SubmitRequestInput) (*models.BillGenerationRequest, error)
	GetRequest(ctx context.Context, id string) (*models.BillGenerationRequest, error)
	ListRequests(ctx context.Context, f repository.RequestFilter) ([]models.BillGenerationRequest, error)
	ListBills(ctx context.Context, requestID string) ([]models.Bill, error)
	GetBill(ctx context.Context, id string) (*models.Bill, error)
}

// BillHandlers serves bill generation requests.
type BillHandlers struct {
	svc    BillAPI
	logger *zap.Logger
}

// NewBillHandlers builds bill handlers.
func NewBillHandlers(svc BillAPI, logger *zap.Logger) *BillHandlers {
	return &BillHandlers{svc: svc, logger: logger}
}

type submitRequest struct {
	XRequestID     string               `json:"x_request_id"`
	Scope          models.BillScope     `json:"scope"`
	IsConsolidated bool                 `json:"is_consolidated"`
	StartDate      string               `json:"start_date"`
	EndDate        string               `json:"end_date"`
	RecipientType  models.RecipientType `json:"recipient_type"`
	RecipientID    string               `json:"recipient_id"`
	AreaID         string               `json:"area_id"`
}

// Submit handles POST /bill-requests. The idempotency key comes from X-Request-ID
// or the body. A date-only end_date bills through the end of that day.
func (h *BillHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseEndDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	xRequestID := r.Header.Get(xRequestIDHeader)
	if xRequestID == "" {
		xRequestID = req.XRequestID
	}

	created, err := h.svc.SubmitRequest(r.Context(), service.SubmitRequestInput{
		XRequestID:     xRequestID,
		Scope:          req.Scope,
		IsConsolidated: req.IsConsolidated,
		StartDate:      start,
		EndDate:        end,
		RecipientType:  req.RecipientType,
		RecipientID:    req.RecipientID,
		AreaID:         req.AreaID,
		ActorID:        a.ID,
		ActorName:      a.Name,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// Get handles GET /bill-requests/{id}.
func (h *BillHandlers) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListBills handles GET /bill-requests/{id}/bills.
func (h *BillHandlers) ListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.svc.ListBills(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bills": bills})
}

// List handles GET /bill-requests?requested_by=&status=&limit=&offset=. Without
// requested_by it lists the caller's requests; requested_by=all lists everyone's.
func (h *BillHandlers) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filter := repository.RequestFilter{
		RequestedByUserID: q.Get("requested_by"),
		Status:            models.RequestStatus(q.Get("status")),
		Limit:             limit,
		Offset:            offset,
	}
	switch filter.RequestedByUserID {
	case "":
		filter.RequestedByUserID = a.ID
	case "all":
		filter.RequestedByUserID = ""
	}

	requests, err := h.svc.ListRequests(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// GetBill handles GET /bills/{id}.
func (h *BillHandlers) GetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := h.svc.GetBill(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}
