package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
	"meterbill/backend/services/billing-service/internal/service"
)

// ReadingAPI is the reading surface exposed over HTTP.
type ReadingAPI interface {
	CreateReading(ctx context.Context, input service.CreateReadingInput) (*models.Reading, error)
	EditReading(ctx context.Context, id string, input service.EditReadingInput, reason, actor string) (*models.Reading, error)
	DeleteReading(ctx context.Context, id, actor string) error
	ListReadings(ctx context.Context, f repository.ReadingFilter) ([]models.Reading, error)
	ReadingHistory(ctx context.Context, id string) ([]models.ReadingUpdate, error)
}

// ReadingHandlers serves meter readings.
type ReadingHandlers struct {
	svc    ReadingAPI
	logger *zap.Logger
}

// NewReadingHandlers builds reading handlers.
func NewReadingHandlers(svc ReadingAPI, logger *zap.Logger) *ReadingHandlers {
	return &ReadingHandlers{svc: svc, logger: logger}
}

type createReadingRequest struct {
	ReadingDate      time.Time       `json:"reading_date"`
	KwhReading       decimal.Decimal `json:"kwh_reading"`
	Image            []byte          `json:"image"`
	ImageContentType string          `json:"image_content_type"`
}

// Create handles POST /meters/{id}/readings.
func (h *ReadingHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createReadingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reading, err := h.svc.CreateReading(r.Context(), service.CreateReadingInput{
		MeterID:          r.PathValue("id"),
		ReadingDate:      req.ReadingDate,
		KwhReading:       req.KwhReading,
		Image:            req.Image,
		ImageContentType: req.ImageContentType,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

// List handles GET /meters/{id}/readings?from=&to=&limit=&offset=. A date-only to includes that whole day.
func (h *ReadingHandlers) List(w http.ResponseWriter, r *http.Request) {
	from, err := optionalDate(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := optionalEndDate(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
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

	readings, err := h.svc.ListReadings(r.Context(), repository.ReadingFilter{
		MeterID: r.PathValue("id"),
		From:    from,
		To:      to,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"readings": readings})
}

type editReadingRequest struct {
	KwhReading       decimal.Decimal `json:"kwh_reading"`
	ReadingDate      *time.Time      `json:"reading_date"`
	Image            []byte          `json:"image"`
	ImageContentType string          `json:"image_content_type"`
	Reason           string          `json:"reason"`
}

// Edit handles PATCH /readings/{id}.
func (h *ReadingHandlers) Edit(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req editReadingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reading, err := h.svc.EditReading(r.Context(), r.PathValue("id"), service.EditReadingInput{
		KwhReading:       req.KwhReading,
		ReadingDate:      req.ReadingDate,
		Image:            req.Image,
		ImageContentType: req.ImageContentType,
	}, req.Reason, a.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// Delete handles DELETE /readings/{id}.
func (h *ReadingHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteReading(r.Context(), r.PathValue("id"), a.ID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /readings/{id}/updates.
func (h *ReadingHandlers) History(w http.ResponseWriter, r *http.Request) {
	updates, err := h.svc.ReadingHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updates": updates})
}
