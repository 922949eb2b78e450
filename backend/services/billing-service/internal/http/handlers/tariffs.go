package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/models"
)

// TariffAPI is the tariff surface exposed over HTTP.
type TariffAPI interface {
	CreateMeterTariff(ctx context.Context, meterID string, tariff decimal.Decimal, effectiveFrom time.Time) (*models.TariffVersion, error)
	CreateAreaTariff(ctx context.Context, areaID string, tariff decimal.Decimal, effectiveFrom time.Time) (*models.TariffVersion, error)
	ResolveForMeter(ctx context.Context, meterID string, at time.Time) (*models.TariffSnapshot, error)
	ListMeterTariffs(ctx context.Context, meterID string) ([]models.TariffVersion, error)
	ListAreaTariffs(ctx context.Context, areaID string) ([]models.TariffVersion, error)
}

// TariffHandlers serves tariff versions.
type TariffHandlers struct {
	svc    TariffAPI
	logger *zap.Logger
}

// NewTariffHandlers builds tariff handlers.
func NewTariffHandlers(svc TariffAPI, logger *zap.Logger) *TariffHandlers {
	return &TariffHandlers{svc: svc, logger: logger}
}

type createTariffRequest struct {
	Tariff        decimal.Decimal `json:"tariff"`
	EffectiveFrom string          `json:"effective_from"`
}

type createTariffFunc func(ctx context.Context, scopeID string, tariff decimal.Decimal, effectiveFrom time.Time) (*models.TariffVersion, error)

// CreateMeterTariff handles POST /meters/{id}/tariffs.
func (h *TariffHandlers) CreateMeterTariff(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateMeterTariff)
}

// CreateAreaTariff handles POST /areas/{id}/tariffs.
func (h *TariffHandlers) CreateAreaTariff(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateAreaTariff)
}

func (h *TariffHandlers) create(w http.ResponseWriter, r *http.Request, fn createTariffFunc) {
	var req createTariffRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	effective, err := parseDate(req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := fn(r.Context(), r.PathValue("id"), req.Tariff, effective)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// Resolve handles GET /meters/{id}/tariffs/resolve?date=.
func (h *TariffHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	at := time.Now().UTC()
	if value := r.URL.Query().Get("date"); value != "" {
		parsed, err := parseDate(value)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		at = parsed
	}
	snapshot, err := h.svc.ResolveForMeter(r.Context(), r.PathValue("id"), at)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if snapshot == nil {
		writeError(w, http.StatusNotFound, "no tariff covers the date")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// ListMeterTariffs handles GET /meters/{id}/tariffs.
func (h *TariffHandlers) ListMeterTariffs(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.svc.ListMeterTariffs)
}

// ListAreaTariffs handles GET /areas/{id}/tariffs.
func (h *TariffHandlers) ListAreaTariffs(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.svc.ListAreaTariffs)
}

func (h *TariffHandlers) list(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) ([]models.TariffVersion, error)) {
	versions, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tariffs": versions})
}
