package httpserver

import (
	"net/http"

	"meterbill/backend/services/billing-service/internal/http/handlers"
	"meterbill/backend/services/billing-service/internal/http/middleware"
)

// Routes groups HTTP handlers.
type Routes struct {
	Readings *handlers.ReadingHandlers
	Tariffs  *handlers.TariffHandlers
	Bills    *handlers.BillHandlers
	Files    http.HandlerFunc
	BillsWS  http.HandlerFunc
	Health   http.HandlerFunc
}

// NewRouter registers service endpoints. Everything but /health and signed file links requires a token.
func NewRouter(routes Routes, authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}

	if routes.Health != nil {
		mux.Handle("GET /health", routes.Health)
	}
	if routes.Files != nil {
		mux.Handle("GET /files/{ref}", routes.Files)
	}
	if r := routes.Readings; r != nil {
		mux.Handle("POST /meters/{id}/readings", authenticated(r.Create))
		mux.Handle("GET /meters/{id}/readings", authenticated(r.List))
		mux.Handle("PATCH /readings/{id}", authenticated(r.Edit))
		mux.Handle("DELETE /readings/{id}", authenticated(r.Delete))
		mux.Handle("GET /readings/{id}/updates", authenticated(r.History))
	}
	if t := routes.Tariffs; t != nil {
		mux.Handle("POST /meters/{id}/tariffs", authenticated(t.CreateMeterTariff))
		mux.Handle("GET /meters/{id}/tariffs", authenticated(t.ListMeterTariffs))
		mux.Handle("GET /meters/{id}/tariffs/resolve", authenticated(t.Resolve))
		mux.Handle("POST /areas/{id}/tariffs", authenticated(t.CreateAreaTariff))
		mux.Handle("GET /areas/{id}/tariffs", authenticated(t.ListAreaTariffs))
	}
	if b := routes.Bills; b != nil {
		mux.Handle("POST /bill-requests", authenticated(b.Submit))
		mux.Handle("GET /bill-requests", authenticated(b.List))
		mux.Handle("GET /bill-requests/{id}", authenticated(b.Get))
		mux.Handle("GET /bill-requests/{id}/bills", authenticated(b.ListBills))
		mux.Handle("GET /bills/{id}", authenticated(b.GetBill))
	}
	if routes.BillsWS != nil {
		mux.Handle("GET /ws/bills", authenticated(routes.BillsWS))
	}
	return mux
}
