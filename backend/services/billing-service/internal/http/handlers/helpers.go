package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/services/billing-service/internal/http/middleware"
	"meterbill/backend/services/billing-service/internal/service"
)

const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps the service error taxonomy to a status code.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		notFound      *service.NotFoundError
		invalidRead   *service.InvalidReadingError
		outOfOrder    *service.OutOfOrderReadingError
		editWindow    *service.EditWindowExceededError
		dupTariff     *service.DuplicateTariffError
		nonMonotonic  *service.NonMonotonicTariffError
		missingTariff *service.MissingTariffError
		dupRequest    *service.DuplicateRequestError
	)
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &dupTariff), errors.As(err, &dupRequest):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalidRead), errors.As(err, &outOfOrder), errors.As(err, &editWindow),
		errors.As(err, &nonMonotonic), errors.As(err, &missingTariff):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func actor(w http.ResponseWriter, r *http.Request) (middleware.Actor, bool) {
	a, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
	}
	return a, ok
}

// parseDate accepts a calendar day or an RFC3339 timestamp.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return t, nil
}

// parseEndDate is parseDate, except that a bare date means the last
// millisecond of that day.
func parseEndDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.Add(24*time.Hour - time.Millisecond), nil
	}
	return parseDate(value)
}

func optionalDate(r *http.Request, key string) (*time.Time, error) {
	return optional(r, key, parseDate)
}

func optionalEndDate(r *http.Request, key string) (*time.Time, error) {
	return optional(r, key, parseEndDate)
}

func optional(r *http.Request, key string, parse func(string) (time.Time, error)) (*time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil, nil
	}
	t, err := parse(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}
