package handlers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"meterbill/backend/services/billing-service/internal/storage"
)

// SignedFiles verifies and reads stored documents.
type SignedFiles interface {
	Verify(ref, expires, sig string) error
	Read(ctx context.Context, ref string) ([]byte, error)
}

// NewFileHandler serves GET /files/{ref}?expires=&sig=.
func NewFileHandler(files SignedFiles, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		q := r.URL.Query()
		if err := files.Verify(ref, q.Get("expires"), q.Get("sig")); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, storage.ErrInvalidRef) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}

		data, err := files.Read(r.Context(), ref)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				writeError(w, http.StatusNotFound, "file not found")
				return
			}
			logger.Error("failed to read file", zap.String("ref", ref), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		contentType := mime.TypeByExtension(filepath.Ext(ref))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
