// Package clients holds HTTP clients for collaborating services.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"

	"go.uber.org/zap"
)

// PDFRenderer asks the document service to render a bill template.
type PDFRenderer struct {
	base   *BaseClient
	logger *zap.Logger
}

// NewPDFRenderer builds a renderer. An empty baseURL renders JSON documents locally.
func NewPDFRenderer(baseURL string, client HTTPDoer, logger *zap.Logger) *PDFRenderer {
	r := &PDFRenderer{logger: logger}
	if baseURL != "" {
		r.base = NewBaseClient(baseURL, client)
	}
	return r
}

type renderRequest struct {
	Template string      `json:"template"`
	Data     interface{} `json:"data"`
}

// Content types of rendered documents.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeJSON = "application/json"
)

// Render returns the document bytes for template filled with data and their
// content type. The document service must answer with a PDF.
func (r *PDFRenderer) Render(ctx context.Context, template string, data interface{}) ([]byte, string, error) {
	body, err := json.Marshal(renderRequest{Template: template, Data: data})
	if err != nil {
		return nil, "", fmt.Errorf("encode render request: %w", err)
	}
	if r.base == nil {
		r.logger.Debug("no renderer configured, storing json document", zap.String("template", template))
		return body, ContentTypeJSON, nil
	}

	status, resp, contentType, err := r.base.Do(ctx, http.MethodPost, "/render", body, map[string]string{"Accept": ContentTypePDF})
	if err != nil {
		return nil, "", fmt.Errorf("render %s: %w", template, err)
	}
	if status >= http.StatusMultipleChoices {
		return nil, "", fmt.Errorf("render %s: unexpected status %d: %s", template, status, truncate(resp, 200))
	}
	if len(resp) == 0 {
		return nil, "", fmt.Errorf("render %s: empty document", template)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != ContentTypePDF {
		return nil, "", fmt.Errorf("render %s: unexpected content type %q", template, contentType)
	}
	return resp, ContentTypePDF, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
