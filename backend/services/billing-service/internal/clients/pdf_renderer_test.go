package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRenderPostsTemplate(t *testing.T) {
	var got renderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/render", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	r := NewPDFRenderer(srv.URL+"/", NewDefaultHTTPClient(time.Second), zap.NewNop())
	doc, contentType, err := r.Render(context.Background(), "single-meter-bill", map[string]string{"invoice_number": "20240701001"})
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(doc))
	assert.Equal(t, ContentTypePDF, contentType)
	assert.Equal(t, "single-meter-bill", got.Template)
}

func TestRenderFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template missing", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	r := NewPDFRenderer(srv.URL, NewDefaultHTTPClient(time.Second), zap.NewNop())
	_, _, err := r.Render(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestRenderWithoutServiceReturnsJSON(t *testing.T) {
	r := NewPDFRenderer("", nil, zap.NewNop())
	doc, contentType, err := r.Render(context.Background(), "area-consolidated-bill", map[string]int{"meters": 3})
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, contentType)
	assert.JSONEq(t, `{"template":"area-consolidated-bill","data":{"meters":3}}`, string(doc))
}

func TestRenderRejectsNonPDFResponses(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		wantErr     bool
	}{
		{name: "pdf with parameters", contentType: "application/pdf; qs=0.9", wantErr: false},
		{name: "html error page", contentType: "text/html; charset=utf-8", wantErr: true},
		{name: "json", contentType: "application/json", wantErr: true},
		{name: "missing", contentType: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header()["Content-Type"] = []string{tc.contentType}
				_, _ = w.Write([]byte("<html>maintenance</html>"))
			}))
			defer srv.Close()

			r := NewPDFRenderer(srv.URL, NewDefaultHTTPClient(time.Second), zap.NewNop())
			doc, contentType, err := r.Render(context.Background(), "single-meter-bill", nil)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "content type")
				assert.Nil(t, doc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ContentTypePDF, contentType)
		})
	}
}
