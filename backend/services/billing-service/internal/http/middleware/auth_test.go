package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware(t *testing.T) {
	var seen Actor
	handler := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		header string
		query  string
		status int
		actor  Actor
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer abc", status: http.StatusUnauthorized},
		{
			name:   "numeric id with name",
			header: "Bearer " + sign(t, jwt.MapClaims{"user_id": 42, "name": "Ada", "exp": exp}),
			status: http.StatusNoContent,
			actor:  Actor{ID: "42", Name: "Ada"},
		},
		{
			name:   "subject fallback",
			header: "Bearer " + sign(t, jwt.MapClaims{"sub": "u-7", "exp": exp}),
			status: http.StatusNoContent,
			actor:  Actor{ID: "u-7", Name: "u-7"},
		},
		{
			name:   "query token",
			query:  "?token=" + sign(t, jwt.MapClaims{"user_id": "u-1", "exp": exp}),
			status: http.StatusNoContent,
			actor:  Actor{ID: "u-1", Name: "u-1"},
		},
		{
			name:   "expired",
			header: "Bearer " + sign(t, jwt.MapClaims{"user_id": "u-1", "exp": time.Now().Add(-time.Hour).Unix()}),
			status: http.StatusUnauthorized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = Actor{}
			req := httptest.NewRequest(http.MethodGet, "/readings"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.actor, seen)
		})
	}
}
