package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienar/ixcharged/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func assertSecurityHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", rec.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "max-age=63072000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeadersOnPointResponses(t *testing.T) {
	h := NewServer(newFakeDevice(), zap.NewNop(), ":0", config.AuthConfig{}).Handler()

	tests := []struct {
		method string
		target string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/points", "", http.StatusOK},
		{http.MethodGet, "/api/points/switch.charging_enable", "", http.StatusOK},
		{http.MethodGet, "/api/points/sensor.nope", "", http.StatusNotFound},
		{http.MethodPut, "/api/points/number.target_current", `{"value":10}`, http.StatusAccepted},
		{http.MethodPut, "/api/points/sensor.charging_status", `{"value":1}`, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		rec := serve(t, h, tt.method, tt.target, tt.body)
		assert.Equal(t, tt.want, rec.Code, "%s %s", tt.method, tt.target)
		assertSecurityHeaders(t, rec)
	}
}

func TestSecurityHeadersOnUnauthorized(t *testing.T) {
	h := NewServer(newFakeDevice(), zap.NewNop(), ":0", config.AuthConfig{
		Enabled:  true,
		Username: "admin",
		Password: "secret",
	}).Handler()

	rec := serve(t, h, http.MethodGet, "/api/points", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assertSecurityHeaders(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/api/points", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assertSecurityHeaders(t, rec)
}
