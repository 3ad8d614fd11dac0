package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/diagsync/internal/healthcheck"
)

type stubProber struct{ err error }

func (p stubProber) Probe(context.Context) error { return p.err }

func serveHealth(t *testing.T, h *HealthHandler, path string) (int, healthcheck.CheckResult) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var result healthcheck.CheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result), w.Body.String())
	return w.Code, result
}

func TestHealthHandler_Liveness(t *testing.T) {
	code, result := serveHealth(t, NewHealthHandler(nil, stubProber{err: errors.New("down")}), "/healthz")
	assert.Equal(t, http.StatusOK, code, "存活检查不访问存储")
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "running", result.Checks["service"])
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		prober StoreProber
		code   int
		check  string
	}{
		{name: "存储可用", prober: stubProber{}, code: http.StatusOK, check: "ok"},
		{name: "存储不可用", prober: stubProber{err: errors.New("connection refused")}, code: http.StatusServiceUnavailable, check: "error: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, result := serveHealth(t, NewHealthHandler(nil, tt.prober), "/readyz")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.check, result.Checks["diagnosis_store"])
		})
	}
}

func TestHealthHandler_ReadinessWithChecker(t *testing.T) {
	checker := healthcheck.NewHealthChecker(nil, nil, nil, "v1.2.3")
	code, result := serveHealth(t, NewHealthHandler(checker, stubProber{}), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1.2.3", result.Version)
	assert.Equal(t, "disabled", result.Checks["postgres"])
	assert.Equal(t, "ok", result.Checks["diagnosis_store"])
}
