package healthcheck

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthChecker_LivenessCheck(t *testing.T) {
	// Liveness check 不依赖外部服务，应该总是成功
	hc := NewHealthChecker(nil, nil, nil, "test")

	result := hc.LivenessCheck()

	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "running", result.Checks["service"])
	assert.Equal(t, "test", result.Version)
}

func TestHealthChecker_ReadinessCheck(t *testing.T) {
	tests := []struct {
		name       string
		redis      Pinger
		wantStatus string
		wantRedis  string
	}{
		{name: "无依赖", wantStatus: "ok"},
		{name: "redis 正常", redis: fakePinger{}, wantStatus: "ok", wantRedis: "ok"},
		{name: "redis 异常", redis: fakePinger{err: errors.New("connection refused")}, wantStatus: "error", wantRedis: "error: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(nil, tt.redis, nil, "")
			result := hc.ReadinessCheck(context.Background())

			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, "disabled", result.Checks["postgres"])
			if tt.wantRedis != "" {
				assert.Equal(t, tt.wantRedis, result.Checks["redis"])
			}
		})
	}
}
