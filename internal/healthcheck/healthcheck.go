package healthcheck

import (
	"context"
	"database/sql"
	"time"

	"github.com/hibiken/asynq"

	"github.com/azhengyongqin/diagsync/internal/metrics"
)

// Pinger 可探活的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器；未配置的依赖不参与检查
type HealthChecker struct {
	db        *sql.DB
	redis     Pinger
	inspector *asynq.Inspector
	version   string
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(db *sql.DB, redis Pinger, inspector *asynq.Inspector, version string) *HealthChecker {
	return &HealthChecker{
		db:        db,
		redis:     redis,
		inspector: inspector,
		version:   version,
	}
}

// CheckResult 健康检查结果
type CheckResult struct {
	Status  string            `json:"status"` // "ok" or "error"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// LivenessCheck 存活检查（快速返回，不检查依赖）
func (h *HealthChecker) LivenessCheck() CheckResult {
	return CheckResult{
		Status: "ok",
		Checks: map[string]string{
			"service": "running",
		},
		Version: h.version,
	}
}

// ReadinessCheck 就绪检查（检查所有依赖）
func (h *HealthChecker) ReadinessCheck(ctx context.Context) CheckResult {
	result := CheckResult{
		Status:  "ok",
		Checks:  make(map[string]string),
		Version: h.version,
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	record := func(name string, err error) {
		if err != nil {
			result.Checks[name] = "error: " + err.Error()
			result.Status = "error"
			metrics.RecordError("healthcheck", name)
			return
		}
		result.Checks[name] = "ok"
	}

	if h.db != nil {
		record("postgres", h.db.PingContext(ctx))
		stats := h.db.Stats()
		metrics.UpdateDBPoolStats(stats.InUse, stats.Idle)
	} else {
		result.Checks["postgres"] = "disabled"
	}

	if h.redis != nil {
		record("redis", h.redis.Ping(ctx))
	}

	if h.inspector != nil {
		_, err := h.inspector.Queues()
		record("queue", err)
	}

	return result
}
