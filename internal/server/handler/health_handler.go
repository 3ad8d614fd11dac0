package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/azhengyongqin/diagsync/internal/healthcheck"
	"github.com/azhengyongqin/diagsync/internal/metrics"
)

const storeProbeTimeout = 2 * time.Second

// StoreProber 任务存储探活，*hub.Service 满足该接口
type StoreProber interface {
	Probe(ctx context.Context) error
}

// HealthHandler 健康检查 Handler。
// 外部依赖由 HealthChecker 检查（未配置时视为 disabled），任务存储总是参与就绪检查，内存模式也不例外。
type HealthHandler struct {
	checker *healthcheck.HealthChecker
	store   StoreProber
}

// NewHealthHandler 创建 HealthHandler
func NewHealthHandler(checker *healthcheck.HealthChecker, store StoreProber) *HealthHandler {
	return &HealthHandler{checker: checker, store: store}
}

// Liveness godoc
// @Summary Liveness 检查
// @Description 服务存活检查，不访问任何依赖
// @Tags Health
// @Produce json
// @Success 200 {object} healthcheck.CheckResult
// @Router /healthz [get]
func (h *HealthHandler) Liveness(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusOK, healthcheck.CheckResult{Status: "ok", Checks: map[string]string{"service": "running"}})
		return
	}
	c.JSON(http.StatusOK, h.checker.LivenessCheck())
}

// Readiness godoc
// @Summary Readiness 检查
// @Description 服务就绪检查：任务存储可查询，且已配置的 PostgreSQL、Redis、队列可达
// @Tags Health
// @Produce json
// @Success 200 {object} healthcheck.CheckResult
// @Failure 503 {object} healthcheck.CheckResult
// @Router /readyz [get]
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx := c.Request.Context()

	result := healthcheck.CheckResult{Status: "ok", Checks: map[string]string{}}
	if h.checker != nil {
		result = h.checker.ReadinessCheck(ctx)
	}

	if h.store != nil {
		pctx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
		err := h.store.Probe(pctx)
		cancel()
		if err != nil {
			result.Checks["diagnosis_store"] = "error: " + err.Error()
			result.Status = "error"
			metrics.RecordError("healthcheck", "diagnosis_store")
		} else {
			result.Checks["diagnosis_store"] = "ok"
		}
	}

	if result.Status == "error" {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
