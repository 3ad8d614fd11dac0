package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/azhengyongqin/diagsync/internal/healthcheck"
	"github.com/azhengyongqin/diagsync/internal/hub"
	"github.com/azhengyongqin/diagsync/internal/middleware"
	"github.com/azhengyongqin/diagsync/internal/server/handler"
)

type Deps struct {
	// Service 诊断任务状态中心
	Service *hub.Service

	// HealthChecker 健康检查器（可选）
	HealthChecker *healthcheck.HealthChecker

	// AuthToken 为空时不鉴权
	AuthToken string

	// PushPingInterval 推送连接 ping 间隔
	PushPingInterval time.Duration

	// RateLimitRPS 每个客户端 IP 的请求速率，0 表示不限流
	RateLimitRPS   float64
	RateLimitBurst int

	// Monitoring 是否暴露 /metrics
	Monitoring bool
}

// NewRouter 提供 Gin HTTP API
// @title diagsync API
// @version 1.0.0
// @description 诊断任务状态中心：创建任务、执行端上报、客户端轮询与推送订阅
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func NewRouter(deps Deps) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	// 全局中间件
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware())
	r.Use(middleware.PrometheusMiddleware())
	r.Use(middleware.PayloadSizeLimit(middleware.MaxPayloadSize))
	r.Use(middleware.CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps.HealthChecker, deps.Service)
	diagnosisHandler := handler.NewDiagnosisHandler(deps.Service)
	pushHandler := handler.NewPushHandler(deps.Service, deps.PushPingInterval)

	// 健康检查路由
	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)

	// Prometheus metrics 端点
	if deps.Monitoring {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// Swagger API 文档
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")
	api.Use(middleware.TokenAuth(deps.AuthToken))
	api.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))
	{
		api.POST("/diagnosis", diagnosisHandler.CreateDiagnosis)
		api.GET("/diagnosis", diagnosisHandler.ListDiagnosis)
		api.GET("/diagnosis/:task_id", middleware.ValidateTaskIDParam(), diagnosisHandler.GetDiagnosis)
		api.GET("/diagnosis/:task_id/status", middleware.ValidateTaskIDParam(), diagnosisHandler.GetStatus)
		api.POST("/diagnosis/:task_id/report", middleware.ValidateTaskIDParam(), diagnosisHandler.ReportStatus)

		// 推送订阅
		api.GET("/ws/diagnosis/:task_id", middleware.ValidateTaskIDParam(), pushHandler.Subscribe)
	}

	return r
}
