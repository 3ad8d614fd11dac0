package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP 请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diagsync_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 服务端诊断任务指标
	DiagnosisCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diagsync_diagnosis_created_total",
			Help: "Total number of diagnosis tasks created",
		},
	)

	DiagnosisReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagsync_diagnosis_reports_total",
			Help: "Total number of executor progress reports",
		},
		[]string{"status", "result"},
	)

	PushSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagsync_push_subscribers",
			Help: "Number of open push connections",
		},
	)

	// 客户端同步指标
	SyncPollRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagsync_sync_poll_requests_total",
			Help: "Total number of status fetches issued by the poller",
		},
		[]string{"result"},
	)

	SyncReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diagsync_sync_reconnects_total",
			Help: "Total number of scheduled push reconnects",
		},
	)

	SyncFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diagsync_sync_fallbacks_total",
			Help: "Total number of push to polling fallbacks",
		},
	)

	SyncSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagsync_sync_sessions_active",
			Help: "Number of tracked diagnosis tasks",
		},
	)

	SyncOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagsync_sync_outcomes_total",
			Help: "Terminal outcomes delivered to callers",
		},
		[]string{"outcome"},
	)

	// 数据库连接池指标
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagsync_db_connections_in_use",
			Help: "Number of database connections in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagsync_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// 错误指标
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagsync_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "type"},
	)
)

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path string, status int, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordDiagnosisCreated 记录诊断任务创建
func RecordDiagnosisCreated() {
	DiagnosisCreatedTotal.Inc()
}

// RecordDiagnosisReport 记录执行端上报
func RecordDiagnosisReport(status string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	DiagnosisReportsTotal.WithLabelValues(status, result).Inc()
}

// RecordSyncPoll 记录一次状态拉取
func RecordSyncPoll(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	SyncPollRequestsTotal.WithLabelValues(result).Inc()
}

// RecordSyncReconnect 记录一次推送重连
func RecordSyncReconnect() {
	SyncReconnectsTotal.Inc()
}

// RecordSyncFallback 记录推送降级为轮询
func RecordSyncFallback() {
	SyncFallbacksTotal.Inc()
}

// RecordSyncOutcome 记录终态回调
func RecordSyncOutcome(outcome string) {
	SyncOutcomesTotal.WithLabelValues(outcome).Inc()
}

// UpdateDBPoolStats 更新数据库连接池统计
func UpdateDBPoolStats(inUse, idle int) {
	DBConnectionsInUse.Set(float64(inUse))
	DBConnectionsIdle.Set(float64(idle))
}

// RecordError 记录错误
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// statusClass 将 HTTP 状态码转为类别
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
