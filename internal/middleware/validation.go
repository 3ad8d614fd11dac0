package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// MaxPayloadSize 最大 payload 大小（2MB）
	MaxPayloadSize = 2 * 1024 * 1024
)

var (
	// TaskIDRegex TaskID 正则（字母数字连字符，1-128字符）
	TaskIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]{1,128}$`)

	// StatusRegex 状态过滤参数（小写字母与下划线）
	StatusRegex = regexp.MustCompile(`^[a-z_]{1,32}$`)
)

// PayloadSizeLimit Payload 大小限制中间件
func PayloadSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "请求体过大，最大允许 2MB",
			})
			c.Abort()
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// ValidateTaskID 验证 Task ID
func ValidateTaskID(taskID string) bool {
	return TaskIDRegex.MatchString(taskID)
}

// ValidateStatus 验证状态过滤参数
func ValidateStatus(status string) bool {
	return StatusRegex.MatchString(status)
}

// SanitizeString 清理字符串（去除前后空格与控制字符）
func SanitizeString(s string) string {
	s = strings.TrimSpace(s)

	var builder strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			builder.WriteRune(r)
		}
	}

	return builder.String()
}

// ValidateTaskIDParam Gin 中间件：验证路径参数中的 task_id
func ValidateTaskIDParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if taskID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "task_id 参数缺失",
			})
			c.Abort()
			return
		}

		if !ValidateTaskID(taskID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "task_id 格式无效，必须是1-128个字母、数字或连字符",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ipLimiter 单个客户端的令牌桶
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit 按客户端 IP 限流（令牌桶），超过时返回 429
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var (
		mu       sync.Mutex
		limiters = map[string]*ipLimiter{}
		lastGC   = time.Now()
	)

	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		// 定期清理 10 分钟未出现的客户端
		if now.Sub(lastGC) > time.Minute {
			for k, v := range limiters {
				if now.Sub(v.lastSeen) > 10*time.Minute {
					delete(limiters, k)
				}
			}
			lastGC = now
		}

		l, ok := limiters[ip]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[ip] = l
		}
		l.lastSeen = now
		return l.limiter
	}

	return func(c *gin.Context) {
		if !get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "请求过于频繁",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
