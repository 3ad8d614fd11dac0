package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/logger"
)

const (
	// MaxBodyLogSize 最大记录的请求/响应体大小（字节）
	MaxBodyLogSize = 4096
)

// quietPaths 探活与指标端点只在出错时记录
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type readCloser struct {
	io.Reader
	io.Closer
}

// responseWriter 包装 gin.ResponseWriter，缓存较小的响应体用于 5xx 排查
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
	size int
}

func (w *responseWriter) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.size += size
	if w.body.Len()+len(b) <= MaxBodyLogSize {
		w.body.Write(b)
	}
	return size, err
}

// LoggingMiddleware 记录请求日志。websocket 升级请求不包装 ResponseWriter。
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := GetRequestID(c)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		upgrade := strings.EqualFold(c.GetHeader("Upgrade"), "websocket")

		// 仅记录较小的上报请求体
		var requestBody string
		if !upgrade && c.Request.Body != nil && c.Request.Method == http.MethodPost {
			// 只读取前 MaxBodyLogSize+1 字节，其余部分原样交给后续处理器
			head, _ := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyLogSize+1))
			c.Request.Body = readCloser{
				Reader: io.MultiReader(bytes.NewReader(head), c.Request.Body),
				Closer: c.Request.Body,
			}
			switch {
			case len(head) > MaxBodyLogSize:
				requestBody = string(head[:MaxBodyLogSize]) + "... (truncated)"
			case len(head) > 0:
				requestBody = string(head)
			}
		}

		var blw *responseWriter
		if !upgrade {
			blw = &responseWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
			c.Writer = blw
		}

		c.Next()

		status := c.Writer.Status()
		if quietPaths[path] && status < 400 {
			return
		}

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.L.Error()
		case status >= 400:
			ev = logger.L.Warn()
		default:
			ev = logger.L.Info()
		}

		if requestID != "" {
			ev = ev.Str("request_id", requestID)
		}
		ev = ev.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration(ms)", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if blw != nil {
			ev = ev.Int("response_size", blw.size)
		}
		if c.Request.URL.RawQuery != "" && !strings.Contains(c.Request.URL.RawQuery, "token=") {
			ev = ev.Str("query", c.Request.URL.RawQuery)
		}
		if requestBody != "" {
			ev = ev.Str("request_body", requestBody)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		if status >= 500 && blw != nil && blw.body.Len() > 0 {
			ev = ev.Str("response_body", blw.body.String())
		}

		if upgrade {
			ev.Msg("推送连接结束")
			return
		}
		ev.Msg("HTTP 请求")
	}
}

// GetRequestID 从上下文中获取请求 ID
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
