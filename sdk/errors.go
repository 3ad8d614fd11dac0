package sdk

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIllegalTransition 状态机收到未定义的 (状态, 事件) 组合
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrNetwork 状态拉取或连接的网络错误
	ErrNetwork = errors.New("transport network error")
	// ErrTimeout 单次请求或连接超时
	ErrTimeout = errors.New("transport timeout")
	// ErrAuthentication 服务端拒绝凭证（401/403）
	ErrAuthentication = errors.New("authentication failed")
	// ErrProtocolParse 推送消息或状态快照无法解析
	ErrProtocolParse = errors.New("protocol parse error")
	// ErrFallbackExhausted 推送与轮询均失败
	ErrFallbackExhausted = errors.New("all transports exhausted")
	// ErrFallback 推送客户端已进入 fallback，不可再连接
	ErrFallback = errors.New("push client is in fallback state")
	// ErrNotFound 任务不存在
	ErrNotFound = errors.New("task not found")
)

// ErrorReason 对调用方暴露的错误分类
type ErrorReason string

const (
	ReasonNetwork           ErrorReason = "network"
	ReasonAuthentication    ErrorReason = "authentication"
	ReasonTaskFailed        ErrorReason = "task_failed"
	ReasonFallbackExhausted ErrorReason = "fallback_exhausted"
)

const (
	msgNetwork           = "Unable to reach the diagnosis service. Please check your connection and try again later."
	msgAuthentication    = "Your session is no longer authorized. Please sign in again."
	msgTaskFailed        = "The diagnosis could not be completed."
	msgFallbackExhausted = "Lost connection to the diagnosis service. Please try again later."
	msgTimeout           = "The diagnosis is taking longer than expected. Please check back later."
)

// ErrorInfo onError 回调参数
type ErrorInfo struct {
	TaskID   string
	Reason   ErrorReason
	Message  string
	Snapshot *StatusSnapshot
	Err      error
}

func (e ErrorInfo) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e ErrorInfo) Unwrap() error { return e.Err }

// TimeoutInfo onTimeout 回调参数
type TimeoutInfo struct {
	TaskID  string
	Elapsed time.Duration
	Message string
}

func networkError(taskID string, err error) ErrorInfo {
	return ErrorInfo{TaskID: taskID, Reason: ReasonNetwork, Message: msgNetwork, Err: err}
}

func authError(taskID string, err error) ErrorInfo {
	return ErrorInfo{TaskID: taskID, Reason: ReasonAuthentication, Message: msgAuthentication, Err: err}
}

func fallbackExhaustedError(taskID string, err error) ErrorInfo {
	return ErrorInfo{TaskID: taskID, Reason: ReasonFallbackExhausted, Message: msgFallbackExhausted, Err: err}
}

func taskFailedError(snap StatusSnapshot) ErrorInfo {
	msg := snap.ErrorMessage
	if msg == "" {
		msg = msgTaskFailed
	}
	s := snap
	return ErrorInfo{TaskID: snap.TaskID, Reason: ReasonTaskFailed, Message: msg, Snapshot: &s}
}

func timeoutInfo(taskID string, elapsed time.Duration) TimeoutInfo {
	return TimeoutInfo{TaskID: taskID, Elapsed: elapsed, Message: msgTimeout}
}

// IsAuthError 判断是否为认证错误
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
