package sdk

import (
	"errors"
	"time"
)

// ProgressThresholds 进度分段阈值（百分比）
type ProgressThresholds struct {
	Low    int
	Medium int
	High   int
}

// StageIntervals 各进度段的轮询间隔下限
type StageIntervals struct {
	Fast   time.Duration
	Medium time.Duration
	Slow   time.Duration
	Final  time.Duration
}

// Config 同步选项
type Config struct {
	// 轮询
	BaseInterval       time.Duration
	MaxInterval        time.Duration
	MaxRetries         int
	Timeout            time.Duration
	ProgressThresholds ProgressThresholds
	StageIntervals     StageIntervals
	RequestsPerSecond  float64 // 0 表示不限速

	// 推送
	PushEnabled          bool
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	IdleCheckInterval    time.Duration
	IdleTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectFloor       time.Duration

	// 退避抖动系数，同时用于轮询重试与推送重连。0 取默认值，负数表示关闭抖动。
	JitterFactor float64

	// 编排
	PendingFreshness     time.Duration
	AuthFailureThreshold int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		BaseInterval: 1 * time.Second,
		MaxInterval:  10 * time.Second,
		MaxRetries:   5,
		Timeout:      10 * time.Minute,
		ProgressThresholds: ProgressThresholds{
			Low:    30,
			Medium: 60,
			High:   80,
		},
		StageIntervals: StageIntervals{
			Fast:   1000 * time.Millisecond,
			Medium: 2000 * time.Millisecond,
			Slow:   3000 * time.Millisecond,
			Final:  5000 * time.Millisecond,
		},

		PushEnabled:          true,
		ConnectTimeout:       8 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		IdleCheckInterval:    5 * time.Second,
		IdleTimeout:          60 * time.Second,
		MaxReconnectAttempts: 10,
		ReconnectInterval:    1 * time.Second,
		ReconnectMaxInterval: 30 * time.Second,
		ReconnectFloor:       1 * time.Second,

		JitterFactor: 0.3,

		PendingFreshness:     1 * time.Hour,
		AuthFailureThreshold: 2,
	}
}

// withDefaults 零值字段使用默认值
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ProgressThresholds == (ProgressThresholds{}) {
		c.ProgressThresholds = d.ProgressThresholds
	}
	if c.StageIntervals == (StageIntervals{}) {
		c.StageIntervals = d.StageIntervals
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = d.IdleCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = d.ReconnectMaxInterval
	}
	if c.ReconnectFloor <= 0 {
		c.ReconnectFloor = d.ReconnectFloor
	}
	switch {
	case c.JitterFactor == 0:
		c.JitterFactor = d.JitterFactor
	case c.JitterFactor < 0:
		c.JitterFactor = 0
	}
	if c.PendingFreshness <= 0 {
		c.PendingFreshness = d.PendingFreshness
	}
	if c.AuthFailureThreshold <= 0 {
		c.AuthFailureThreshold = d.AuthFailureThreshold
	}
	return c
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.BaseInterval > c.MaxInterval {
		return errors.New("BaseInterval must not exceed MaxInterval")
	}
	t := c.ProgressThresholds
	if !(0 < t.Low && t.Low < t.Medium && t.Medium < t.High && t.High < 100) {
		return errors.New("ProgressThresholds must satisfy 0 < Low < Medium < High < 100")
	}
	if c.JitterFactor >= 1 {
		return errors.New("JitterFactor must be below 1")
	}
	if c.ReconnectInterval > c.ReconnectMaxInterval {
		return errors.New("ReconnectInterval must not exceed ReconnectMaxInterval")
	}
	return nil
}
