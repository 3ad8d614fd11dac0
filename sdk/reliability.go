package sdk

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollInterval 根据进度计算下一次轮询间隔。
// 每个进度段在 [下限, 上限] 内按段内位置线性插值，结果不超过 MaxInterval。
func PollInterval(progress int, cfg Config) time.Duration {
	progress = clampProgress(progress)
	t := cfg.ProgressThresholds
	s := cfg.StageIntervals

	var lo, hi time.Duration
	var start, end int
	switch {
	case progress < t.Low:
		lo, hi = s.Fast, s.Fast*3/2
		start, end = 0, t.Low
	case progress < t.Medium:
		lo, hi = s.Medium, s.Medium*3/2
		start, end = t.Low, t.Medium
	case progress < t.High:
		lo, hi = s.Slow, s.Final
		start, end = t.Medium, t.High
	default:
		lo, hi = s.Final, cfg.MaxInterval
		start, end = t.High, 100
	}
	if hi < lo {
		hi = lo
	}

	d := lo
	if end > start {
		d = lo + time.Duration(float64(hi-lo)*float64(progress-start)/float64(end-start))
	}
	if d > cfg.MaxInterval {
		d = cfg.MaxInterval
	}
	return d
}

// RetryBackoff 轮询失败重试退避：第 n 次重试约为 BaseInterval×2^n（含抖动），
// 上限 MaxInterval，且连续重试的等待时间不递减。成功后调用 Reset。
type RetryBackoff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

// NewRetryBackoff 创建轮询重试退避
func NewRetryBackoff(cfg Config) *RetryBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseInterval * 2
	exp.Multiplier = 2
	exp.RandomizationFactor = cfg.JitterFactor
	// 上限在抖动之后再截断，这里只防止溢出
	exp.MaxInterval = time.Hour
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &RetryBackoff{exp: exp, max: cfg.MaxInterval}
}

// Next 返回下一次重试前的等待时间
func (b *RetryBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d < b.last {
		d = b.last
	}
	if d > b.max {
		d = b.max
	}
	b.last = d
	return d
}

// Reset 重置退避状态
func (b *RetryBackoff) Reset() {
	b.exp.Reset()
	b.last = 0
}

// ReconnectBackoff 推送重连退避：min(初始×2^(n-1), 上限) 加 ±JitterFactor 抖动，不低于 ReconnectFloor
type ReconnectBackoff struct {
	exp   *backoff.ExponentialBackOff
	floor time.Duration
}

// NewReconnectBackoff 创建重连退避
func NewReconnectBackoff(cfg Config) *ReconnectBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectInterval
	exp.MaxInterval = cfg.ReconnectMaxInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = cfg.JitterFactor
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &ReconnectBackoff{exp: exp, floor: cfg.ReconnectFloor}
}

// Next 返回下一次重连前的等待时间
func (b *ReconnectBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d < b.floor {
		d = b.floor
	}
	return d
}

// Reset 连接成功后重置
func (b *ReconnectBackoff) Reset() {
	b.exp.Reset()
}
