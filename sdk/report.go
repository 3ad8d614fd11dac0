package sdk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/logger"
)

// StatusReporter 执行端进度上报接口，*Client 满足该接口
type StatusReporter interface {
	ReportStatus(ctx context.Context, taskID string, req ReportRequest) error
}

// ReportRetryConfig 上报重试配置
type ReportRetryConfig struct {
	MaxRetries     int           // 最大重试次数，默认 3
	InitialBackoff time.Duration // 初始退避时间，默认 1秒
	MaxBackoff     time.Duration // 最大退避时间，默认 30秒
	BackoffFactor  float64       // 退避因子，默认 2.0（指数退避）
}

// DefaultReportRetryConfig 默认重试配置
func DefaultReportRetryConfig() ReportRetryConfig {
	return ReportRetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// ReportWithRetry 带重试的状态上报。状态转换被服务端拒绝或鉴权失败时不重试。
func ReportWithRetry(ctx context.Context, reporter StatusReporter, taskID string, req ReportRequest, config ReportRetryConfig) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = config.InitialBackoff
	exp.MaxInterval = config.MaxBackoff
	exp.Multiplier = config.BackoffFactor
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(config.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := reporter.ReportStatus(ctx, taskID, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.L.Warn().Err(err).
			Str("task_id", taskID).
			Int("attempt", attempt).
			Dur("next", next).
			Msg("上报失败，准备重试")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("report status after %d attempts: %w", attempt, err)
	}
	return nil
}

// ReportStep 模拟执行端的一步进度
type ReportStep struct {
	Request ReportRequest
	Delay   time.Duration
}

// Reporter 按顺序上报进度脚本（开发调试用的执行端）
type Reporter struct {
	client StatusReporter
	retry  ReportRetryConfig
	log    zerolog.Logger
}

// NewReporter 创建上报器
func NewReporter(client StatusReporter, retry ReportRetryConfig) *Reporter {
	return &Reporter{
		client: client,
		retry:  retry,
		log:    logger.WithComponent("reporter"),
	}
}

// Run 依次上报每个步骤，任一步失败即返回
func (r *Reporter) Run(ctx context.Context, taskID string, steps []ReportStep) error {
	for i, step := range steps {
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.Delay):
			}
		}
		if err := ReportWithRetry(ctx, r.client, taskID, step.Request, r.retry); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		r.log.Info().
			Str("task_id", taskID).
			Str("status", step.Request.Status.String()).
			Int("progress", step.Request.Progress).
			Msg("进度已上报")
	}
	return nil
}

// DefaultScript 一个完整的成功诊断流程
func DefaultScript(interval time.Duration) []ReportStep {
	return []ReportStep{
		{Request: ReportRequest{Status: StateAIFetching, Stage: "fetching", Progress: 10}},
		{Request: ReportRequest{Status: StateAIFetching, Stage: "fetching", Progress: 25}, Delay: interval},
		{Request: ReportRequest{Status: StateAnalyzing, Stage: "analyzing", Progress: 45}, Delay: interval},
		{Request: ReportRequest{Status: StateAnalyzing, Stage: "analyzing", Progress: 70}, Delay: interval},
		{Request: ReportRequest{Status: StateAnalyzing, Stage: "summarizing", Progress: 90}, Delay: interval},
		{Request: ReportRequest{Status: StateCompleted, Stage: "done", Progress: 100}, Delay: interval},
	}
}
