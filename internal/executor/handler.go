package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/logger"
	asynqx "github.com/azhengyongqin/diagsync/internal/queue"
	"github.com/azhengyongqin/diagsync/sdk"
)

// Handler 消费 diagnosis:run 任务，按脚本向状态中心上报进度。
// 用于本地联调，真实执行端只需实现同样的上报协议。
type Handler struct {
	reporter *sdk.Reporter
	client   sdk.StatusReporter
	retry    sdk.ReportRetryConfig
	interval time.Duration
	log      zerolog.Logger
}

// NewHandler 创建处理器
func NewHandler(client sdk.StatusReporter, retry sdk.ReportRetryConfig, interval time.Duration) *Handler {
	return &Handler{
		reporter: sdk.NewReporter(client, retry),
		client:   client,
		retry:    retry,
		interval: interval,
		log:      logger.WithComponent("executor"),
	}
}

// Register 注册到 asynq ServeMux
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(asynqx.TypeDiagnosisRun, h.ProcessTask)
}

// ProcessTask 执行一次诊断。脚本中途失败时上报 failed；
// 状态已不可推进（非法转换）的任务不再重试。
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := asynqx.ParseDiagnosisPayload(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	retryCount, _ := asynq.GetRetryCount(ctx)
	log := h.log.With().Str("task_id", p.TaskID).Int("attempt", retryCount+1).Logger()
	log.Info().Msg("开始执行诊断")

	err = h.reporter.Run(ctx, p.TaskID, sdk.DefaultScript(h.interval))
	switch {
	case err == nil:
		log.Info().Msg("诊断执行完成")
		return nil
	case errors.Is(err, sdk.ErrIllegalTransition), errors.Is(err, sdk.ErrNotFound):
		log.Warn().Err(err).Msg("任务状态不可推进，放弃执行")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case ctx.Err() != nil:
		// asynq 超时或取消，交由重试策略处理
		return err
	}

	log.Error().Err(err).Msg("诊断执行失败")
	failed := sdk.ReportRequest{Status: sdk.StateFailed, ErrorMessage: err.Error()}
	if rerr := sdk.ReportWithRetry(ctx, h.client, p.TaskID, failed, h.retry); rerr != nil {
		log.Error().Err(rerr).Msg("上报失败状态失败")
	}
	return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
}
