package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/cache"
	"github.com/azhengyongqin/diagsync/internal/metrics"
	asynqx "github.com/azhengyongqin/diagsync/internal/queue"
	"github.com/azhengyongqin/diagsync/internal/repository"
	"github.com/azhengyongqin/diagsync/sdk"
)

// ErrInvalidReport 上报内容不合法
var ErrInvalidReport = errors.New("invalid report")

// Enqueuer 诊断任务入队
type Enqueuer interface {
	EnqueueDiagnosis(ctx context.Context, taskID string, payload json.RawMessage) error
}

// StatusCache 状态快照缓存
type StatusCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

// Service 诊断任务状态中心：持久化、缓存与推送分发
type Service struct {
	repo     repository.DiagnosisRepository
	broker   Broker
	enqueuer Enqueuer
	cache    StatusCache
	cacheTTL time.Duration
	log      zerolog.Logger
}

// Option 服务选项
type Option func(*Service)

// WithEnqueuer 创建任务时入队执行
func WithEnqueuer(e Enqueuer) Option {
	return func(s *Service) { s.enqueuer = e }
}

// WithStatusCache 启用快照缓存
func WithStatusCache(c StatusCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService 创建服务
func NewService(repo repository.DiagnosisRepository, broker Broker, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		broker:   broker,
		cacheTTL: 15 * time.Minute,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker 推送分发器
func (s *Service) Broker() Broker { return s.broker }

// Create 创建诊断任务并入队；taskID 为空时自动生成
func (s *Service) Create(ctx context.Context, taskID string, payload json.RawMessage) (*repository.DiagnosisTask, error) {
	if taskID == "" {
		taskID = asynqx.NewTaskID()
	}
	task := repository.DiagnosisTask{
		TaskID:  taskID,
		Status:  sdk.StateInitializing,
		Payload: payload,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	metrics.RecordDiagnosisCreated()

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueDiagnosis(ctx, taskID, payload); err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("诊断任务入队失败")
			metrics.RecordError("hub", "enqueue")
			// 入队失败直接置为 failed，避免客户端一直等待
			task.Status = sdk.StateFailed
			task.ErrorMessage = "enqueue failed"
			if uerr := s.repo.Update(ctx, task); uerr != nil {
				s.log.Error().Err(uerr).Str("task_id", taskID).Msg("更新任务状态失败")
			}
			return nil, fmt.Errorf("enqueue diagnosis: %w", err)
		}
	}

	s.log.Info().Str("task_id", taskID).Msg("诊断任务已创建")
	created, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, created.Snapshot())
	return created, nil
}

// Get 获取任务详情
func (s *Service) Get(ctx context.Context, taskID string) (*repository.DiagnosisTask, error) {
	return s.repo.Get(ctx, taskID)
}

// List 查询任务列表
func (s *Service) List(ctx context.Context, f repository.ListFilter) ([]repository.DiagnosisTask, int, error) {
	items, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Probe 确认任务存储可查询，用于就绪检查
func (s *Service) Probe(ctx context.Context) error {
	_, err := s.repo.Count(ctx, repository.ListFilter{})
	return err
}

// Status 获取状态快照（缓存优先）
func (s *Service) Status(ctx context.Context, taskID string) (sdk.StatusSnapshot, error) {
	if s.cache != nil {
		var snap sdk.StatusSnapshot
		err := s.cache.Get(ctx, statusKey(taskID), &snap)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn().Err(err).Str("task_id", taskID).Msg("读取状态缓存失败")
		}
	}

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return sdk.StatusSnapshot{}, err
	}
	snap := task.Snapshot()
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

// Report 处理执行端进度上报：校验状态可达后持久化、更新缓存并推送
func (s *Service) Report(ctx context.Context, taskID string, req sdk.ReportRequest) (sdk.StatusSnapshot, error) {
	next, err := sdk.ParseTaskState(string(req.Status))
	if err != nil {
		return sdk.StatusSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if req.Progress < 0 || req.Progress > 100 {
		return sdk.StatusSnapshot{}, fmt.Errorf("%w: progress %d out of range", ErrInvalidReport, req.Progress)
	}
	if len(req.Results) > 0 && !json.Valid(req.Results) {
		return sdk.StatusSnapshot{}, fmt.Errorf("%w: results is not valid json", ErrInvalidReport)
	}

	cur, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return sdk.StatusSnapshot{}, err
	}

	if !sdk.Reachable(cur.Status, next) {
		metrics.RecordDiagnosisReport(string(next), false)
		return sdk.StatusSnapshot{}, fmt.Errorf("%w: %s -> %s", sdk.ErrIllegalTransition, cur.Status, next)
	}

	// 终态重复上报：幂等返回
	if cur.Status.IsTerminal() {
		metrics.RecordDiagnosisReport(string(next), true)
		return cur.Snapshot(), nil
	}

	progress := req.Progress
	if next == cur.Status && progress < cur.Progress {
		s.log.Warn().Str("task_id", taskID).Int("previous", cur.Progress).Int("progress", progress).Msg("上报进度回退，保留原进度")
		progress = cur.Progress
	}

	cur.Status = next
	cur.Stage = req.Stage
	cur.Progress = progress
	cur.ErrorMessage = req.ErrorMessage
	if len(req.Results) > 0 {
		cur.Results = req.Results
	}
	if err := s.repo.Update(ctx, *cur); err != nil {
		return sdk.StatusSnapshot{}, err
	}
	metrics.RecordDiagnosisReport(string(next), true)

	updated, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return sdk.StatusSnapshot{}, err
	}
	snap := updated.Snapshot()
	s.cacheSnapshot(ctx, snap)

	msg := MessageFor(snap, len(req.Results) > 0)
	if err := s.broker.Publish(ctx, taskID, msg); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("推送状态失败")
		metrics.RecordError("hub", "publish")
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("status", snap.Status.String()).
		Int("progress", snap.Progress).
		Msg("任务状态已更新")
	return snap, nil
}

// MessageFor 根据快照选择推送事件：失败/超时为 error，成功终态为 complete，携带结果为 result，其余为 progress
func MessageFor(snap sdk.StatusSnapshot, hasResults bool) sdk.PushMessage {
	msg := sdk.PushMessage{TaskID: snap.TaskID, Data: &snap}
	switch {
	case snap.Status == sdk.StateFailed || snap.Status == sdk.StateTimeout:
		msg.Event = sdk.PushError
		msg.Message = snap.ErrorMessage
		if msg.Message == "" {
			msg.Message = "diagnosis " + snap.Status.String()
		}
	case snap.Status.IsSuccess():
		msg.Event = sdk.PushComplete
	case hasResults:
		msg.Event = sdk.PushResult
	default:
		msg.Event = sdk.PushProgress
	}
	return msg
}

// IsFinalMessage 推送后是否应关闭连接
func IsFinalMessage(msg sdk.PushMessage) bool {
	return msg.Event == sdk.PushComplete || msg.Event == sdk.PushError
}

func statusKey(taskID string) string {
	return cache.CacheKey("status", taskID)
}

func (s *Service) cacheSnapshot(ctx context.Context, snap sdk.StatusSnapshot) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, statusKey(snap.TaskID), snap, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("task_id", snap.TaskID).Msg("写入状态缓存失败")
	}
}
