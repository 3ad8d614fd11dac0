package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/internal/metrics"
)

// FetchFunc 拉取任务状态
type FetchFunc func(ctx context.Context, taskID string) (*StatusSnapshot, error)

// Callbacks 任务同步回调。OnComplete、OnError、OnTimeout 每个会话恰好触发其中一个。
type Callbacks struct {
	OnStatus   func(StatusSnapshot)
	OnComplete func(StatusSnapshot)
	OnError    func(ErrorInfo)
	OnTimeout  func(TimeoutInfo)
}

func (c Callbacks) status(s StatusSnapshot) {
	if c.OnStatus != nil {
		c.OnStatus(s)
	}
}

func (c Callbacks) complete(s StatusSnapshot) {
	if c.OnComplete != nil {
		c.OnComplete(s)
	}
}

func (c Callbacks) error(e ErrorInfo) {
	if c.OnError != nil {
		c.OnError(e)
	}
}

func (c Callbacks) timeout(t TimeoutInfo) {
	if c.OnTimeout != nil {
		c.OnTimeout(t)
	}
}

// StartOption 单次轮询会话选项
type StartOption func(*startOptions)

type startOptions struct {
	cfg       *Config
	startedAt time.Time
	observer  func(error)
}

// WithConfig 覆盖该会话的配置
func WithConfig(cfg Config) StartOption {
	return func(o *startOptions) { o.cfg = &cfg }
}

// WithStartedAt 指定会话开始时间（恢复任务时沿用原始时间）
func WithStartedAt(t time.Time) StartOption {
	return func(o *startOptions) { o.startedAt = t }
}

// WithAttemptObserver 每次拉取结束后回调，err 为 nil 表示成功
func WithAttemptObserver(fn func(error)) StartOption {
	return func(o *startOptions) { o.observer = fn }
}

// PollerOption Poller 选项
type PollerOption func(*Poller)

// WithPollerLogger 设置日志器
func WithPollerLogger(l zerolog.Logger) PollerOption {
	return func(p *Poller) { p.log = l }
}

// WithRateLimiter 所有会话共享的请求限速器
func WithRateLimiter(l *rate.Limiter) PollerOption {
	return func(p *Poller) { p.limiter = l }
}

// Poller 自适应轮询引擎，按 taskID 管理多个并发会话
type Poller struct {
	cfg     Config
	log     zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*pollSession
}

type pollSession struct {
	taskID    string
	fetch     FetchFunc
	cb        Callbacks
	cfg       Config
	observer  func(error)
	startedAt time.Time
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu         sync.Mutex
	paused     bool
	retryCount int
	snapshot   *StatusSnapshot
	sm         *StateMachine
}

// NewPoller 创建轮询引擎
func NewPoller(cfg Config, opts ...PollerOption) *Poller {
	cfg = cfg.withDefaults()
	p := &Poller{
		cfg:      cfg,
		log:      logger.WithComponent("poller"),
		now:      time.Now,
		sessions: make(map[string]*pollSession),
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 开始轮询。已存在同 taskID 的会话时先停止旧会话。
func (p *Poller) Start(taskID string, fetch FetchFunc, cb Callbacks, opts ...StartOption) {
	o := startOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := p.cfg
	if o.cfg != nil {
		cfg = o.cfg.withDefaults()
	}
	startedAt := o.startedAt
	if startedAt.IsZero() {
		startedAt = p.now()
	}

	ctx, cancel := context.WithDeadline(context.Background(), startedAt.Add(cfg.Timeout))
	log := p.log.With().Str("task_id", taskID).Logger()
	s := &pollSession{
		taskID:    taskID,
		fetch:     fetch,
		cb:        cb,
		cfg:       cfg,
		observer:  o.observer,
		startedAt: startedAt,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		sm:        NewStateMachine(log),
	}

	p.mu.Lock()
	if old := p.sessions[taskID]; old != nil {
		old.cancel()
	}
	p.sessions[taskID] = s
	p.mu.Unlock()

	log.Debug().Dur("timeout", cfg.Timeout).Msg("开始轮询")
	go p.run(s)
}

// Stop 停止轮询并释放资源，之后不会再有任何回调
func (p *Poller) Stop(taskID string) {
	p.mu.Lock()
	s := p.sessions[taskID]
	delete(p.sessions, taskID)
	p.mu.Unlock()

	if s != nil {
		s.cancel()
		s.log.Debug().Msg("停止轮询")
	}
}

// StopAll 停止所有会话
func (p *Poller) StopAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*pollSession)
	p.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
}

// Pause 暂停轮询，保留重试次数与进度
func (p *Poller) Pause(taskID string) {
	if s := p.get(taskID); s != nil {
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	}
}

// Resume 恢复轮询并立即拉取一次
func (p *Poller) Resume(taskID string) {
	s := p.get(taskID)
	if s == nil {
		return
	}
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if wasPaused {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// IsActive 是否存在活跃会话
func (p *Poller) IsActive(taskID string) bool {
	return p.get(taskID) != nil
}

// ActiveCount 活跃会话数
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Snapshot 最近一次收到的状态快照
func (p *Poller) Snapshot(taskID string) (StatusSnapshot, bool) {
	s := p.get(taskID)
	if s == nil {
		return StatusSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return StatusSnapshot{}, false
	}
	return *s.snapshot, true
}

// ElapsedSeconds 已耗时（秒），未知任务返回 0
func (p *Poller) ElapsedSeconds(taskID string) int {
	s := p.get(taskID)
	if s == nil {
		return 0
	}
	return int(p.now().Sub(s.startedAt) / time.Second)
}

// RemainingSeconds 剩余时间（秒），不小于 0
func (p *Poller) RemainingSeconds(taskID string) int {
	s := p.get(taskID)
	if s == nil {
		return 0
	}
	remaining := s.cfg.Timeout - p.now().Sub(s.startedAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

func (p *Poller) get(taskID string) *pollSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[taskID]
}

func (p *Poller) isCurrent(s *pollSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[s.taskID] == s && s.ctx.Err() == nil
}

// finish 从注册表移除会话，成功移除后才投递终态回调
func (p *Poller) finish(s *pollSession, deliver func()) {
	p.mu.Lock()
	current := p.sessions[s.taskID] == s
	if current {
		delete(p.sessions, s.taskID)
	}
	p.mu.Unlock()

	s.cancel()
	if current && deliver != nil {
		deliver()
	}
}

// finishDone 会话上下文结束：截止时间到达为超时，否则为主动停止
func (p *Poller) finishDone(s *pollSession) {
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		p.finishTimeout(s)
		return
	}
	p.finish(s, nil)
}

func (p *Poller) finishTimeout(s *pollSession) {
	elapsed := p.now().Sub(s.startedAt)
	p.finish(s, func() {
		s.log.Warn().Dur("elapsed", elapsed).Msg("轮询超时")
		s.cb.timeout(timeoutInfo(s.taskID, elapsed))
	})
}

func (p *Poller) run(s *pollSession) {
	retry := NewRetryBackoff(s.cfg)

	for {
		if s.isPaused() {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				p.finishDone(s)
				return
			}
		}

		// 超时检查在发起请求之前
		if p.now().Sub(s.startedAt) >= s.cfg.Timeout {
			p.finishTimeout(s)
			return
		}
		if s.ctx.Err() != nil {
			p.finishDone(s)
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(s.ctx); err != nil {
				p.finishDone(s)
				return
			}
		}

		snap, err := p.fetchOnce(s)
		// 停止后返回的结果直接丢弃
		if s.ctx.Err() != nil {
			p.finishDone(s)
			return
		}
		if s.observer != nil {
			s.observer(err)
		}

		if err != nil {
			metrics.RecordSyncPoll(false)
			s.mu.Lock()
			s.retryCount++
			retries := s.retryCount
			s.mu.Unlock()

			s.log.Warn().Err(err).Int("retry", retries).Msg("拉取任务状态失败")
			if retries >= s.cfg.MaxRetries {
				p.finish(s, func() { s.cb.error(networkError(s.taskID, err)) })
				return
			}
			if !p.sleep(s, retry.Next()) {
				p.finishDone(s)
				return
			}
			continue
		}

		metrics.RecordSyncPoll(true)
		retry.Reset()
		s.record(*snap)

		// 检查紧挨着投递，Stop 返回后不再开始新的 OnStatus
		if !p.isCurrent(s) {
			p.finishDone(s)
			return
		}
		s.cb.status(*snap)

		if snap.ShouldStopPolling || snap.Status.IsTerminal() {
			final := *snap
			switch {
			case final.Status == StateFailed || final.Status == StateTimeout:
				p.finish(s, func() { s.cb.error(taskFailedError(final)) })
			default:
				p.finish(s, func() { s.cb.complete(final) })
			}
			return
		}

		if !p.sleep(s, PollInterval(snap.Progress, s.cfg)) {
			p.finishDone(s)
			return
		}
	}
}

// fetchOnce 在独立 goroutine 中拉取，会话取消或超时时不等待其返回
func (p *Poller) fetchOnce(s *pollSession) (*StatusSnapshot, error) {
	type result struct {
		snap *StatusSnapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		snap, err := s.fetch(s.ctx, s.taskID)
		ch <- result{snap, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.snap == nil {
			return nil, fmt.Errorf("%w: empty status response", ErrProtocolParse)
		}
		return r.snap, r.err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// sleep 等待 d；被 Resume 唤醒返回 true，会话结束返回 false
func (p *Poller) sleep(s *pollSession, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.wake:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *pollSession) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *pollSession) record(snap StatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
	s.sm.Observe(snap.Status)
	s.sm.UpdateProgress(snap.Progress)
	s.snapshot = &snap
}
