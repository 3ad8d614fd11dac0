package sdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/internal/metrics"
)

// Transport 当前使用的同步通道
type Transport int

const (
	TransportNone Transport = iota
	TransportPush
	TransportPoll
)

func (t Transport) String() string {
	switch t {
	case TransportPush:
		return "push"
	case TransportPoll:
		return "poll"
	default:
		return "none"
	}
}

const (
	trackerBusSize   = 64
	sweepGrace       = 30 * time.Second
	sweepInterval    = time.Minute
	pendingIOTimeout = 3 * time.Second
)

// PushTransport 推送通道，*PushClient 满足该接口
type PushTransport interface {
	Connect(taskID string, cb PushCallbacks) error
	Close()
}

// PushFactory 为每个会话创建新的推送通道
type PushFactory func(taskID string) PushTransport

// TrackerOption Tracker 选项
type TrackerOption func(*Tracker)

// WithPushFactory 启用推送通道
func WithPushFactory(f PushFactory) TrackerOption {
	return func(t *Tracker) { t.pushFactory = f }
}

// WithPendingStore 设置进行中任务的持久化
func WithPendingStore(s PendingStore) TrackerOption {
	return func(t *Tracker) { t.pending = s }
}

// WithTrackerLogger 设置日志器
func WithTrackerLogger(l zerolog.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// WithPoller 使用外部创建的轮询引擎
func WithPoller(p *Poller) TrackerOption {
	return func(t *Tracker) { t.poller = p }
}

// Tracker 同步编排：优先推送，失败后降级为轮询，对调用方只暴露一组回调
type Tracker struct {
	cfg         Config
	fetch       FetchFunc
	poller      *Poller
	pushFactory PushFactory
	pending     PendingStore
	log         zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*trackSession
}

type eventKind int

const (
	evAttempt eventKind = iota
	evStatus
	evComplete
	evError
	evTimeout
	evFallback
)

// busEvent 两个通道向会话事件总线发布的事件
type busEvent struct {
	kind    eventKind
	source  Transport
	snap    StatusSnapshot
	info    ErrorInfo
	timeout TimeoutInfo
	err     error
}

type trackSession struct {
	taskID    string
	cb        Callbacks
	startedAt time.Time
	log       zerolog.Logger

	bus       chan busEvent
	done      chan struct{}
	closeOnce sync.Once

	// 以下字段在 Tracker.mu 下修改
	transport Transport
	push      PushTransport
	fellBack  bool

	// 以下字段只由 dispatch goroutine 访问
	authFailures int
	sm           *StateMachine
}

// NewTracker 创建编排器
func NewTracker(fetch FetchFunc, cfg Config, opts ...TrackerOption) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:      cfg,
		fetch:    fetch,
		pending:  NewMemoryPendingStore(),
		log:      logger.WithComponent("tracker"),
		now:      time.Now,
		sessions: make(map[string]*trackSession),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.poller == nil {
		t.poller = NewPoller(cfg, WithPollerLogger(t.log))
	}
	return t
}

// NewClientTracker 基于 HTTP 客户端创建编排器，推送与拉取共用鉴权信息
func NewClientTracker(client *Client, cfg Config, opts ...TrackerOption) *Tracker {
	cfg = cfg.withDefaults()
	factory := func(string) PushTransport {
		return NewPushClient(client.PushURL, cfg, WithPushHeader(client.AuthHeader()))
	}
	all := append([]TrackerOption{WithPushFactory(factory)}, opts...)
	return NewTracker(client.FetchStatus, cfg, all...)
}

// Track 开始跟踪任务。已在跟踪的同一任务会先被停止，旧回调不再触发。
func (t *Tracker) Track(taskID string, cb Callbacks) string {
	t.track(taskID, cb, t.now())
	return taskID
}

func (t *Tracker) track(taskID string, cb Callbacks, startedAt time.Time) {
	log := t.log.With().Str("task_id", taskID).Logger()
	s := &trackSession{
		taskID:    taskID,
		cb:        cb,
		startedAt: startedAt,
		log:       log,
		bus:       make(chan busEvent, trackerBusSize),
		done:      make(chan struct{}),
		sm:        NewStateMachine(log),
	}

	t.mu.Lock()
	if old := t.sessions[taskID]; old != nil {
		t.teardownLocked(old)
		metrics.SyncSessionsActive.Dec()
	}
	t.sessions[taskID] = s
	t.startTransportLocked(s)
	t.mu.Unlock()

	metrics.SyncSessionsActive.Inc()
	t.savePending(PendingTask{TaskID: taskID, StartedAt: startedAt})
	log.Info().Str("transport", s.transport.String()).Msg("开始跟踪任务")

	go t.dispatch(s)
}

// Untrack 停止跟踪，不触发任何回调
func (t *Tracker) Untrack(taskID string) {
	t.mu.Lock()
	s := t.sessions[taskID]
	if s != nil {
		delete(t.sessions, taskID)
		t.teardownLocked(s)
	}
	t.mu.Unlock()

	if s != nil {
		metrics.SyncSessionsActive.Dec()
		t.clearPending(taskID)
		s.log.Info().Msg("停止跟踪任务")
	}
}

// IsTracking 是否正在跟踪
func (t *Tracker) IsTracking(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[taskID]
	return ok
}

// ActiveTransport 当前使用的通道
func (t *Tracker) ActiveTransport(taskID string) Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.sessions[taskID]; s != nil {
		return s.transport
	}
	return TransportNone
}

// ElapsedSeconds 已耗时（秒），未跟踪返回 0
func (t *Tracker) ElapsedSeconds(taskID string) int {
	t.mu.Lock()
	s := t.sessions[taskID]
	t.mu.Unlock()
	if s == nil {
		return 0
	}
	return int(t.now().Sub(s.startedAt) / time.Second)
}

// RemainingSeconds 剩余时间（秒），不小于 0
func (t *Tracker) RemainingSeconds(taskID string) int {
	t.mu.Lock()
	s := t.sessions[taskID]
	t.mu.Unlock()
	if s == nil {
		return 0
	}
	remaining := t.cfg.Timeout - t.now().Sub(s.startedAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// RestorePending 恢复持久化的进行中任务。
// 记录过期或服务端已不需要继续跟踪时清除记录并返回 resumed=false。
func (t *Tracker) RestorePending(ctx context.Context, cb Callbacks) (taskID string, resumed bool, err error) {
	p, err := t.pending.Get(ctx)
	if err != nil {
		return "", false, err
	}
	if p == nil {
		return "", false, nil
	}

	if t.now().Sub(p.StartedAt) > t.cfg.PendingFreshness {
		t.log.Info().Str("task_id", p.TaskID).Msg("进行中任务记录已过期")
		t.clearPending(p.TaskID)
		return p.TaskID, false, nil
	}

	snap, err := t.fetch(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.clearPending(p.TaskID)
		}
		return p.TaskID, false, err
	}
	if snap.ShouldStopPolling {
		t.clearPending(p.TaskID)
		return p.TaskID, false, nil
	}

	t.track(p.TaskID, cb, p.StartedAt)
	return p.TaskID, true, nil
}

// Sweep 移除已超过截止时间仍未结束的会话，返回移除数量
func (t *Tracker) Sweep(now time.Time) int {
	var stale []*trackSession
	t.mu.Lock()
	for id, s := range t.sessions {
		if now.Sub(s.startedAt) > t.cfg.Timeout+sweepGrace {
			delete(t.sessions, id)
			t.teardownLocked(s)
			stale = append(stale, s)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		metrics.SyncSessionsActive.Dec()
		t.clearPending(s.taskID)
		s.log.Warn().Msg("清理过期会话")
	}
	return len(stale)
}

// Run 周期性执行 Sweep，直到 ctx 结束
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

// Close 停止所有会话
func (t *Tracker) Close() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*trackSession)
	for _, s := range sessions {
		t.teardownLocked(s)
	}
	t.mu.Unlock()

	metrics.SyncSessionsActive.Sub(float64(len(sessions)))
	t.poller.StopAll()
}

// startTransportLocked 选择通道：推送优先，连接失败直接使用轮询
func (t *Tracker) startTransportLocked(s *trackSession) {
	if t.cfg.PushEnabled && t.pushFactory != nil {
		push := t.pushFactory(s.taskID)
		err := push.Connect(s.taskID, t.pushCallbacks(s))
		if err == nil {
			s.push = push
			s.transport = TransportPush
			return
		}
		s.log.Warn().Err(err).Msg("推送通道不可用，使用轮询")
	}
	t.startPollLocked(s)
}

func (t *Tracker) startPollLocked(s *trackSession) {
	s.transport = TransportPoll
	t.poller.Start(s.taskID, t.fetch, t.pollCallbacks(s),
		WithConfig(t.cfg),
		WithStartedAt(s.startedAt),
		WithAttemptObserver(func(err error) {
			s.publish(busEvent{kind: evAttempt, source: TransportPoll, err: err})
		}),
	)
}

// teardownLocked 关闭会话及其通道，调用方持有 t.mu 且已从注册表移除
func (t *Tracker) teardownLocked(s *trackSession) {
	s.closeOnce.Do(func() { close(s.done) })
	if s.push != nil {
		s.push.Close()
		s.push = nil
	}
	if s.transport == TransportPoll {
		t.poller.Stop(s.taskID)
	}
	s.transport = TransportNone
}

func (s *trackSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliverIfCurrent 会话仍在注册表中时才投递回调。
// 检查与 Untrack/重复 Track 的移除共用 t.mu，移除返回后旧回调不会再开始执行。
func (t *Tracker) deliverIfCurrent(s *trackSession, deliver func()) bool {
	t.mu.Lock()
	current := t.sessions[s.taskID] == s && !s.closed()
	t.mu.Unlock()
	if !current {
		return false
	}
	deliver()
	return true
}

func (s *trackSession) publish(ev busEvent) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.bus <- ev:
	case <-s.done:
	}
}

func (t *Tracker) pushCallbacks(s *trackSession) PushCallbacks {
	status := func(snap StatusSnapshot) {
		s.publish(busEvent{kind: evStatus, source: TransportPush, snap: snap})
	}
	return PushCallbacks{
		OnProgress: status,
		OnResult:   status,
		OnComplete: func(snap StatusSnapshot) {
			s.publish(busEvent{kind: evComplete, source: TransportPush, snap: snap})
		},
		OnError: func(info ErrorInfo) {
			s.publish(busEvent{kind: evError, source: TransportPush, info: info})
		},
		OnFallback: func() {
			s.publish(busEvent{kind: evFallback, source: TransportPush})
		},
		OnConnectFailure: func(err error) {
			s.publish(busEvent{kind: evAttempt, source: TransportPush, err: err})
		},
		OnConnected: func() {
			s.publish(busEvent{kind: evAttempt, source: TransportPush})
		},
	}
}

func (t *Tracker) pollCallbacks(s *trackSession) Callbacks {
	return Callbacks{
		OnStatus: func(snap StatusSnapshot) {
			s.publish(busEvent{kind: evStatus, source: TransportPoll, snap: snap})
		},
		OnComplete: func(snap StatusSnapshot) {
			s.publish(busEvent{kind: evComplete, source: TransportPoll, snap: snap})
		},
		OnError: func(info ErrorInfo) {
			s.publish(busEvent{kind: evError, source: TransportPoll, info: info})
		},
		OnTimeout: func(info TimeoutInfo) {
			s.publish(busEvent{kind: evTimeout, source: TransportPoll, timeout: info})
		},
	}
}

// dispatch 会话唯一的事件消费者，调用方回调只在这里触发
func (t *Tracker) dispatch(s *trackSession) {
	deadline := time.NewTimer(time.Until(s.startedAt.Add(t.cfg.Timeout)))
	defer deadline.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-deadline.C:
			elapsed := t.now().Sub(s.startedAt)
			t.finish(s, "timeout", func() { s.cb.timeout(timeoutInfo(s.taskID, elapsed)) })
			return
		case ev := <-s.bus:
			// select 在多个就绪分支间随机选择，会话关闭后不再处理积压事件
			if s.closed() {
				return
			}
			if t.handle(s, ev) {
				return
			}
		}
	}
}

// handle 处理一个总线事件，返回 true 表示会话已结束
func (t *Tracker) handle(s *trackSession, ev busEvent) bool {
	switch ev.kind {
	case evAttempt:
		if ev.err == nil || !IsAuthError(ev.err) {
			s.authFailures = 0
			return false
		}
		s.authFailures++
		s.log.Warn().Err(ev.err).Int("count", s.authFailures).Msg("认证失败")
		if s.authFailures >= t.cfg.AuthFailureThreshold {
			err := ev.err
			t.finish(s, "authentication", func() { s.cb.error(authError(s.taskID, err)) })
			return true
		}
		return false

	case evStatus:
		s.sm.Observe(ev.snap.Status)
		s.sm.UpdateProgress(ev.snap.Progress)
		if !t.deliverIfCurrent(s, func() { s.cb.status(ev.snap) }) {
			return true
		}
		if ev.snap.ShouldStopPolling || ev.snap.Status.IsTerminal() {
			t.finishWithSnapshot(s, ev.snap)
			return true
		}
		return false

	case evComplete:
		s.sm.Observe(ev.snap.Status)
		t.finishWithSnapshot(s, ev.snap)
		return true

	case evError:
		info := ev.info
		if info.TaskID == "" {
			info.TaskID = s.taskID
		}
		if ev.source == TransportPoll && info.Reason == ReasonNetwork && t.fellBack(s) {
			info = fallbackExhaustedError(s.taskID, info.Err)
		}
		t.finish(s, string(info.Reason), func() { s.cb.error(info) })
		return true

	case evTimeout:
		info := ev.timeout
		t.finish(s, "timeout", func() { s.cb.timeout(info) })
		return true

	case evFallback:
		t.switchToPoll(s)
		return false
	}
	return false
}

func (t *Tracker) fellBack(s *trackSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.fellBack
}

// switchToPoll 推送降级：关闭推送，以相同回调与原始开始时间启动轮询
func (t *Tracker) switchToPoll(s *trackSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.taskID] != s || s.transport != TransportPush {
		return
	}
	if s.push != nil {
		s.push.Close()
		s.push = nil
	}
	s.fellBack = true
	t.startPollLocked(s)
	s.log.Warn().Msg("推送不可用，已切换为轮询")
}

func (t *Tracker) finishWithSnapshot(s *trackSession, snap StatusSnapshot) {
	if snap.Status == StateFailed || snap.Status == StateTimeout {
		t.finish(s, "task_failed", func() { s.cb.error(taskFailedError(snap)) })
		return
	}
	t.finish(s, "complete", func() { s.cb.complete(snap) })
}

// finish 先从注册表移除并释放通道，再投递唯一的终态回调
func (t *Tracker) finish(s *trackSession, outcome string, deliver func()) {
	t.mu.Lock()
	if t.sessions[s.taskID] != s {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, s.taskID)
	t.teardownLocked(s)
	t.mu.Unlock()

	metrics.SyncSessionsActive.Dec()
	metrics.RecordSyncOutcome(outcome)
	t.clearPending(s.taskID)
	s.log.Info().Str("outcome", outcome).Msg("任务跟踪结束")
	deliver()
}

func (t *Tracker) savePending(p PendingTask) {
	ctx, cancel := context.WithTimeout(context.Background(), pendingIOTimeout)
	defer cancel()
	if err := t.pending.Set(ctx, p); err != nil {
		t.log.Warn().Err(err).Str("task_id", p.TaskID).Msg("保存进行中任务失败")
	}
}

// clearPending 仅当记录仍指向该任务时清除
func (t *Tracker) clearPending(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), pendingIOTimeout)
	defer cancel()
	p, err := t.pending.Get(ctx)
	if err != nil {
		t.log.Warn().Err(err).Str("task_id", taskID).Msg("读取进行中任务失败")
		return
	}
	if p == nil || p.TaskID != taskID {
		return
	}
	if err := t.pending.Clear(ctx); err != nil {
		t.log.Warn().Err(err).Str("task_id", taskID).Msg("清除进行中任务失败")
	}
}
