package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/internal/metrics"
)

// ConnState 推送连接状态
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnFallback
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

const (
	pushReadLimit    = 1 << 20
	pushWriteTimeout = 5 * time.Second
)

// Conn 推送连接，*websocket.Conn 满足该接口
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer 建立推送连接
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer 基于 coder/websocket 的默认实现
type WebsocketDialer struct {
	HTTPClient *http.Client
}

// Dial 建立 websocket 连接，握手返回 401/403 时归类为认证错误
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				resp.Body.Close()
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: websocket handshake status %d", ErrAuthentication, resp.StatusCode)
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dial: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrNetwork, err)
	}
	conn.SetReadLimit(pushReadLimit)
	return conn, nil
}

// PushCallbacks 推送客户端回调
type PushCallbacks struct {
	OnProgress       func(StatusSnapshot)
	OnResult         func(StatusSnapshot)
	OnComplete       func(StatusSnapshot)
	OnError          func(ErrorInfo)
	OnFallback       func()
	OnStateChange    func(ConnState)
	OnConnectFailure func(error)
	OnConnected      func()
}

// PushOption PushClient 选项
type PushOption func(*PushClient)

// WithDialer 替换连接实现
func WithDialer(d Dialer) PushOption {
	return func(c *PushClient) { c.dialer = d }
}

// WithPushHeader 握手请求头（鉴权）
func WithPushHeader(h http.Header) PushOption {
	return func(c *PushClient) { c.header = h }
}

// WithPushLogger 设置日志器
func WithPushLogger(l zerolog.Logger) PushOption {
	return func(c *PushClient) { c.log = l }
}

// PushClient 单任务推送客户端，内部维护连接状态机。进入 fallback 后实例不可复用。
type PushClient struct {
	urlFor func(taskID string) string
	header http.Header
	dialer Dialer
	cfg    Config
	log    zerolog.Logger

	mu            sync.Mutex
	state         ConnState
	cancel        context.CancelFunc
	done          chan struct{}
	onState       func(ConnState)
	disconnected  bool
	fallbackFired bool
}

// NewPushClient 创建推送客户端，urlFor 返回任务的推送端点
func NewPushClient(urlFor func(taskID string) string, cfg Config, opts ...PushOption) *PushClient {
	c := &PushClient{
		urlFor: urlFor,
		dialer: WebsocketDialer{},
		cfg:    cfg.withDefaults(),
		log:    logger.WithComponent("push"),
		state:  ConnDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State 当前连接状态
func (c *PushClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done 后台连接循环退出时关闭；未连接时返回 nil
func (c *PushClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect 开始连接。连接中或已连接时为空操作，fallback 后返回 ErrFallback。
func (c *PushClient) Connect(taskID string, cb PushCallbacks) error {
	c.mu.Lock()
	switch c.state {
	case ConnFallback:
		c.mu.Unlock()
		return ErrFallback
	case ConnConnecting, ConnConnected, ConnReconnecting:
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.onState = cb.OnStateChange
	c.disconnected = false
	c.state = ConnConnecting
	c.mu.Unlock()

	if cb.OnStateChange != nil {
		cb.OnStateChange(ConnConnecting)
	}

	log := c.log.With().Str("task_id", taskID).Logger()
	go c.run(ctx, taskID, cb, log, done)
	return nil
}

// Close 释放连接与定时器，不触发 OnFallback
func (c *PushClient) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	changed := c.state != ConnFallback && c.state != ConnDisconnected
	if changed {
		c.state = ConnDisconnected
	}
	onState := c.onState
	c.mu.Unlock()

	if changed && onState != nil {
		onState(ConnDisconnected)
	}
}

// Disconnect 关闭连接，并保证不会再安排重连
func (c *PushClient) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	c.Close()
}

func (c *PushClient) setState(ctx context.Context, st ConnState) {
	c.mu.Lock()
	if ctx.Err() != nil || c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(st)
	}
}

func (c *PushClient) reconnectAllowed(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ctx.Err() == nil && !c.disconnected
}

func (c *PushClient) enterFallback(ctx context.Context, cb PushCallbacks, log zerolog.Logger) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.state = ConnFallback
	fired := c.fallbackFired
	c.fallbackFired = true
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(ConnFallback)
	}
	if fired {
		return
	}
	log.Warn().Int("attempts", c.cfg.MaxReconnectAttempts).Msg("推送重连次数耗尽，切换为轮询")
	metrics.RecordSyncFallback()
	if cb.OnFallback != nil {
		cb.OnFallback()
	}
}

func (c *PushClient) run(ctx context.Context, taskID string, cb PushCallbacks, log zerolog.Logger, done chan struct{}) {
	defer close(done)
	reconnect := NewReconnectBackoff(c.cfg)
	attempts := 0

	for {
		conn, err := c.dial(ctx, taskID)
		if err == nil {
			c.setState(ctx, ConnConnected)
			log.Info().Msg("推送连接已建立")
			if cb.OnConnected != nil {
				cb.OnConnected()
			}

			stop, healthy, serveErr := c.serve(ctx, conn, taskID, cb, log)
			// 只有收到过有效消息的连接才清零重连计数，握手成功后立即断开仍算一次失败
			if healthy {
				attempts = 0
				reconnect.Reset()
			}
			if stop || ctx.Err() != nil {
				c.setState(ctx, ConnDisconnected)
				return
			}
			log.Warn().Err(serveErr).Msg("推送连接断开")
		} else {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int("attempt", attempts+1).Msg("推送连接失败")
			if cb.OnConnectFailure != nil {
				cb.OnConnectFailure(err)
			}
		}

		if !c.reconnectAllowed(ctx) {
			return
		}
		attempts++
		if attempts >= c.cfg.MaxReconnectAttempts {
			c.enterFallback(ctx, cb, log)
			return
		}

		c.setState(ctx, ConnReconnecting)
		metrics.RecordSyncReconnect()
		delay := reconnect.Next()
		log.Debug().Dur("delay", delay).Int("attempt", attempts).Msg("安排重连")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *PushClient) dial(ctx context.Context, taskID string) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dctx, c.urlFor(taskID), c.header)
	if err != nil {
		if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w: connect timeout: %v", ErrTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}

type inboundMsg struct {
	data []byte
	err  error
}

func startReader(ctx context.Context, conn Conn) <-chan inboundMsg {
	ch := make(chan inboundMsg, 16)
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				select {
				case ch <- inboundMsg{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- inboundMsg{data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func send(ctx context.Context, conn Conn, msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrNetwork, err)
	}
	return nil
}

// serve 处理单条连接上的消息与心跳。stop 为 true 表示无需重连（任务结束或主动关闭），
// healthy 表示连接上至少收到过一条有效消息。
func (c *PushClient) serve(ctx context.Context, conn Conn, taskID string, cb PushCallbacks, log zerolog.Logger) (stop, healthy bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := startReader(connCtx, conn)

	if err := send(connCtx, conn, ClientMessage{Type: ClientConnectionAck, TaskID: taskID}); err != nil {
		conn.Close(websocket.StatusInternalError, "ack failed")
		return false, false, err
	}

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTicker(c.cfg.IdleCheckInterval)
	defer idle.Stop()

	var hbTimer *time.Timer
	var hbTimeout <-chan time.Time
	stopHeartbeatTimer := func() {
		if hbTimer != nil {
			hbTimer.Stop()
			hbTimer = nil
			hbTimeout = nil
		}
	}
	defer stopHeartbeatTimer()

	lastMessage := time.Now()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client closed")
			return true, healthy, nil

		case msg, ok := <-inbound:
			if !ok {
				return false, healthy, fmt.Errorf("%w: reader stopped", ErrNetwork)
			}
			if msg.err != nil {
				conn.Close(websocket.StatusGoingAway, "read failed")
				return false, healthy, fmt.Errorf("%w: read: %v", ErrNetwork, msg.err)
			}
			lastMessage = time.Now()

			pm, err := DecodePushMessage(msg.data)
			if err != nil {
				log.Warn().Err(err).Msg("丢弃无法解析的推送消息")
				continue
			}
			healthy = true

			switch pm.Event {
			case PushProgress:
				if cb.OnProgress != nil {
					cb.OnProgress(*pm.Data)
				}
			case PushResult:
				if cb.OnResult != nil {
					cb.OnResult(*pm.Data)
				}
			case PushComplete:
				if cb.OnComplete != nil {
					cb.OnComplete(*pm.Data)
				}
				conn.Close(websocket.StatusNormalClosure, "complete")
				return true, healthy, nil
			case PushError:
				// error 与 complete 一样是终态，服务端发送后即关闭连接
				if cb.OnError != nil {
					info := ErrorInfo{TaskID: taskID, Reason: ReasonTaskFailed, Message: pm.Message, Snapshot: pm.Data}
					if info.Message == "" {
						info.Message = msgTaskFailed
					}
					cb.OnError(info)
				}
				conn.Close(websocket.StatusNormalClosure, "error")
				return true, healthy, nil
			case PushHeartbeatAck:
				stopHeartbeatTimer()
			case PushPing:
				if err := send(connCtx, conn, ClientMessage{Type: ClientPong, TaskID: taskID}); err != nil {
					conn.Close(websocket.StatusGoingAway, "write failed")
					return false, healthy, err
				}
			}

		case <-heartbeat.C:
			if err := send(connCtx, conn, ClientMessage{Type: ClientHeartbeat, TaskID: taskID, Timestamp: time.Now().UnixMilli()}); err != nil {
				conn.Close(websocket.StatusGoingAway, "write failed")
				return false, healthy, err
			}
			stopHeartbeatTimer()
			hbTimer = time.NewTimer(c.cfg.HeartbeatTimeout)
			hbTimeout = hbTimer.C

		case <-hbTimeout:
			conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return false, healthy, fmt.Errorf("%w: heartbeat ack not received", ErrTimeout)

		case <-idle.C:
			silent := time.Since(lastMessage)
			if silent >= 2*c.cfg.IdleTimeout {
				conn.Close(websocket.StatusGoingAway, "idle timeout")
				return false, healthy, fmt.Errorf("%w: no message for %s", ErrTimeout, silent.Round(time.Second))
			}
			if silent >= c.cfg.IdleTimeout {
				log.Debug().Dur("silent", silent).Msg("连接空闲，发送探测心跳")
				if err := send(connCtx, conn, ClientMessage{Type: ClientHeartbeat, TaskID: taskID, Timestamp: time.Now().UnixMilli()}); err != nil {
					conn.Close(websocket.StatusGoingAway, "write failed")
					return false, healthy, err
				}
			}
		}
	}
}
