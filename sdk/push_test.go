package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushServer 测试用推送服务端，每条连接交给 handle 处理
type pushServer struct {
	srv   *httptest.Server
	conns atomic.Int32
}

func newPushServer(t *testing.T, handle func(ctx context.Context, n int32, conn *websocket.Conn)) *pushServer {
	t.Helper()
	ps := &pushServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := ps.conns.Add(1)
		defer conn.CloseNow()
		handle(r.Context(), n, conn)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) urlFor(taskID string) string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/ws/" + taskID
}

func writeEvent(ctx context.Context, conn *websocket.Conn, msg PushMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readClientMessage(ctx context.Context, conn *websocket.Conn) (ClientMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return ClientMessage{}, err
	}
	var msg ClientMessage
	err = json.Unmarshal(data, &msg)
	return msg, err
}

// pushRecorder 记录推送回调
type pushRecorder struct {
	mu         sync.Mutex
	progress   []StatusSnapshot
	results    []StatusSnapshot
	completes  []StatusSnapshot
	errs       []ErrorInfo
	failures   []error
	fallbacks  atomic.Int32
	connected  atomic.Int32
	completeCh chan struct{}
	fallbackCh chan struct{}
	errCh      chan struct{}
}

func newPushRecorder() *pushRecorder {
	return &pushRecorder{
		completeCh: make(chan struct{}, 4),
		fallbackCh: make(chan struct{}, 4),
		errCh:      make(chan struct{}, 4),
	}
}

func (r *pushRecorder) callbacks() PushCallbacks {
	return PushCallbacks{
		OnProgress: func(s StatusSnapshot) {
			r.mu.Lock()
			r.progress = append(r.progress, s)
			r.mu.Unlock()
		},
		OnResult: func(s StatusSnapshot) {
			r.mu.Lock()
			r.results = append(r.results, s)
			r.mu.Unlock()
		},
		OnComplete: func(s StatusSnapshot) {
			r.mu.Lock()
			r.completes = append(r.completes, s)
			r.mu.Unlock()
			r.completeCh <- struct{}{}
		},
		OnError: func(e ErrorInfo) {
			r.mu.Lock()
			r.errs = append(r.errs, e)
			r.mu.Unlock()
			r.errCh <- struct{}{}
		},
		OnFallback: func() {
			r.fallbacks.Add(1)
			r.fallbackCh <- struct{}{}
		},
		OnConnectFailure: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
		OnConnected: func() {
			r.connected.Add(1)
		},
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("等待 %s 超时", what)
	}
}

// failingDialer 每次连接都失败
type failingDialer struct {
	err   error
	calls atomic.Int32
}

func (d *failingDialer) Dial(_ context.Context, _ string, _ http.Header) (Conn, error) {
	d.calls.Add(1)
	return nil, d.err
}

func TestPushClient_DeliversProgressAndComplete(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		ack, err := readClientMessage(ctx, conn)
		if err != nil || ack.Type != ClientConnectionAck {
			return
		}
		progress := NewSnapshot("task-1", StateAnalyzing, "llm", 50)
		result := NewSnapshot("task-1", StateAnalyzing, "llm", 70)
		done := NewSnapshot("task-1", StateCompleted, "done", 100)
		_ = writeEvent(ctx, conn, PushMessage{Event: PushProgress, TaskID: "task-1", Data: &progress})
		_ = writeEvent(ctx, conn, PushMessage{Event: PushResult, TaskID: "task-1", Data: &result})
		_ = writeEvent(ctx, conn, PushMessage{Event: PushComplete, TaskID: "task-1", Data: &done})
		_, _, _ = conn.Read(ctx)
	})

	c := NewPushClient(ps.urlFor, testConfig())
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.completeCh, 2*time.Second, "complete")
	waitSignal(t, c.Done(), 2*time.Second, "连接循环退出")

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.progress, 1)
	assert.Equal(t, 50, r.progress[0].Progress)
	require.Len(t, r.results, 1)
	require.Len(t, r.completes, 1)
	assert.Equal(t, StateCompleted, r.completes[0].Status)
	assert.Equal(t, ConnDisconnected, c.State())
	assert.Equal(t, int32(0), r.fallbacks.Load())
}

func TestPushClient_ConnectIsIdempotentWhileConnected(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c := NewPushClient(ps.urlFor, testConfig())
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))
	require.Eventually(t, func() bool { return c.State() == ConnConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect("task-1", r.callbacks()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ps.conns.Load())

	c.Close()
	assert.Equal(t, ConnDisconnected, c.State())
	waitSignal(t, c.Done(), time.Second, "连接循环退出")
}

func TestPushClient_AnswersPingWithPong(t *testing.T) {
	gotPong := make(chan struct{}, 1)
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		if _, err := readClientMessage(ctx, conn); err != nil {
			return
		}
		_ = writeEvent(ctx, conn, PushMessage{Event: PushPing})
		for {
			msg, err := readClientMessage(ctx, conn)
			if err != nil {
				return
			}
			if msg.Type == ClientPong {
				gotPong <- struct{}{}
				return
			}
		}
	})

	c := NewPushClient(ps.urlFor, testConfig())
	defer c.Close()
	require.NoError(t, c.Connect("task-1", newPushRecorder().callbacks()))

	waitSignal(t, gotPong, 2*time.Second, "pong")
}

func TestPushClient_HeartbeatAckKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond

	var heartbeats atomic.Int32
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		for {
			msg, err := readClientMessage(ctx, conn)
			if err != nil {
				return
			}
			if msg.Type == ClientHeartbeat {
				if heartbeats.Add(1) == 5 {
					done := NewSnapshot("task-1", StateCompleted, "", 100)
					_ = writeEvent(ctx, conn, PushMessage{Event: PushComplete, Data: &done})
					continue
				}
				_ = writeEvent(ctx, conn, PushMessage{Event: PushHeartbeatAck})
			}
		}
	})

	c := NewPushClient(ps.urlFor, cfg)
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.completeCh, 2*time.Second, "complete")
	assert.Equal(t, int32(1), ps.conns.Load(), "心跳正常时不应重连")
}

func TestPushClient_HeartbeatTimeoutReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond

	ps := newPushServer(t, func(ctx context.Context, n int32, conn *websocket.Conn) {
		if n >= 2 {
			if _, err := readClientMessage(ctx, conn); err != nil {
				return
			}
			done := NewSnapshot("task-1", StateCompleted, "", 100)
			_ = writeEvent(ctx, conn, PushMessage{Event: PushComplete, Data: &done})
		}
		// 第一条连接从不回复心跳
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c := NewPushClient(ps.urlFor, cfg)
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.completeCh, 3*time.Second, "complete")
	assert.GreaterOrEqual(t, ps.conns.Load(), int32(2))
	assert.Equal(t, int32(2), r.connected.Load())
}

func TestPushClient_SkipsMalformedFrames(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		if _, err := readClientMessage(ctx, conn); err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"progress","data":{"status":"bogus"}}`))
		done := NewSnapshot("task-1", StateCompleted, "", 100)
		_ = writeEvent(ctx, conn, PushMessage{Event: PushComplete, Data: &done})
		_, _, _ = conn.Read(ctx)
	})

	c := NewPushClient(ps.urlFor, testConfig())
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.completeCh, 2*time.Second, "complete")
	assert.Equal(t, int32(1), ps.conns.Load(), "解析失败不应断开连接")
	r.mu.Lock()
	assert.Empty(t, r.progress)
	r.mu.Unlock()
}

// 服务端发送 error 后立即关闭连接，客户端视为终态，不重连
func TestPushClient_ServerErrorEvent(t *testing.T) {
	ps := newPushServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		if _, err := readClientMessage(ctx, conn); err != nil {
			return
		}
		failed := NewSnapshot("task-1", StateFailed, "", 30)
		_ = writeEvent(ctx, conn, PushMessage{Event: PushError, Message: "executor crashed", Data: &failed})
		conn.Close(websocket.StatusNormalClosure, "final")
	})

	c := NewPushClient(ps.urlFor, testConfig())
	defer c.Close()
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.errCh, 2*time.Second, "error")
	waitSignal(t, c.Done(), time.Second, "连接循环退出")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), ps.conns.Load(), "终态后不应重连")
	assert.Equal(t, int32(0), r.fallbacks.Load())
	assert.Equal(t, ConnDisconnected, c.State())
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.errs, 1)
	assert.Equal(t, ReasonTaskFailed, r.errs[0].Reason)
	assert.Equal(t, "executor crashed", r.errs[0].Message)
}

// 握手成功但未收到任何消息就被关闭的连接计入重连次数
func TestPushClient_AcceptThenCloseFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	ps := newPushServer(t, func(_ context.Context, _ int32, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	c := NewPushClient(ps.urlFor, cfg)
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.fallbackCh, 2*time.Second, "fallback")
	waitSignal(t, c.Done(), time.Second, "连接循环退出")

	assert.Equal(t, int32(3), ps.conns.Load())
	assert.Equal(t, int32(3), r.connected.Load())
	assert.Equal(t, int32(1), r.fallbacks.Load())
	assert.Equal(t, ConnFallback, c.State())
}

// 收到过有效消息的连接断开后重新计数
func TestPushClient_HealthyConnectionResetsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	ps := newPushServer(t, func(ctx context.Context, n int32, conn *websocket.Conn) {
		if _, err := readClientMessage(ctx, conn); err != nil {
			return
		}
		if n < 4 {
			snap := NewSnapshot("task-1", StateAnalyzing, "", 10*int(n))
			_ = writeEvent(ctx, conn, PushMessage{Event: PushProgress, Data: &snap})
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		done := NewSnapshot("task-1", StateCompleted, "", 100)
		_ = writeEvent(ctx, conn, PushMessage{Event: PushComplete, Data: &done})
		_, _, _ = conn.Read(ctx)
	})

	c := NewPushClient(ps.urlFor, cfg)
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.completeCh, 2*time.Second, "complete")
	assert.Equal(t, int32(4), ps.conns.Load())
	assert.Equal(t, int32(0), r.fallbacks.Load())
}

func TestPushClient_FallbackAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	d := &failingDialer{err: ErrNetwork}

	c := NewPushClient(func(string) string { return "ws://unused" }, cfg, WithDialer(d))
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.fallbackCh, 2*time.Second, "fallback")
	waitSignal(t, c.Done(), time.Second, "连接循环退出")

	assert.Equal(t, int32(3), d.calls.Load())
	assert.Equal(t, int32(1), r.fallbacks.Load())
	assert.Equal(t, ConnFallback, c.State())

	err := c.Connect("task-1", r.callbacks())
	assert.True(t, errors.Is(err, ErrFallback), "fallback 后实例不可复用")

	c.Close()
	assert.Equal(t, ConnFallback, c.State())
	assert.Equal(t, int32(1), r.fallbacks.Load())
}

func TestPushClient_CloseDoesNotFallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectInterval = 200 * time.Millisecond
	cfg.ReconnectMaxInterval = 200 * time.Millisecond
	cfg.ReconnectFloor = 200 * time.Millisecond
	d := &failingDialer{err: ErrNetwork}

	c := NewPushClient(func(string) string { return "ws://unused" }, cfg, WithDialer(d))
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))
	require.Eventually(t, func() bool { return c.State() == ConnReconnecting }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	waitSignal(t, c.Done(), time.Second, "连接循环退出")

	assert.Equal(t, int32(0), r.fallbacks.Load())
	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, ConnDisconnected, c.State())
}

func TestPushClient_HandshakeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	c := NewPushClient(func(string) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }, cfg)
	r := newPushRecorder()
	require.NoError(t, c.Connect("task-1", r.callbacks()))

	waitSignal(t, r.fallbackCh, 2*time.Second, "fallback")

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.failures, 2)
	for _, err := range r.failures {
		assert.True(t, IsAuthError(err))
	}
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "connected", ConnConnected.String())
	assert.Equal(t, "fallback", ConnFallback.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}
