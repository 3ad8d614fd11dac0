package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/azhengyongqin/diagsync/internal/hub"
	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/internal/metrics"
	"github.com/azhengyongqin/diagsync/internal/repository"
	"github.com/azhengyongqin/diagsync/internal/server/dto"
	"github.com/azhengyongqin/diagsync/sdk"
)

const pushWriteTimeout = 5 * time.Second

// PushHandler 任务状态推送（websocket）
type PushHandler struct {
	svc          *hub.Service
	pingInterval time.Duration
}

// NewPushHandler 创建 PushHandler
func NewPushHandler(svc *hub.Service, pingInterval time.Duration) *PushHandler {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	return &PushHandler{svc: svc, pingInterval: pingInterval}
}

// Subscribe godoc
// @Summary 订阅任务状态推送
// @Description websocket 连接；服务端推送 progress/result/complete/error，响应 heartbeat 并定期发送 ping
// @Tags Diagnosis
// @Security BearerAuth
// @Param task_id path string true "任务 ID"
// @Success 101
// @Failure 401 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /ws/diagnosis/{task_id} [get]
func (h *PushHandler) Subscribe(c *gin.Context) {
	taskID := c.Param("task_id")
	log := logger.WithTaskID(taskID)

	// 升级前确认任务存在，404 由普通 HTTP 响应返回
	if _, err := h.svc.Get(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "任务不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket 握手失败")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 << 10)

	metrics.PushSubscribers.Inc()
	defer metrics.PushSubscribers.Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	msgs, unsubscribe, err := h.svc.Broker().Subscribe(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Msg("订阅推送失败")
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	// 订阅后再读取当前快照，保证不会漏掉中间的更新
	snap, err := h.svc.Status(ctx, taskID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
	initial := hub.MessageFor(snap, len(snap.Results) > 0)
	if err := writeMessage(ctx, conn, initial); err != nil {
		return
	}
	if hub.IsFinalMessage(initial) {
		conn.Close(websocket.StatusNormalClosure, "complete")
		return
	}

	h.serve(ctx, conn, taskID, msgs, log)
}

func (h *PushHandler) serve(ctx context.Context, conn *websocket.Conn, taskID string, msgs <-chan sdk.PushMessage, log zerolog.Logger) {
	inbound := make(chan sdk.ClientMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			var m sdk.ClientMessage
			if err := json.Unmarshal(data, &m); err != nil {
				log.Debug().Err(err).Msg("忽略无法解析的客户端消息")
				continue
			}
			select {
			case inbound <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErr:
			if websocket.CloseStatus(err) == -1 {
				log.Debug().Err(err).Msg("推送连接读取结束")
			}
			return

		case m := <-inbound:
			if m.Type == sdk.ClientHeartbeat {
				if err := writeMessage(ctx, conn, sdk.PushMessage{Event: sdk.PushHeartbeatAck, TaskID: taskID}); err != nil {
					return
				}
			}

		case msg, ok := <-msgs:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "unsubscribed")
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return
			}
			if hub.IsFinalMessage(msg) {
				conn.Close(websocket.StatusNormalClosure, "complete")
				return
			}

		case <-ping.C:
			if err := writeMessage(ctx, conn, sdk.PushMessage{Event: sdk.PushPing, TaskID: taskID}); err != nil {
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg sdk.PushMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}
