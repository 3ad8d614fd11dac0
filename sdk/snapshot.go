package sdk

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// StatusSnapshot 服务端任务状态快照（已校验、已归一化）
type StatusSnapshot struct {
	TaskID            string          `json:"task_id"`
	Status            TaskState       `json:"status"`
	Stage             string          `json:"stage,omitempty"`
	Progress          int             `json:"progress"`
	ShouldStopPolling bool            `json:"should_stop_polling"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Results           json.RawMessage `json:"results,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at,omitempty"`
}

// rawSnapshot 线上格式，字段全部可选，由 Normalize 统一校验
type rawSnapshot struct {
	TaskID            string          `json:"task_id"`
	Status            string          `json:"status"`
	Stage             string          `json:"stage"`
	Progress          *float64        `json:"progress"`
	ShouldStopPolling *bool           `json:"should_stop_polling"`
	ErrorMessage      string          `json:"error_message"`
	Results           json.RawMessage `json:"results"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DecodeSnapshot 解析并归一化状态快照
func DecodeSnapshot(data []byte) (StatusSnapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return StatusSnapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrProtocolParse, err)
	}
	return raw.normalize()
}

// UnmarshalJSON 所有入口都经过同一归一化逻辑
func (s *StatusSnapshot) UnmarshalJSON(data []byte) error {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	*s = snap
	return nil
}

func (r rawSnapshot) normalize() (StatusSnapshot, error) {
	state, err := ParseTaskState(r.Status)
	if err != nil {
		return StatusSnapshot{}, err
	}
	progress := 0
	if r.Progress != nil {
		if math.IsNaN(*r.Progress) {
			return StatusSnapshot{}, fmt.Errorf("%w: progress is NaN", ErrProtocolParse)
		}
		// 先在浮点域截断，超出 int 范围的值转换会溢出
		progress = int(math.Round(math.Max(0, math.Min(100, *r.Progress))))
	}
	stop := state.ShouldStopPolling()
	if r.ShouldStopPolling != nil {
		stop = *r.ShouldStopPolling || stop
	}
	return StatusSnapshot{
		TaskID:            r.TaskID,
		Status:            state,
		Stage:             r.Stage,
		Progress:          progress,
		ShouldStopPolling: stop,
		ErrorMessage:      r.ErrorMessage,
		Results:           r.Results,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

// NewSnapshot 由本地数据构造快照（服务端使用）
func NewSnapshot(taskID string, state TaskState, stage string, progress int) StatusSnapshot {
	return StatusSnapshot{
		TaskID:            taskID,
		Status:            state,
		Stage:             stage,
		Progress:          clampProgress(progress),
		ShouldStopPolling: state.ShouldStopPolling(),
		UpdatedAt:         time.Now().UTC(),
	}
}

// PushEvent 服务端推送事件类型
type PushEvent string

const (
	PushProgress     PushEvent = "progress"
	PushResult       PushEvent = "result"
	PushComplete     PushEvent = "complete"
	PushError        PushEvent = "error"
	PushHeartbeatAck PushEvent = "heartbeat_ack"
	PushPing         PushEvent = "ping"
)

// ClientMessageType 客户端发送的消息类型
type ClientMessageType string

const (
	ClientHeartbeat     ClientMessageType = "heartbeat"
	ClientConnectionAck ClientMessageType = "connection_ack"
	ClientPong          ClientMessageType = "pong"
)

// PushMessage 服务端 -> 客户端消息
type PushMessage struct {
	Event   PushEvent       `json:"event"`
	TaskID  string          `json:"task_id,omitempty"`
	Data    *StatusSnapshot `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ClientMessage 客户端 -> 服务端消息
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	TaskID    string            `json:"task_id,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// DecodePushMessage 解析推送消息；进度类事件必须携带合法快照
func DecodePushMessage(data []byte) (PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PushMessage{}, fmt.Errorf("%w: decode push message: %v", ErrProtocolParse, err)
	}
	switch msg.Event {
	case PushProgress, PushResult, PushComplete:
		if msg.Data == nil {
			return PushMessage{}, fmt.Errorf("%w: %s event without data", ErrProtocolParse, msg.Event)
		}
	case PushError, PushHeartbeatAck, PushPing:
	default:
		return PushMessage{}, fmt.Errorf("%w: unknown event %q", ErrProtocolParse, msg.Event)
	}
	if msg.Data != nil && msg.Data.TaskID == "" {
		msg.Data.TaskID = msg.TaskID
	}
	return msg, nil
}
