package asynqx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TypeDiagnosisRun 诊断执行任务类型，由执行端消费
const TypeDiagnosisRun = "diagnosis:run"

// NewTaskID 生成诊断任务 ID（UUIDv4）
func NewTaskID() string {
	return uuid.NewString()
}

// DiagnosisPayload 入队消息体
type DiagnosisPayload struct {
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewDiagnosisTask 构造 asynq 任务
func NewDiagnosisTask(taskID string, payload json.RawMessage) (*asynq.Task, error) {
	b, err := json.Marshal(DiagnosisPayload{TaskID: taskID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal diagnosis payload: %w", err)
	}
	return asynq.NewTask(TypeDiagnosisRun, b), nil
}

// ParseDiagnosisPayload 解析入队消息体
func ParseDiagnosisPayload(t *asynq.Task) (DiagnosisPayload, error) {
	var p DiagnosisPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return DiagnosisPayload{}, fmt.Errorf("unmarshal diagnosis payload: %w", err)
	}
	if p.TaskID == "" {
		return DiagnosisPayload{}, fmt.Errorf("diagnosis payload missing task_id")
	}
	return p, nil
}

type EnqueueParams struct {
	TaskKey  string
	Queue    string
	MaxRetry int
	Timeout  time.Duration
	Delay    time.Duration
}

func EnqueueOptions(p EnqueueParams) []asynq.Option {
	var opts []asynq.Option

	if p.Queue != "" {
		opts = append(opts, asynq.Queue(p.Queue))
	}
	if p.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.MaxRetry))
	}
	if p.Timeout > 0 {
		opts = append(opts, asynq.Timeout(p.Timeout))
	}
	if p.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(p.Delay))
	}

	// 幂等：同一个 task_id 只入队一次
	if p.TaskKey != "" {
		opts = append(opts, asynq.TaskID(p.TaskKey), asynq.Retention(24*time.Hour))
	}

	return opts
}
