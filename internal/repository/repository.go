package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/azhengyongqin/diagsync/sdk"
)

var (
	// ErrNotFound 任务不存在
	ErrNotFound = errors.New("diagnosis task not found")
	// ErrDuplicate task_id 已存在
	ErrDuplicate = errors.New("diagnosis task already exists")
)

// DiagnosisTask 诊断任务实体
type DiagnosisTask struct {
	TaskID       string          `json:"task_id"`
	Status       sdk.TaskState   `json:"status"`
	Stage        string          `json:"stage,omitempty"`
	Progress     int             `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot 转换为对外的状态快照
func (t DiagnosisTask) Snapshot() sdk.StatusSnapshot {
	snap := sdk.NewSnapshot(t.TaskID, t.Status, t.Stage, t.Progress)
	snap.ErrorMessage = t.ErrorMessage
	snap.Results = t.Results
	snap.UpdatedAt = t.UpdatedAt
	return snap
}

// ListFilter 任务列表查询过滤条件
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// DiagnosisRepository 诊断任务仓储接口
type DiagnosisRepository interface {
	// Create 创建任务，task_id 重复时返回 ErrDuplicate
	Create(ctx context.Context, task DiagnosisTask) error

	// Get 根据 task_id 获取任务，不存在时返回 ErrNotFound
	Get(ctx context.Context, taskID string) (*DiagnosisTask, error)

	// Update 更新状态、阶段、进度、错误信息和结果
	Update(ctx context.Context, task DiagnosisTask) error

	// List 查询任务列表（按创建时间倒序）
	List(ctx context.Context, filter ListFilter) ([]DiagnosisTask, error)

	// Count 统计任务总数
	Count(ctx context.Context, filter ListFilter) (int, error)
}
