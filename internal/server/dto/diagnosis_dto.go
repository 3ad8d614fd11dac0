package dto

import (
	"encoding/json"

	"github.com/azhengyongqin/diagsync/internal/repository"
	"github.com/azhengyongqin/diagsync/sdk"
)

// CreateDiagnosisRequest 创建诊断任务请求
type CreateDiagnosisRequest struct {
	TaskID  string          `json:"task_id" example:"550e8400-e29b-41d4-a716-446655440000"` // 可选，默认生成
	Payload json.RawMessage `json:"payload" swaggertype:"object"`
}

// CreateDiagnosisResponse 创建诊断任务响应
type CreateDiagnosisResponse struct {
	TaskID string        `json:"task_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	Status sdk.TaskState `json:"status" swaggertype:"string" example:"initializing"`
}

// StatusResponse 状态快照响应
type StatusResponse struct {
	Item sdk.StatusSnapshot `json:"item"`
}

// ReportRequest 执行端进度上报
type ReportRequest struct {
	Status       string          `json:"status" binding:"required" example:"analyzing"`
	Stage        string          `json:"stage" example:"llm_analysis"`
	Progress     int             `json:"progress" example:"45"`
	ErrorMessage string          `json:"error_message"`
	Results      json.RawMessage `json:"results" swaggertype:"object"`
}

// ToSDK 转换为 SDK 上报结构
func (r ReportRequest) ToSDK() sdk.ReportRequest {
	return sdk.ReportRequest{
		Status:       sdk.TaskState(r.Status),
		Stage:        r.Stage,
		Progress:     r.Progress,
		ErrorMessage: r.ErrorMessage,
		Results:      r.Results,
	}
}

// DiagnosisListRequest 任务列表查询请求
type DiagnosisListRequest struct {
	Status string `form:"status" example:"analyzing"`
	Limit  int    `form:"limit" example:"20"`
	Offset int    `form:"offset" example:"0"`
}

// DiagnosisListResponse 任务列表响应
type DiagnosisListResponse struct {
	Items []repository.DiagnosisTask `json:"items"`
	Total int                        `json:"total"`
}

// DiagnosisResponse 任务详情响应
type DiagnosisResponse struct {
	Item repository.DiagnosisTask `json:"item"`
}
