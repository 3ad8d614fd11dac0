package repository

import (
	"encoding/json"
	"time"

	"github.com/azhengyongqin/diagsync/sdk"
)

// DiagnosisTaskModel GORM 模型 - 对应 diagnosis_task 表
type DiagnosisTaskModel struct {
	ID           int64           `gorm:"primaryKey;autoIncrement;column:id"`
	TaskID       string          `gorm:"column:task_id;uniqueIndex;type:text;not null"`
	Status       string          `gorm:"column:status;type:text;not null;index:idx_diagnosis_status_updated_at"`
	Stage        *string         `gorm:"column:stage;type:text"`
	Progress     int             `gorm:"column:progress;default:0"`
	ErrorMessage *string         `gorm:"column:error_message;type:text"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb"`
	Results      json.RawMessage `gorm:"column:results;type:jsonb"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime;index:idx_diagnosis_created_at,sort:desc"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime;index:idx_diagnosis_status_updated_at,sort:desc"`
}

// TableName 指定表名
func (DiagnosisTaskModel) TableName() string { return "diagnosis_task" }

// ToTask 转换为 DiagnosisTask 实体
func (m *DiagnosisTaskModel) ToTask() DiagnosisTask {
	t := DiagnosisTask{
		TaskID:    m.TaskID,
		Status:    sdk.TaskState(m.Status),
		Progress:  m.Progress,
		Payload:   m.Payload,
		Results:   m.Results,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Stage != nil {
		t.Stage = *m.Stage
	}
	if m.ErrorMessage != nil {
		t.ErrorMessage = *m.ErrorMessage
	}
	return t
}

// TaskToModel 从 DiagnosisTask 实体创建模型
func TaskToModel(t DiagnosisTask) DiagnosisTaskModel {
	m := DiagnosisTaskModel{
		TaskID:    t.TaskID,
		Status:    string(t.Status),
		Progress:  t.Progress,
		Payload:   nullJSON(t.Payload),
		Results:   nullJSON(t.Results),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Stage != "" {
		m.Stage = &t.Stage
	}
	if t.ErrorMessage != "" {
		m.ErrorMessage = &t.ErrorMessage
	}
	return m
}

// nullJSON 空值写为 NULL，避免向 jsonb 写入空串
func nullJSON(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return b
}
