package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/diagsync/sdk"
)

func TestMemoryRepo_CreateGet(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	task := DiagnosisTask{TaskID: "task-1", Status: sdk.StateInitializing}
	require.NoError(t, repo.Create(ctx, task), "插入应该成功")

	got, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, sdk.StateInitializing, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	// 重复创建
	assert.ErrorIs(t, repo.Create(ctx, task), ErrDuplicate)

	// 空 task_id
	assert.Error(t, repo.Create(ctx, DiagnosisTask{TaskID: "  "}))

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepo_Update(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, DiagnosisTask{TaskID: "task-1", Status: sdk.StateInitializing, Payload: json.RawMessage(`{"a":1}`)}))

	err := repo.Update(ctx, DiagnosisTask{
		TaskID:   "task-1",
		Status:   sdk.StateAnalyzing,
		Stage:    "llm",
		Progress: 60,
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, sdk.StateAnalyzing, got.Status)
	assert.Equal(t, 60, got.Progress)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload), "更新不应覆盖 payload")

	assert.ErrorIs(t, repo.Update(ctx, DiagnosisTask{TaskID: "missing"}), ErrNotFound)
}

func TestMemoryRepo_ListCount(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	list, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "初始列表应为空")

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		status := sdk.StateAnalyzing
		if id == "b" {
			status = sdk.StateCompleted
		}
		require.NoError(t, repo.Create(ctx, DiagnosisTask{TaskID: id, Status: status, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	list, err = repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].TaskID, "按创建时间倒序")

	list, err = repo.List(ctx, ListFilter{Status: "analyzing", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].TaskID)

	n, err := repo.Count(ctx, ListFilter{Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err = repo.List(ctx, ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDiagnosisTask_Snapshot(t *testing.T) {
	task := DiagnosisTask{
		TaskID:       "task-1",
		Status:       sdk.StateFailed,
		Progress:     140,
		ErrorMessage: "boom",
	}
	snap := task.Snapshot()
	assert.Equal(t, 100, snap.Progress)
	assert.True(t, snap.ShouldStopPolling)
	assert.Equal(t, "boom", snap.ErrorMessage)
}

func TestModelConversion(t *testing.T) {
	task := DiagnosisTask{TaskID: "task-1", Status: sdk.StateAnalyzing, Stage: "llm", Progress: 42}
	m := TaskToModel(task)
	require.NotNil(t, m.Stage)
	assert.Nil(t, m.ErrorMessage)
	assert.Nil(t, m.Results, "空结果写为 NULL")

	back := m.ToTask()
	assert.Equal(t, task.TaskID, back.TaskID)
	assert.Equal(t, task.Stage, back.Stage)
	assert.Equal(t, task.Progress, back.Progress)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(ErrNotFound))
}
