package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/diagsync/internal/cache"
	"github.com/azhengyongqin/diagsync/internal/repository"
	"github.com/azhengyongqin/diagsync/sdk"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	ids   []string
	fails bool
}

func (f *fakeEnqueuer) EnqueueDiagnosis(_ context.Context, taskID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return errors.New("redis down")
	}
	f.ids = append(f.ids, taskID)
	return nil
}

type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{items: map[string][]byte{}} }

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = b
	return nil
}

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func newTestService(t *testing.T) (*Service, *MemoryBroker, *fakeEnqueuer, *mapCache) {
	t.Helper()
	broker := NewMemoryBroker()
	enq := &fakeEnqueuer{}
	c := newMapCache()
	svc := NewService(repository.NewMemoryRepo(), broker, WithEnqueuer(enq), WithStatusCache(c, time.Minute))
	return svc, broker, enq, c
}

func TestService_Create(t *testing.T) {
	svc, _, enq, c := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "", json.RawMessage(`{"host":"db-1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID, "应自动生成 task_id")
	assert.Equal(t, sdk.StateInitializing, task.Status)
	assert.Equal(t, []string{task.TaskID}, enq.ids)
	assert.Contains(t, c.items, statusKey(task.TaskID))

	_, err = svc.Create(ctx, task.TaskID, nil)
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestService_CreateEnqueueFailure(t *testing.T) {
	svc, _, enq, _ := newTestService(t)
	enq.fails = true

	_, err := svc.Create(context.Background(), "task-1", nil)
	require.Error(t, err)

	task, err := svc.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, sdk.StateFailed, task.Status, "入队失败后任务应置为 failed")
}

func TestService_StatusUsesCache(t *testing.T) {
	svc, _, _, c := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "task-1", nil)
	require.NoError(t, err)

	// 直接篡改缓存，验证读取走缓存
	cached := sdk.NewSnapshot("task-1", sdk.StateAnalyzing, "cached", 50)
	require.NoError(t, c.Set(ctx, statusKey("task-1"), cached, time.Minute))

	snap, err := svc.Status(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "cached", snap.Stage)

	_, err = svc.Status(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestService_Report(t *testing.T) {
	svc, broker, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "task-1", nil)
	require.NoError(t, err)

	msgs, cancel, err := broker.Subscribe(ctx, "task-1")
	require.NoError(t, err)
	defer cancel()

	snap, err := svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateAIFetching, Stage: "fetch", Progress: 20})
	require.NoError(t, err)
	assert.Equal(t, sdk.StateAIFetching, snap.Status)
	msg := <-msgs
	assert.Equal(t, sdk.PushProgress, msg.Event)
	assert.Equal(t, 20, msg.Data.Progress)

	// 携带结果
	_, err = svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateAnalyzing, Progress: 70, Results: json.RawMessage(`{"partial":true}`)})
	require.NoError(t, err)
	assert.Equal(t, sdk.PushResult, (<-msgs).Event)

	// 同状态进度回退保留原进度
	snap, err = svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateAnalyzing, Progress: 40})
	require.NoError(t, err)
	assert.Equal(t, 70, snap.Progress)
	<-msgs

	snap, err = svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateCompleted, Progress: 100})
	require.NoError(t, err)
	assert.True(t, snap.ShouldStopPolling)
	final := <-msgs
	assert.Equal(t, sdk.PushComplete, final.Event)
	assert.True(t, IsFinalMessage(final))
}

func TestService_ReportRejects(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "task-1", nil)
	require.NoError(t, err)
	// initializing 可多步到达 analyzing
	_, err = svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateAnalyzing, Progress: 50})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  sdk.ReportRequest
		want error
	}{
		{name: "未知状态", req: sdk.ReportRequest{Status: "weird"}, want: ErrInvalidReport},
		{name: "进度越界", req: sdk.ReportRequest{Status: sdk.StateAnalyzing, Progress: 120}, want: ErrInvalidReport},
		{name: "结果非 JSON", req: sdk.ReportRequest{Status: sdk.StateAnalyzing, Results: json.RawMessage(`{`)}, want: ErrInvalidReport},
		{name: "状态回退", req: sdk.ReportRequest{Status: sdk.StateAIFetching}, want: sdk.ErrIllegalTransition},
		{name: "不可达状态", req: sdk.ReportRequest{Status: sdk.StateTimeout}, want: sdk.ErrIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Report(ctx, "task-1", tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = svc.Report(ctx, "missing", sdk.ReportRequest{Status: sdk.StateAIFetching})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestService_TerminalReportIsIdempotent(t *testing.T) {
	svc, broker, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "task-1", nil)
	require.NoError(t, err)
	_, err = svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateFailed, ErrorMessage: "llm unavailable"})
	require.NoError(t, err)

	msgs, cancel, err := broker.Subscribe(ctx, "task-1")
	require.NoError(t, err)
	defer cancel()

	snap, err := svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateFailed})
	require.NoError(t, err)
	assert.Equal(t, "llm unavailable", snap.ErrorMessage)
	assert.Empty(t, msgs, "重复终态上报不应再推送")

	_, err = svc.Report(ctx, "task-1", sdk.ReportRequest{Status: sdk.StateCompleted})
	assert.ErrorIs(t, err, sdk.ErrIllegalTransition)
}

func TestMessageFor(t *testing.T) {
	tests := []struct {
		state      sdk.TaskState
		hasResults bool
		want       sdk.PushEvent
	}{
		{sdk.StateAIFetching, false, sdk.PushProgress},
		{sdk.StateAnalyzing, true, sdk.PushResult},
		{sdk.StateCompleted, true, sdk.PushComplete},
		{sdk.StatePartialSuccess, false, sdk.PushComplete},
		{sdk.StateFailed, false, sdk.PushError},
		{sdk.StateTimeout, false, sdk.PushError},
	}
	for _, tt := range tests {
		msg := MessageFor(sdk.NewSnapshot("t", tt.state, "", 10), tt.hasResults)
		assert.Equal(t, tt.want, msg.Event, tt.state)
		if tt.want == sdk.PushError {
			assert.NotEmpty(t, msg.Message)
		}
	}
}
