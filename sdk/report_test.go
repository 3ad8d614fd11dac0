package sdk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	mu    sync.Mutex
	errs  []error
	calls []ReportRequest
}

func (f *fakeReporter) ReportStatus(_ context.Context, _ string, req ReportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func fastRetry() ReportRetryConfig {
	return ReportRetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestReportWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{name: "首次成功", wantCalls: 1},
		{name: "重试后成功", errs: []error{ErrNetwork, ErrNetwork}, wantCalls: 3},
		{name: "超过最大重试", errs: []error{ErrNetwork, ErrNetwork, ErrNetwork, ErrNetwork, ErrNetwork}, wantErr: ErrNetwork, wantCalls: 4},
		{name: "非法转换不重试", errs: []error{ErrIllegalTransition}, wantErr: ErrIllegalTransition, wantCalls: 1},
		{name: "认证失败不重试", errs: []error{ErrAuthentication}, wantErr: ErrAuthentication, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReporter{errs: tt.errs}
			err := ReportWithRetry(context.Background(), r, "task-1", ReportRequest{Status: StateAnalyzing}, fastRetry())
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, r.calls, tt.wantCalls)
		})
	}
}

func TestReporter_RunScript(t *testing.T) {
	r := &fakeReporter{}
	rep := NewReporter(r, fastRetry())

	steps := DefaultScript(0)
	require.NoError(t, rep.Run(context.Background(), "task-1", steps))
	require.Len(t, r.calls, len(steps))

	// 脚本本身必须符合状态转换表
	prev := StateInitializing
	for _, c := range r.calls {
		assert.True(t, Reachable(prev, c.Status), "%s -> %s", prev, c.Status)
		prev = c.Status
	}
	assert.Equal(t, StateCompleted, prev)
}

func TestReporter_StopsOnCancel(t *testing.T) {
	r := &fakeReporter{}
	rep := NewReporter(r, fastRetry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rep.Run(ctx, "task-1", DefaultScript(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
}
