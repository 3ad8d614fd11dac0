package sdk

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  bool
		state    TaskState
		progress int
		stop     bool
	}{
		{
			name:     "正常快照",
			input:    `{"task_id":"t1","status":"analyzing","stage":"llm","progress":42,"should_stop_polling":false}`,
			state:    StateAnalyzing,
			progress: 42,
		},
		{
			name:     "进度截断到 100",
			input:    `{"status":"analyzing","progress":130}`,
			state:    StateAnalyzing,
			progress: 100,
		},
		{
			name:     "负进度截断到 0",
			input:    `{"status":"initializing","progress":-3}`,
			state:    StateInitializing,
			progress: 0,
		},
		{
			name:     "超大进度截断到 100",
			input:    `{"status":"analyzing","progress":1e20}`,
			state:    StateAnalyzing,
			progress: 100,
		},
		{
			name:     "超小进度截断到 0",
			input:    `{"status":"analyzing","progress":-1e20}`,
			state:    StateAnalyzing,
			progress: 0,
		},
		{
			name:     "小数进度四舍五入",
			input:    `{"status":"ai_fetching","progress":12.6}`,
			state:    StateAIFetching,
			progress: 13,
		},
		{
			name:     "终态缺省 should_stop_polling 时推导为 true",
			input:    `{"status":"completed","progress":100}`,
			state:    StateCompleted,
			progress: 100,
			stop:     true,
		},
		{
			name:     "终态不能被 should_stop_polling=false 覆盖",
			input:    `{"status":"failed","should_stop_polling":false}`,
			state:    StateFailed,
			stop:     true,
		},
		{
			name:     "大写状态",
			input:    `{"status":"PARTIAL_SUCCESS","progress":100}`,
			state:    StatePartialSuccess,
			progress: 100,
			stop:     true,
		},
		{name: "未知状态", input: `{"status":"running"}`, wantErr: true},
		{name: "缺少状态", input: `{"progress":10}`, wantErr: true},
		{name: "非法 JSON", input: `{"status":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := DecodeSnapshot([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrProtocolParse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.state, snap.Status)
			assert.Equal(t, tt.progress, snap.Progress)
			assert.Equal(t, tt.stop, snap.ShouldStopPolling)
		})
	}
}

func TestStatusSnapshot_UnmarshalUsesNormalization(t *testing.T) {
	var snap StatusSnapshot
	err := json.Unmarshal([]byte(`{"status":"timeout","progress":77}`), &snap)
	require.NoError(t, err)
	assert.Equal(t, StateTimeout, snap.Status)
	assert.True(t, snap.ShouldStopPolling)

	data, err := json.Marshal(NewSnapshot("t1", StateAnalyzing, "llm", 55))
	require.NoError(t, err)
	var back StatusSnapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "t1", back.TaskID)
	assert.Equal(t, 55, back.Progress)
}

func TestDecodePushMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		event   PushEvent
		wantErr bool
	}{
		{name: "progress", input: `{"event":"progress","task_id":"t1","data":{"status":"analyzing","progress":50}}`, event: PushProgress},
		{name: "complete", input: `{"event":"complete","data":{"status":"completed","progress":100}}`, event: PushComplete},
		{name: "error 无数据", input: `{"event":"error","message":"boom"}`, event: PushError},
		{name: "ping", input: `{"event":"ping"}`, event: PushPing},
		{name: "heartbeat_ack", input: `{"event":"heartbeat_ack"}`, event: PushHeartbeatAck},
		{name: "progress 缺数据", input: `{"event":"progress"}`, wantErr: true},
		{name: "未知事件", input: `{"event":"hello"}`, wantErr: true},
		{name: "快照非法", input: `{"event":"progress","data":{"status":"nope"}}`, wantErr: true},
		{name: "非 JSON", input: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodePushMessage([]byte(tt.input))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrProtocolParse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.event, msg.Event)
		})
	}
}

func TestDecodePushMessage_InheritsTaskID(t *testing.T) {
	msg, err := DecodePushMessage([]byte(`{"event":"progress","task_id":"t9","data":{"status":"analyzing","progress":10}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Data)
	assert.Equal(t, "t9", msg.Data.TaskID)
}
