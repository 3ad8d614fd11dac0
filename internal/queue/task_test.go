package asynqx

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID(t *testing.T) {
	id := NewTaskID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewTaskID())
}

func TestDiagnosisTaskRoundTrip(t *testing.T) {
	task, err := NewDiagnosisTask("task-1", json.RawMessage(`{"host":"db-1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeDiagnosisRun, task.Type())

	p, err := ParseDiagnosisPayload(task)
	require.NoError(t, err)
	assert.Equal(t, "task-1", p.TaskID)
	assert.JSONEq(t, `{"host":"db-1"}`, string(p.Payload))
}

func TestEnqueueOptions(t *testing.T) {
	assert.Empty(t, EnqueueOptions(EnqueueParams{}))

	opts := EnqueueOptions(EnqueueParams{
		TaskKey:  "task-1",
		Queue:    "diagnosis",
		MaxRetry: 3,
		Timeout:  time.Minute,
	})
	// queue + max_retry + timeout + task_id + retention
	assert.Len(t, opts, 5)
}

func TestNewRedisConnOpt(t *testing.T) {
	_, err := NewRedisConnOpt("redis://localhost:6379/2")
	assert.NoError(t, err)

	_, err = NewRedisConnOpt("localhost:6379")
	assert.Error(t, err)
}
