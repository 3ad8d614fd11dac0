package asynqx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Client 诊断任务入队客户端
type Client struct {
	*asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewClient 基于 Redis URI 创建客户端
func NewClient(redisURI, queue string, maxRetry int, timeout time.Duration) (*Client, error) {
	opt, err := NewRedisConnOpt(redisURI)
	if err != nil {
		return nil, err
	}
	return &Client{
		Client:   asynq.NewClient(opt),
		queue:    queue,
		maxRetry: maxRetry,
		timeout:  timeout,
	}, nil
}

// EnqueueDiagnosis 入队诊断执行任务；重复入队视为成功
func (c *Client) EnqueueDiagnosis(ctx context.Context, taskID string, payload json.RawMessage) error {
	t, err := NewDiagnosisTask(taskID, payload)
	if err != nil {
		return err
	}
	_, err = c.EnqueueContext(ctx, t, EnqueueOptions(EnqueueParams{
		TaskKey:  taskID,
		Queue:    c.queue,
		MaxRetry: c.maxRetry,
		Timeout:  c.timeout,
	})...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// NewRedisConnOpt 解析 redis:// URI，入队客户端、执行端与 Inspector 共用
func NewRedisConnOpt(redisURI string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	return opt, nil
}
