package hub

import (
	"context"
	"sync"

	"github.com/azhengyongqin/diagsync/internal/cache"
	"github.com/azhengyongqin/diagsync/internal/logger"
	"github.com/azhengyongqin/diagsync/sdk"
)

// subscriberBuffer 单个订阅者的缓冲长度。
// 缓冲满时断开该订阅者而不是丢弃消息，客户端重连后由初始快照补齐终态。
const subscriberBuffer = 16

// Broker 推送消息分发
type Broker interface {
	Publish(ctx context.Context, taskID string, msg sdk.PushMessage) error
	// Subscribe 返回消息通道与取消函数；取消或被断开后通道关闭
	Subscribe(ctx context.Context, taskID string) (<-chan sdk.PushMessage, func(), error)
}

// MemoryBroker 单进程内的分发实现
type MemoryBroker struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan sdk.PushMessage
}

// NewMemoryBroker 创建内存分发器
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[int]chan sdk.PushMessage{}}
}

func (b *MemoryBroker) Publish(_ context.Context, taskID string, msg sdk.PushMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[taskID] {
		select {
		case ch <- msg:
		default:
			logger.L.Warn().Str("task_id", taskID).Str("event", string(msg.Event)).Msg("订阅者缓冲已满，断开订阅")
			b.removeLocked(taskID, id)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, taskID string) (<-chan sdk.PushMessage, func(), error) {
	ch := make(chan sdk.PushMessage, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[taskID] == nil {
		b.subs[taskID] = map[int]chan sdk.PushMessage{}
	}
	b.subs[taskID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(taskID, id)
	}
	return ch, cancel, nil
}

// removeLocked 移除并关闭订阅通道，仍在注册表中才关闭，重复调用安全
func (b *MemoryBroker) removeLocked(taskID string, id int) {
	ch, ok := b.subs[taskID][id]
	if !ok {
		return
	}
	delete(b.subs[taskID], id)
	if len(b.subs[taskID]) == 0 {
		delete(b.subs, taskID)
	}
	close(ch)
}

// subscriberCount 当前订阅数（测试用）
func (b *MemoryBroker) subscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// RedisBroker 基于 Redis Pub/Sub 的跨实例分发
type RedisBroker struct {
	cache *cache.RedisCache
}

// NewRedisBroker 创建 Redis 分发器
func NewRedisBroker(c *cache.RedisCache) *RedisBroker {
	return &RedisBroker{cache: c}
}

func channelKey(taskID string) string {
	return cache.CacheKey("push", taskID)
}

func (b *RedisBroker) Publish(ctx context.Context, taskID string, msg sdk.PushMessage) error {
	return b.cache.Publish(ctx, channelKey(taskID), msg)
}

func (b *RedisBroker) Subscribe(ctx context.Context, taskID string) (<-chan sdk.PushMessage, func(), error) {
	raw, stop, err := b.cache.Subscribe(ctx, channelKey(taskID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan sdk.PushMessage, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for data := range raw {
			msg, err := sdk.DecodePushMessage(data)
			if err != nil {
				logger.L.Warn().Err(err).Str("task_id", taskID).Msg("丢弃无法解析的推送消息")
				continue
			}
			select {
			case out <- msg:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
	return out, cancel, nil
}
