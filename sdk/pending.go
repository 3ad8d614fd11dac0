package sdk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/azhengyongqin/diagsync/internal/cache"
)

// PendingTask 进行中任务指针，用于重启后恢复跟踪
type PendingTask struct {
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
}

// PendingStore 持久化进行中任务指针。无记录时 Get 返回 (nil, nil)。
type PendingStore interface {
	Get(ctx context.Context) (*PendingTask, error)
	Set(ctx context.Context, task PendingTask) error
	Clear(ctx context.Context) error
}

// MemoryPendingStore 内存实现（测试与无持久化需求的场景）
type MemoryPendingStore struct {
	mu   sync.Mutex
	task *PendingTask
}

// NewMemoryPendingStore 创建内存实现
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{}
}

func (s *MemoryPendingStore) Get(_ context.Context) (*PendingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return nil, nil
	}
	t := *s.task
	return &t, nil
}

func (s *MemoryPendingStore) Set(_ context.Context, task PendingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = &task
	return nil
}

func (s *MemoryPendingStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = nil
	return nil
}

// RedisPendingStore 基于 Redis 的实现，key 按客户端区分
type RedisPendingStore struct {
	cache *cache.RedisCache
	key   string
	ttl   time.Duration
}

// NewRedisPendingStore 创建 Redis 实现。ttl 通常取 Config.PendingFreshness。
func NewRedisPendingStore(c *cache.RedisCache, clientID string, ttl time.Duration) *RedisPendingStore {
	return &RedisPendingStore{
		cache: c,
		key:   cache.CacheKey("pending", clientID),
		ttl:   ttl,
	}
}

func (s *RedisPendingStore) Get(ctx context.Context) (*PendingTask, error) {
	var task PendingTask
	if err := s.cache.Get(ctx, s.key, &task); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending task: %w", err)
	}
	return &task, nil
}

func (s *RedisPendingStore) Set(ctx context.Context, task PendingTask) error {
	if err := s.cache.Set(ctx, s.key, task, s.ttl); err != nil {
		return fmt.Errorf("set pending task: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Clear(ctx context.Context) error {
	if err := s.cache.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear pending task: %w", err)
	}
	return nil
}

const pendingSchema = `
CREATE TABLE IF NOT EXISTS pending_task (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	task_id    TEXT    NOT NULL,
	started_at INTEGER NOT NULL
);`

// SQLitePendingStore 本地 SQLite 文件实现（命令行客户端）
type SQLitePendingStore struct {
	db *sql.DB
}

// NewSQLitePendingStore 打开（必要时创建）SQLite 文件
func NewSQLitePendingStore(ctx context.Context, path string) (*SQLitePendingStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, pendingSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLitePendingStore{db: db}, nil
}

// Close 关闭数据库
func (s *SQLitePendingStore) Close() error {
	return s.db.Close()
}

func (s *SQLitePendingStore) Get(ctx context.Context) (*PendingTask, error) {
	var (
		taskID    string
		startedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT task_id, started_at FROM pending_task WHERE id = 1`).Scan(&taskID, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query pending task: %w", err)
	}
	return &PendingTask{TaskID: taskID, StartedAt: time.UnixMilli(startedAt)}, nil
}

func (s *SQLitePendingStore) Set(ctx context.Context, task PendingTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_task (id, task_id, started_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET task_id = excluded.task_id, started_at = excluded.started_at`,
		task.TaskID, task.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save pending task: %w", err)
	}
	return nil
}

func (s *SQLitePendingStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_task`); err != nil {
		return fmt.Errorf("clear pending task: %w", err)
	}
	return nil
}
