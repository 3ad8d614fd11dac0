package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepo 内存实现，未配置 PostgreSQL 时使用
type MemoryRepo struct {
	mu    sync.RWMutex
	items map[string]DiagnosisTask // key: task_id
}

// NewMemoryRepo 创建内存仓储
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		items: map[string]DiagnosisTask{},
	}
}

func (r *MemoryRepo) Create(_ context.Context, t DiagnosisTask) error {
	t.TaskID = strings.TrimSpace(t.TaskID)
	if t.TaskID == "" {
		return errors.New("task_id 不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[t.TaskID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	r.items[t.TaskID] = t
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, taskID string) (*DiagnosisTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r *MemoryRepo) Update(_ context.Context, t DiagnosisTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[t.TaskID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = t.Status
	cur.Stage = t.Stage
	cur.Progress = t.Progress
	cur.ErrorMessage = t.ErrorMessage
	cur.Results = t.Results
	cur.UpdatedAt = time.Now().UTC()
	r.items[t.TaskID] = cur
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]DiagnosisTask, error) {
	f = f.normalized()

	r.mu.RLock()
	out := make([]DiagnosisTask, 0, len(r.items))
	for _, t := range r.items {
		if f.Status != "" && string(t.Status) != f.Status {
			continue
		}
		out = append(out, t)
	}
	r.mu.RUnlock()

	// 按创建时间倒序
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset >= len(out) {
		return []DiagnosisTask{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) Count(_ context.Context, f ListFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f.Status == "" {
		return len(r.items), nil
	}
	n := 0
	for _, t := range r.items {
		if string(t.Status) == f.Status {
			n++
		}
	}
	return n, nil
}
