package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// uniqueViolation PostgreSQL 唯一约束冲突错误码
const uniqueViolation = "23505"

// DiagnosisRepo 基于 GORM 的 PostgreSQL 实现
type DiagnosisRepo struct {
	db *gorm.DB
}

// NewDiagnosisRepo 创建仓储
func NewDiagnosisRepo(db *gorm.DB) *DiagnosisRepo {
	return &DiagnosisRepo{db: db}
}

func (r *DiagnosisRepo) Create(ctx context.Context, t DiagnosisTask) error {
	if t.TaskID == "" {
		return errors.New("task_id 不能为空")
	}
	m := TaskToModel(t)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *DiagnosisRepo) Get(ctx context.Context, taskID string) (*DiagnosisTask, error) {
	var m DiagnosisTaskModel
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := m.ToTask()
	return &t, nil
}

func (r *DiagnosisRepo) Update(ctx context.Context, t DiagnosisTask) error {
	m := TaskToModel(t)
	res := r.db.WithContext(ctx).
		Model(&DiagnosisTaskModel{}).
		Where("task_id = ?", t.TaskID).
		Updates(map[string]any{
			"status":        m.Status,
			"stage":         m.Stage,
			"progress":      m.Progress,
			"error_message": m.ErrorMessage,
			"results":       m.Results,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DiagnosisRepo) List(ctx context.Context, f ListFilter) ([]DiagnosisTask, error) {
	f = f.normalized()

	var models []DiagnosisTaskModel
	q := r.db.WithContext(ctx).Model(&DiagnosisTaskModel{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err := q.Order("created_at desc").Limit(f.Limit).Offset(f.Offset).Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]DiagnosisTask, 0, len(models))
	for i := range models {
		out = append(out, models[i].ToTask())
	}
	return out, nil
}

func (r *DiagnosisRepo) Count(ctx context.Context, f ListFilter) (int, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&DiagnosisTaskModel{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
