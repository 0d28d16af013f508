package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"cafe24_ops_v1/internal/model"
)

// ==================== 接口定义 ====================

// BatchRepository 批次审计仓储接口
type BatchRepository interface {
	Create(ctx context.Context, job *model.BatchJob) error
	// FinishWithReport 批次收尾：更新统计并落盘全部编辑明细，同一事务内完成
	FinishWithReport(ctx context.Context, job *model.BatchJob, edits []model.BatchEdit) error
	GetByID(ctx context.Context, id string) (*model.BatchJob, error)
	List(ctx context.Context, page, pageSize int) ([]model.BatchJob, int64, error)
}

// ==================== 仓储实现 ====================

type batchRepo struct {
	db *gorm.DB
}

// NewBatchRepository 创建批次仓储
func NewBatchRepository(db *gorm.DB) BatchRepository {
	return &batchRepo{db: db}
}

func (r *batchRepo) Create(ctx context.Context, job *model.BatchJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *batchRepo) FinishWithReport(ctx context.Context, job *model.BatchJob, edits []model.BatchEdit) error {
	now := time.Now()
	job.Status = model.BatchStatusFinished
	job.FinishedAt = &now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.BatchJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":          job.Status,
			"finished_at":     job.FinishedAt,
			"applied_count":   job.AppliedCount,
			"partial_count":   job.PartialCount,
			"failed_count":    job.FailedCount,
			"no_op_count":     job.NoOpCount,
			"cancelled_count": job.CancelledCount,
		}).Error; err != nil {
			return err
		}
		if len(edits) == 0 {
			return nil
		}
		return tx.Create(&edits).Error
	})
}

func (r *batchRepo) GetByID(ctx context.Context, id string) (*model.BatchJob, error) {
	var job model.BatchJob
	err := r.db.WithContext(ctx).
		Preload("Edits").
		First(&job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *batchRepo) List(ctx context.Context, page, pageSize int) ([]model.BatchJob, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	var jobs []model.BatchJob
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BatchJob{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Order("created_at DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}
