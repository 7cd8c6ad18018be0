package repository

import (
	"context"
	"errors"

	"unlockpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrResourceNotFound = errors.New("资源不存在")

type ResourceRepository struct {
	db *gorm.DB
}

func NewResourceRepository(db *gorm.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

func (r *ResourceRepository) GetByResourceID(ctx context.Context, resourceID string) (*model.Resource, error) {
	var resource model.Resource
	err := r.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	return &resource, nil
}

// Upsert 写入或更新资源信息（管理侧接口用）
func (r *ResourceRepository) Upsert(ctx context.Context, resource *model.Resource) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "payee_address"}),
		}).
		Create(resource).Error
}
