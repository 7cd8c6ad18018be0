package repository

import (
	"context"
	"errors"

	"unlockpay/internal/model"

	"gorm.io/gorm"
)

type FlowRepository struct {
	db *gorm.DB
}

func NewFlowRepository(db *gorm.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

func (r *FlowRepository) Create(ctx context.Context, tx *gorm.DB, flow *model.LedgerFlow) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(flow).Error
}

func (r *FlowRepository) GetByRequestID(ctx context.Context, requestID string) (*model.LedgerFlow, error) {
	var flow model.LedgerFlow
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&flow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &flow, nil
}

// GetByRequestIDAndType 按请求和流水类型查询
// 兑换补偿前用它确认 COMPENSATE 流水是否已存在，防止重复退款
func (r *FlowRepository) GetByRequestIDAndType(ctx context.Context, requestID, flowType string) (*model.LedgerFlow, error) {
	var flow model.LedgerFlow
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND type = ?", requestID, flowType).
		First(&flow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &flow, nil
}

func (r *FlowRepository) ListByAddress(ctx context.Context, address string, page, pageSize int) ([]*model.LedgerFlow, int64, error) {
	var flows []*model.LedgerFlow
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerFlow{}).Where("address = ?", address)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&flows).Error

	return flows, total, err
}
