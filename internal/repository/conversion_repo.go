package repository

import (
	"context"
	"errors"
	"time"

	"unlockpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrConversionNotFound      = errors.New("兑换记录不存在")
	ErrConversionStatusInvalid = errors.New("兑换状态不合法")
)

type ConversionRepository struct {
	db *gorm.DB
}

func NewConversionRepository(db *gorm.DB) *ConversionRepository {
	return &ConversionRepository{db: db}
}

// Create 插入兑换记录，request_id 唯一索引兼做幂等占位
func (r *ConversionRepository) Create(ctx context.Context, tx *gorm.DB, record *model.ConversionRecord) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(record).Error
	if err != nil && isDuplicateKeyErr(err) {
		return ErrDuplicateRequest
	}
	return err
}

func (r *ConversionRepository) GetByRequestID(ctx context.Context, requestID string) (*model.ConversionRecord, error) {
	var record model.ConversionRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateStatus 带前置状态校验的状态推进
func (r *ConversionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, requestID string, fromStatus, toStatus string) error {
	if !model.CanConversionTransitionTo(fromStatus, toStatus) {
		return ErrConversionStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	if toStatus == model.ConversionStatusConfirmed {
		now := time.Now()
		updates["confirmed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.ConversionRecord{}).
		Where("request_id = ? AND status = ?", requestID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrConversionStatusInvalid
	}

	return nil
}

func (r *ConversionRepository) AttachTxHash(ctx context.Context, requestID, txHash string) error {
	return r.db.WithContext(ctx).
		Model(&model.ConversionRecord{}).
		Where("request_id = ?", requestID).
		Update("tx_hash", txHash).Error
}

func (r *ConversionRepository) GetPendingBefore(ctx context.Context, beforeTime time.Time, limit int) ([]*model.ConversionRecord, error) {
	var records []*model.ConversionRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND review_required = ? AND updated_at < ?",
			model.ConversionStatusPending, false, beforeTime).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *ConversionRepository) IncrementRetryCount(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Model(&model.ConversionRecord{}).
		Where("request_id = ?", requestID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *ConversionRepository) MarkReviewRequired(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Model(&model.ConversionRecord{}).
		Where("request_id = ?", requestID).
		Update("review_required", true).Error
}

func (r *ConversionRepository) ListByAddress(ctx context.Context, address string, page, pageSize int) ([]*model.ConversionRecord, int64, error) {
	var records []*model.ConversionRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ConversionRecord{}).Where("address = ?", address)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
