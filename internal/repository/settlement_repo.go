package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"unlockpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSettlementNotFound      = errors.New("结算记录不存在")
	ErrSettlementStatusInvalid = errors.New("结算状态不合法")
	ErrDuplicateRequest        = errors.New("重复请求")
)

type SettlementRepository struct {
	db *gorm.DB
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// Create 插入结算记录
// request_id 上的唯一索引兼做幂等占位：并发的第二个插入会失败，
// 返回 ErrDuplicateRequest，调用方转入幂等重放分支
func (r *SettlementRepository) Create(ctx context.Context, tx *gorm.DB, record *model.SettlementRecord) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(record).Error
	if err != nil && isDuplicateKeyErr(err) {
		return ErrDuplicateRequest
	}
	return err
}

func (r *SettlementRepository) GetByRequestID(ctx context.Context, requestID string) (*model.SettlementRecord, error) {
	var record model.SettlementRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *SettlementRepository) GetBySettleNo(ctx context.Context, settleNo string) (*model.SettlementRecord, error) {
	var record model.SettlementRecord
	err := r.db.WithContext(ctx).Where("settle_no = ?", settleNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &record, nil
}

// UpdateStatus 带前置状态校验的状态推进
// WHERE 里带 fromStatus，保证状态只被推进一次，重复推进影响零行
func (r *SettlementRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, requestID string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrSettlementStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	if toStatus == model.SettlementStatusConfirmed {
		now := time.Now()
		updates["confirmed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.SettlementRecord{}).
		Where("request_id = ? AND status = ?", requestID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrSettlementStatusInvalid
	}

	return nil
}

// AttachTxHash 提交链上交易后立刻落库交易哈希
// 对账任务全靠这个哈希补查回执，越早落库窗口越小
func (r *SettlementRepository) AttachTxHash(ctx context.Context, requestID, txHash string) error {
	return r.db.WithContext(ctx).
		Model(&model.SettlementRecord{}).
		Where("request_id = ?", requestID).
		Update("tx_hash", txHash).Error
}

// GetPendingBefore 查询超过宽限期仍为 PENDING 的记录，供对账任务处理
func (r *SettlementRepository) GetPendingBefore(ctx context.Context, beforeTime time.Time, limit int) ([]*model.SettlementRecord, error) {
	var records []*model.SettlementRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND review_required = ? AND updated_at < ?",
			model.SettlementStatusPending, false, beforeTime).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *SettlementRepository) IncrementRetryCount(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Model(&model.SettlementRecord{}).
		Where("request_id = ?", requestID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// MarkReviewRequired 对账重试预算耗尽，转人工处理
// 记录保持 PENDING，只打复核标记 —— 绝不自动判 FAILED
func (r *SettlementRepository) MarkReviewRequired(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Model(&model.SettlementRecord{}).
		Where("request_id = ?", requestID).
		Update("review_required", true).Error
}

func (r *SettlementRepository) ListByAddress(ctx context.Context, address string, page, pageSize int) ([]*model.SettlementRecord, int64, error) {
	var records []*model.SettlementRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.SettlementRecord{}).Where("address = ?", address)

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

// isDuplicateKeyErr 识别唯一索引冲突
// MySQL 报 1062 / Duplicate entry，SQLite 报 UNIQUE constraint failed
func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
