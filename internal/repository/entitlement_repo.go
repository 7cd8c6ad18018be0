package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"unlockpay/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EntitlementRepository struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// grantSource 授权来源，落在 metadata 里便于审计追溯
type grantSource struct {
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
}

// Upsert 写入或延长授权
//
// 【关键点】同一 (address, resource_id) 只有一行，续费语义：
//   - 已有买断（expires_at 为空）：保持买断，买断不会被有限期覆盖
//   - 本次买断（duration = -1）：expires_at 置空，买断永远胜出
//   - 已有授权未过期：在原到期时间上顺延 duration 个月，不是重置
//   - 已过期或无授权：从当前时间起算 duration 个月
//
// 必须在调用方的事务里执行 —— 授权写入和结算记录确认要同生共死
func (r *EntitlementRepository) Upsert(ctx context.Context, tx *gorm.DB, address, resourceID string, durationMonths int, requestID, method string) (*model.EntitlementGrant, error) {
	if tx == nil {
		tx = r.db
	}

	metadata, _ := json.Marshal(grantSource{RequestID: requestID, Method: method})
	now := time.Now()

	var grant model.EntitlementGrant
	err := tx.WithContext(ctx).
		Where("address = ? AND resource_id = ?", address, resourceID).
		First(&grant).Error

	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		var expiresAt *time.Time
		if durationMonths != model.DurationLifetime {
			t := now.AddDate(0, durationMonths, 0)
			expiresAt = &t
		}

		grant = model.EntitlementGrant{
			Address:    address,
			ResourceID: resourceID,
			ExpiresAt:  expiresAt,
			Metadata:   datatypes.JSON(metadata),
			Version:    1,
		}
		if err := tx.WithContext(ctx).Create(&grant).Error; err != nil {
			return nil, err
		}
		return &grant, nil
	}

	grant.ExpiresAt = extendExpiry(grant.ExpiresAt, durationMonths, now)
	grant.Metadata = datatypes.JSON(metadata)
	grant.Version++

	err = tx.WithContext(ctx).
		Model(&model.EntitlementGrant{}).
		Where("id = ?", grant.ID).
		Updates(map[string]interface{}{
			"expires_at": grant.ExpiresAt,
			"metadata":   grant.Metadata,
			"version":    grant.Version,
		}).Error
	if err != nil {
		return nil, err
	}

	return &grant, nil
}

// extendExpiry 计算已有授权续费后的到期时间
// current 为空表示已是买断 —— 买断不会被任何续费改回有限期
func extendExpiry(current *time.Time, durationMonths int, now time.Time) *time.Time {
	if current == nil || durationMonths == model.DurationLifetime {
		return nil
	}

	base := now
	if current.After(now) {
		// 未过期的续费从原到期时间顺延，不是重置
		base = *current
	}

	expires := base.AddDate(0, durationMonths, 0)
	return &expires
}

func (r *EntitlementRepository) Get(ctx context.Context, address, resourceID string) (*model.EntitlementGrant, error) {
	var grant model.EntitlementGrant
	err := r.db.WithContext(ctx).
		Where("address = ? AND resource_id = ?", address, resourceID).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

// IsEffective 判断授权当前是否有效
// 过期的授权不删除，读侧按时间判断
func (r *EntitlementRepository) IsEffective(ctx context.Context, address, resourceID string) (bool, error) {
	grant, err := r.Get(ctx, address, resourceID)
	if err != nil {
		return false, err
	}
	return grant.Effective(time.Now()), nil
}

// ListEffectiveByAddress 查询账户当前有效的全部授权
// UI 侧的"已解锁列表"应当从这里重新推导，而不是依赖本地缓存
func (r *EntitlementRepository) ListEffectiveByAddress(ctx context.Context, address string) ([]*model.EntitlementGrant, error) {
	var grants []*model.EntitlementGrant
	err := r.db.WithContext(ctx).
		Where("address = ? AND (expires_at IS NULL OR expires_at > ?)", address, time.Now()).
		Order("created_at ASC").
		Find(&grants).Error
	return grants, err
}
