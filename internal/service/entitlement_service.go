package service

import (
	"context"

	"unlockpay/internal/model"
	"unlockpay/internal/repository"

	"gorm.io/gorm"
)

// EntitlementService 授权查询
// 调用方（UI 层）每次访问资源都应该查这里，而不是信任本地缓存 ——
// 对账任务把歧义记录补成终态之后，本地缓存就过期了
type EntitlementService struct {
	entitlementRepo *repository.EntitlementRepository
	resourceRepo    *repository.ResourceRepository
}

func NewEntitlementService(db *gorm.DB) *EntitlementService {
	return &EntitlementService{
		entitlementRepo: repository.NewEntitlementRepository(db),
		resourceRepo:    repository.NewResourceRepository(db),
	}
}

// IsEffective 判断账户对资源的授权当前是否有效
func (s *EntitlementService) IsEffective(ctx context.Context, address, resourceID string) (bool, error) {
	return s.entitlementRepo.IsEffective(ctx, address, resourceID)
}

// GetGrant 查询授权详情（含到期时间）
func (s *EntitlementService) GetGrant(ctx context.Context, address, resourceID string) (*model.EntitlementGrant, error) {
	return s.entitlementRepo.Get(ctx, address, resourceID)
}

// ListEffective 查询账户当前有效的全部授权
func (s *EntitlementService) ListEffective(ctx context.Context, address string) ([]*model.EntitlementGrant, error) {
	return s.entitlementRepo.ListEffectiveByAddress(ctx, address)
}

// UpsertResource 管理侧维护资源及收款地址
func (s *EntitlementService) UpsertResource(ctx context.Context, resource *model.Resource) error {
	return s.resourceRepo.Upsert(ctx, resource)
}

// GetResource 查询资源
func (s *EntitlementService) GetResource(ctx context.Context, resourceID string) (*model.Resource, error) {
	return s.resourceRepo.GetByResourceID(ctx, resourceID)
}
