package model

import (
	"time"

	"gorm.io/datatypes"
)

// EntitlementGrant 授权记录表
// 同一 (address, resource_id) 至多一条记录 —— 续费是延长 expires_at，不是插新行
//
// expires_at 语义：
//   - 非空：到期时间，过期后 IsEffective 为 false（记录不删除）
//   - 空：  买断（永久有效），且永久授权不会被任何续费改回有限期
type EntitlementGrant struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Address    string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_grant_addr_resource,priority:1" json:"address"`
	ResourceID string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_grant_addr_resource,priority:2" json:"resource_id"`
	ExpiresAt  *time.Time     `gorm:"index" json:"expires_at"`                // nil 表示买断
	Metadata   datatypes.JSON `json:"metadata"`                               // 最近一次授权来源（request_id / method）
	Version    int            `gorm:"not null;default:1" json:"version"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EntitlementGrant) TableName() string {
	return "entitlement_grant"
}

// Effective 判断授权当前是否有效
func (g *EntitlementGrant) Effective(now time.Time) bool {
	if g == nil {
		return false
	}
	if g.ExpiresAt == nil {
		return true
	}
	return g.ExpiresAt.After(now)
}
