package model

import (
	"time"
)

// Resource 可解锁资源表
// 链上付款路径需要的收款方地址从这里查；payee_address 为空时
// 回退到配置里的平台金库地址
type Resource struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ResourceID   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"resource_id"`
	Title        string    `gorm:"type:varchar(128)" json:"title"`
	PayeeAddress string    `gorm:"type:varchar(64)" json:"payee_address"` // 创作者收款地址，可为空
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Resource) TableName() string {
	return "resource"
}
