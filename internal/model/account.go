package model

import (
	"time"
)

// Account 积分账户表
// 记录每个钱包地址的链下积分余额，是结算系统的第一层账本
// 注意：链上代币余额不在这里缓存，任何时候都以链上 balanceOf 为准
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Address   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"address"` // 钱包地址，调用方传入
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                    // 可用积分余额
	Version   int       `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
