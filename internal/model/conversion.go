package model

import (
	"time"
)

const (
	ConversionStatusPending     = "PENDING"
	ConversionStatusConfirmed   = "CONFIRMED"
	ConversionStatusCompensated = "COMPENSATED" // 铸币失败，积分已原路退回
)

// ValidConversionTransitions 兑换状态机
// 注意：兑换没有 FAILED 终态 —— 烧掉积分之后铸币失败，必须补偿退回，
// 所以失败路径的终态是 COMPENSATED，账面始终可还原
var ValidConversionTransitions = map[string][]string{
	ConversionStatusPending: {ConversionStatusConfirmed, ConversionStatusCompensated},
}

func CanConversionTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidConversionTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ConversionRecord 积分兑换代币记录表
// 先烧积分、后链上铸币的两段式提交，request_id 幂等约束与结算记录一致
type ConversionRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConvertNo      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"convert_no"`
	RequestID      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	Address        string     `gorm:"type:varchar(64);index;not null" json:"address"`
	BurnedAmount   int64      `gorm:"not null" json:"burned_amount"` // 销毁的积分数
	MintedAmount   int64      `gorm:"not null" json:"minted_amount"` // 铸造的代币数
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TxHash         string     `gorm:"type:varchar(80);index" json:"tx_hash"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	ReviewRequired bool       `gorm:"not null;default:false" json:"review_required"`
	ConfirmedAt    *time.Time `json:"confirmed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ConversionRecord) TableName() string {
	return "conversion_record"
}
