package model

import (
	"time"
)

const (
	SettlementStatusPending   = "PENDING"
	SettlementStatusConfirmed = "CONFIRMED"
	SettlementStatusFailed    = "FAILED"
)

const (
	SettlementMethodLedger = "LEDGER"
	SettlementMethodChain  = "CHAIN"
)

// ValidSettlementTransitions 结算状态机
// 状态只允许单向流转：PENDING 是唯一的中间态，CONFIRMED / FAILED 是终态
var ValidSettlementTransitions = map[string][]string{
	SettlementStatusPending: {SettlementStatusConfirmed, SettlementStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidSettlementTransitions[currentStatus]
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

// DurationLifetime 买断（永久解锁）的哨兵值
// duration_months 传 -1 表示永久授权，授权记录的 expires_at 置空
const DurationLifetime = -1

// SettlementRecord 结算记录表
// 一次解锁请求对应一条记录，request_id 全局唯一，是幂等的根基
//
// 【重要】记录只追加状态，不删除 —— 对账和审计都依赖这张表
// 状态在 CONFIRMED 之前崩溃可以通过 request_id 重放恢复，
// 已提交链上交易的记录由对账任务根据 tx_hash 补齐终态
type SettlementRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SettleNo       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"settle_no"`  // 结算单号
	RequestID      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID，调用方生成
	Address        string     `gorm:"type:varchar(64);index;not null" json:"address"`          // 付款钱包地址
	ResourceID     string     `gorm:"type:varchar(64);index;not null" json:"resource_id"`      // 解锁目标资源
	Amount         int64      `gorm:"not null" json:"amount"`                                  // 价格
	DurationMonths int        `gorm:"not null" json:"duration_months"`                         // 解锁时长（月），-1 为买断
	Method         string     `gorm:"type:varchar(16);not null" json:"method"`                 // LEDGER / CHAIN
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TxHash         string     `gorm:"type:varchar(80);index" json:"tx_hash"` // 链上交易哈希（链路径才有）
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"` // 对账轮询次数
	ReviewRequired bool       `gorm:"not null;default:false" json:"review_required"`
	ConfirmedAt    *time.Time `json:"confirmed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SettlementRecord) TableName() string {
	return "settlement_record"
}
