package model

import (
	"time"
)

const (
	FlowTypeUnlock     = "UNLOCK"     // 解锁扣减
	FlowTypeReward     = "REWARD"     // 奖励入账
	FlowTypeBurn       = "BURN"       // 兑换销毁
	FlowTypeCompensate = "COMPENSATE" // 铸币失败补偿退回
)

// LedgerFlow 积分流水表
// 记录账户的每一笔积分变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每笔流水必须关联 request_id —— 与结算/兑换记录对得上
// 3. 记录变动前后余额 —— 便于校验余额一致性
type LedgerFlow struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FlowNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"flow_no"`    // 流水号（全局唯一）
	Address       string    `gorm:"type:varchar(64);index;not null" json:"address"`          // 钱包地址
	RequestID     string    `gorm:"type:varchar(64);index;not null" json:"request_id"`       // 关联请求
	Amount        int64     `gorm:"not null" json:"amount"`                                  // 金额（正数入账，负数出账）
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`                   // 流水类型
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`                          // 变动前余额
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                           // 变动后余额
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`                         // 备注
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerFlow) TableName() string {
	return "ledger_flow"
}
