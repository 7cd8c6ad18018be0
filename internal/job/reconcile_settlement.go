package job

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"unlockpay/internal/config"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/model"
	"unlockpay/internal/repository"
	"unlockpay/internal/service"
	"unlockpay/pkg/queue"

	"gorm.io/gorm"
)

// SettleReconcileJob 结算对账任务
//
// 处理所有超过宽限期仍为 PENDING 的链上结算：
//   - 有 tx_hash：补查回执，推到 CONFIRMED（补发授权）或 FAILED
//   - 无 tx_hash / 轮询预算耗尽：打复核标记、入人工队列、发运维告警，
//     绝不自动判 FAILED，也绝不静默丢弃
type SettleReconcileJob struct {
	db             *gorm.DB
	cfg            *config.Config
	bridge         chain.Bridge
	settleService  *service.SettlementService
	settlementRepo *repository.SettlementRepository
	outboxRepo     *repository.OutboxRepository
	reviewQueue    *queue.Bounded
	stopCh         chan struct{}
	interval       time.Duration
	batchSize      int
}

func NewSettleReconcileJob(db *gorm.DB, cfg *config.Config, bridge chain.Bridge,
	settleService *service.SettlementService, reviewQueue *queue.Bounded) *SettleReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSecond) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SettleReconcileJob{
		db:             db,
		cfg:            cfg,
		bridge:         bridge,
		settleService:  settleService,
		settlementRepo: repository.NewSettlementRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		reviewQueue:    reviewQueue,
		stopCh:         make(chan struct{}),
		interval:       interval,
		batchSize:      50,
	}
}

func (j *SettleReconcileJob) Start(ctx context.Context) {
	log.Println("[SettleReconcileJob] 结算对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SettleReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SettleReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *SettleReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *SettleReconcileJob) sweep(ctx context.Context) {
	grace := time.Duration(j.cfg.Business.ReconcileGraceSecond) * time.Second
	beforeTime := time.Now().Add(-grace)

	records, err := j.settlementRepo.GetPendingBefore(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[SettleReconcileJob] 查询待对账记录失败: %v", err)
		return
	}

	if len(records) == 0 {
		return
	}

	log.Printf("[SettleReconcileJob] 发现 %d 条待对账结算", len(records))

	for _, record := range records {
		j.reconcile(ctx, record)
	}
}

func (j *SettleReconcileJob) reconcile(ctx context.Context, record *model.SettlementRecord) {
	// 没有交易哈希就没法补查回执：提交与落哈希之间崩溃过，
	// 链上可能有也可能没有这笔交易，只能转人工
	if record.TxHash == "" {
		j.escalate(ctx, record, "PENDING 记录缺少交易哈希")
		return
	}

	result, err := j.bridge.PollReceipt(ctx, record.TxHash)
	if err != nil {
		log.Printf("[SettleReconcileJob] 查询回执失败: requestID=%s, txHash=%s, err=%v",
			record.RequestID, record.TxHash, err)
		return
	}

	switch result {
	case chain.AwaitConfirmed:
		if _, err := j.settleService.ConfirmChainSettlement(ctx, record); err != nil {
			log.Printf("[SettleReconcileJob] 补确认失败: requestID=%s, err=%v", record.RequestID, err)
			return
		}
		log.Printf("[SettleReconcileJob] 结算已补确认并发授权: requestID=%s, txHash=%s",
			record.RequestID, record.TxHash)

	case chain.AwaitReverted:
		if err := j.settleService.FailChainSettlement(ctx, record); err != nil {
			log.Printf("[SettleReconcileJob] 标记失败状态失败: requestID=%s, err=%v", record.RequestID, err)
			return
		}
		log.Printf("[SettleReconcileJob] 结算已判定失败（链上回滚）: requestID=%s, txHash=%s",
			record.RequestID, record.TxHash)

	case chain.AwaitNotFound:
		if err := j.settlementRepo.IncrementRetryCount(ctx, record.RequestID); err != nil {
			log.Printf("[SettleReconcileJob] 增加轮询次数失败: requestID=%s, err=%v", record.RequestID, err)
			return
		}
		if record.RetryCount+1 >= j.cfg.Business.ReconcileMaxRetries {
			j.escalate(ctx, record, "轮询预算耗尽，链上状态无法确定")
		}
	}
}

// escalate 对账无法自动得出结论，转人工处理
func (j *SettleReconcileJob) escalate(ctx context.Context, record *model.SettlementRecord, reason string) {
	log.Printf("[SettleReconcileJob] 对账不一致，转人工: requestID=%s, settleNo=%s, txHash=%s, 原因=%s",
		record.RequestID, record.SettleNo, record.TxHash, reason)

	if err := j.settlementRepo.MarkReviewRequired(ctx, record.RequestID); err != nil {
		log.Printf("[SettleReconcileJob] 打复核标记失败: requestID=%s, err=%v", record.RequestID, err)
		return
	}

	if err := j.reviewQueue.Push(record.RequestID, map[string]interface{}{
		"kind":       "settlement",
		"settle_no":  record.SettleNo,
		"request_id": record.RequestID,
		"tx_hash":    record.TxHash,
		"reason":     reason,
	}); err != nil && err != queue.ErrDuplicate {
		// 队列满只影响运维端展示，告警消息照发
		log.Printf("[SettleReconcileJob] 入复核队列失败: requestID=%s, err=%v", record.RequestID, err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"kind":       "settlement_reconcile_mismatch",
		"settle_no":  record.SettleNo,
		"request_id": record.RequestID,
		"address":    record.Address,
		"amount":     record.Amount,
		"tx_hash":    record.TxHash,
		"reason":     reason,
	})
	alert := &model.OutboxMessage{
		MessageKey: record.RequestID,
		Topic:      j.cfg.Kafka.Topic.OpsAlert,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := j.outboxRepo.Create(ctx, nil, alert); err != nil {
		log.Printf("[SettleReconcileJob] 写入告警消息失败: requestID=%s, err=%v", record.RequestID, err)
	}
}
