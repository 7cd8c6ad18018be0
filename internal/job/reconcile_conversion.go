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

// ConvertReconcileJob 兑换对账任务
//
// 与结算对账同构，差别在失败路径：兑换的积分已经烧掉，
// 链上回滚后必须补偿退回，而不是简单标记失败
type ConvertReconcileJob struct {
	db             *gorm.DB
	cfg            *config.Config
	bridge         chain.Bridge
	convertService *service.ConversionService
	conversionRepo *repository.ConversionRepository
	outboxRepo     *repository.OutboxRepository
	reviewQueue    *queue.Bounded
	stopCh         chan struct{}
	interval       time.Duration
	batchSize      int
}

func NewConvertReconcileJob(db *gorm.DB, cfg *config.Config, bridge chain.Bridge,
	convertService *service.ConversionService, reviewQueue *queue.Bounded) *ConvertReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSecond) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConvertReconcileJob{
		db:             db,
		cfg:            cfg,
		bridge:         bridge,
		convertService: convertService,
		conversionRepo: repository.NewConversionRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		reviewQueue:    reviewQueue,
		stopCh:         make(chan struct{}),
		interval:       interval,
		batchSize:      50,
	}
}

func (j *ConvertReconcileJob) Start(ctx context.Context) {
	log.Println("[ConvertReconcileJob] 兑换对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ConvertReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ConvertReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ConvertReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ConvertReconcileJob) sweep(ctx context.Context) {
	grace := time.Duration(j.cfg.Business.ReconcileGraceSecond) * time.Second
	beforeTime := time.Now().Add(-grace)

	records, err := j.conversionRepo.GetPendingBefore(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[ConvertReconcileJob] 查询待对账记录失败: %v", err)
		return
	}

	if len(records) == 0 {
		return
	}

	log.Printf("[ConvertReconcileJob] 发现 %d 条待对账兑换", len(records))

	for _, record := range records {
		j.reconcile(ctx, record)
	}
}

func (j *ConvertReconcileJob) reconcile(ctx context.Context, record *model.ConversionRecord) {
	if record.TxHash == "" {
		j.escalate(ctx, record, "PENDING 记录缺少交易哈希")
		return
	}

	result, err := j.bridge.PollReceipt(ctx, record.TxHash)
	if err != nil {
		log.Printf("[ConvertReconcileJob] 查询回执失败: requestID=%s, txHash=%s, err=%v",
			record.RequestID, record.TxHash, err)
		return
	}

	switch result {
	case chain.AwaitConfirmed:
		if err := j.convertService.ConfirmConversion(ctx, record); err != nil {
			log.Printf("[ConvertReconcileJob] 补确认失败: requestID=%s, err=%v", record.RequestID, err)
			return
		}
		log.Printf("[ConvertReconcileJob] 兑换已补确认: requestID=%s, txHash=%s",
			record.RequestID, record.TxHash)

	case chain.AwaitReverted:
		if err := j.convertService.CompensateConversion(ctx, record); err != nil {
			log.Printf("[ConvertReconcileJob] 补偿失败: requestID=%s, err=%v", record.RequestID, err)
			return
		}
		log.Printf("[ConvertReconcileJob] 铸币回滚，积分已补偿退回: requestID=%s, txHash=%s",
			record.RequestID, record.TxHash)

	case chain.AwaitNotFound:
		if err := j.conversionRepo.IncrementRetryCount(ctx, record.RequestID); err != nil {
			log.Printf("[ConvertReconcileJob] 增加轮询次数失败: requestID=%s, err=%v", record.RequestID, err)
			return
		}
		if record.RetryCount+1 >= j.cfg.Business.ReconcileMaxRetries {
			j.escalate(ctx, record, "轮询预算耗尽，链上状态无法确定")
		}
	}
}

func (j *ConvertReconcileJob) escalate(ctx context.Context, record *model.ConversionRecord, reason string) {
	log.Printf("[ConvertReconcileJob] 对账不一致，转人工: requestID=%s, convertNo=%s, txHash=%s, 原因=%s",
		record.RequestID, record.ConvertNo, record.TxHash, reason)

	if err := j.conversionRepo.MarkReviewRequired(ctx, record.RequestID); err != nil {
		log.Printf("[ConvertReconcileJob] 打复核标记失败: requestID=%s, err=%v", record.RequestID, err)
		return
	}

	if err := j.reviewQueue.Push(record.RequestID, map[string]interface{}{
		"kind":       "conversion",
		"convert_no": record.ConvertNo,
		"request_id": record.RequestID,
		"tx_hash":    record.TxHash,
		"reason":     reason,
	}); err != nil && err != queue.ErrDuplicate {
		log.Printf("[ConvertReconcileJob] 入复核队列失败: requestID=%s, err=%v", record.RequestID, err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"kind":          "conversion_reconcile_mismatch",
		"convert_no":    record.ConvertNo,
		"request_id":    record.RequestID,
		"address":       record.Address,
		"burned_amount": record.BurnedAmount,
		"tx_hash":       record.TxHash,
		"reason":        reason,
	})
	alert := &model.OutboxMessage{
		MessageKey: record.RequestID,
		Topic:      j.cfg.Kafka.Topic.OpsAlert,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := j.outboxRepo.Create(ctx, nil, alert); err != nil {
		log.Printf("[ConvertReconcileJob] 写入告警消息失败: requestID=%s, err=%v", record.RequestID, err)
	}
}
