package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"unlockpay/internal/config"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/infrastructure/lock"
	"unlockpay/internal/model"
	"unlockpay/internal/repository"
	"unlockpay/pkg/idgen"

	"gorm.io/gorm"
)

// 结算结果
const (
	SettleResultGranted   = "GRANTED"   // 已授权
	SettleResultAborted   = "ABORTED"   // 已失败（终态）
	SettleResultAmbiguous = "AMBIGUOUS" // 链上结果未知，请按 request_id 轮询
)

// SettlementService 结算引擎
//
// 【核心流程】两层账本的降级结算：
//  1. request_id 幂等重放：已确认的记录直接补发授权，绝不二次扣款
//  2. 积分余额充足走账本路径：一个数据库事务内完成扣减+记录+授权
//  3. 余额不足降级链上路径：先落 PENDING 记录再提交转账，
//     崩溃后对账任务能凭 tx_hash 把这笔结算补到终态
type SettlementService struct {
	db              *gorm.DB
	cfg             *config.Config
	bridge          chain.Bridge
	lockFactory     lock.Factory
	settlementRepo  *repository.SettlementRepository
	accountRepo     *repository.AccountRepository
	entitlementRepo *repository.EntitlementRepository
	flowRepo        *repository.FlowRepository
	outboxRepo      *repository.OutboxRepository
	resourceRepo    *repository.ResourceRepository
}

func NewSettlementService(db *gorm.DB, cfg *config.Config, bridge chain.Bridge, lockFactory lock.Factory) *SettlementService {
	return &SettlementService{
		db:              db,
		cfg:             cfg,
		bridge:          bridge,
		lockFactory:     lockFactory,
		settlementRepo:  repository.NewSettlementRepository(db),
		accountRepo:     repository.NewAccountRepository(db),
		entitlementRepo: repository.NewEntitlementRepository(db),
		flowRepo:        repository.NewFlowRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		resourceRepo:    repository.NewResourceRepository(db),
	}
}

type SettleRequest struct {
	RequestID      string `json:"request_id" binding:"required"`
	Address        string `json:"address" binding:"required"`
	ResourceID     string `json:"resource_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	DurationMonths int    `json:"duration_months" binding:"required"`
}

type SettleResponse struct {
	SettleNo  string     `json:"settle_no"`
	RequestID string     `json:"request_id"`
	Result    string     `json:"result"`
	Method    string     `json:"method,omitempty"`
	Status    string     `json:"status"`
	TxHash    string     `json:"tx_hash,omitempty"`
	ExpiresAt *time.Time `json:"expires_at"`
	Message   string     `json:"message,omitempty"`
}

// Settle 执行一次解锁结算
func (s *SettlementService) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	if req.DurationMonths <= 0 && req.DurationMonths != model.DurationLifetime {
		return nil, errors.New("解锁时长不合法")
	}

	// 幂等校验
	existing, err := s.settlementRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	if existing != nil {
		return s.replay(ctx, existing)
	}

	// 按 request_id 获取分布式锁，同一笔购买的状态机串行推进
	settleNo := idgen.GenerateSettleNo()
	settleLock := s.lockFactory(req.RequestID, settleNo)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer settleLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.settlementRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	if existing != nil {
		return s.replay(ctx, existing)
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.Address)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	// 第一层：积分账本
	// 余额充足时整个链桥都不会被触碰，这是最常见的路径，只花一个数据库事务
	if account.Balance >= req.Amount {
		resp, err := s.settleByLedger(ctx, req, settleNo, account)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, repository.ErrBalanceNotEnough) {
			return nil, err
		}
		// 并发把余额掏空了，降级链上路径
	}

	// 第二层：链上代币
	return s.settleByChain(ctx, req, settleNo)
}

// settleByLedger 账本路径：扣积分、落已确认记录、写流水、发授权，同一事务
func (s *SettlementService) settleByLedger(ctx context.Context, req *SettleRequest, settleNo string, account *model.Account) (*SettleResponse, error) {
	now := time.Now()
	record := &model.SettlementRecord{
		SettleNo:       settleNo,
		RequestID:      req.RequestID,
		Address:        req.Address,
		ResourceID:     req.ResourceID,
		Amount:         req.Amount,
		DurationMonths: req.DurationMonths,
		Method:         model.SettlementMethodLedger,
		Status:         model.SettlementStatusConfirmed,
		ConfirmedAt:    &now,
	}

	var grant *model.EntitlementGrant

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Debit(ctx, tx, req.Address, req.Amount, account.Version); err != nil {
			if errors.Is(err, repository.ErrOptimisticLock) {
				return errors.New("系统繁忙，请重试")
			}
			return err
		}

		if err := s.settlementRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("创建结算记录失败: %w", err)
		}

		flow := &model.LedgerFlow{
			FlowNo:        idgen.GenerateFlowNo(),
			Address:       req.Address,
			RequestID:     req.RequestID,
			Amount:        -req.Amount,
			Type:          model.FlowTypeUnlock,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - req.Amount,
			Remark:        fmt.Sprintf("解锁-%s", req.ResourceID),
		}
		if err := s.flowRepo.Create(ctx, tx, flow); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		var grantErr error
		grant, grantErr = s.entitlementRepo.Upsert(ctx, tx, req.Address, req.ResourceID,
			req.DurationMonths, req.RequestID, model.SettlementMethodLedger)
		if grantErr != nil {
			return fmt.Errorf("写入授权失败: %w", grantErr)
		}

		if err := s.writeSettleOutbox(ctx, tx, record); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("结算成功（账本）: settleNo=%s, address=%s, resource=%s, amount=%d",
		settleNo, req.Address, req.ResourceID, req.Amount)

	return &SettleResponse{
		SettleNo:  settleNo,
		RequestID: req.RequestID,
		Result:    SettleResultGranted,
		Method:    model.SettlementMethodLedger,
		Status:    model.SettlementStatusConfirmed,
		ExpiresAt: grant.ExpiresAt,
		Message:   "解锁成功",
	}, nil
}

// settleByChain 链上路径
//
// 【关键点】PENDING 记录必须先于链上提交落库：
// 进程在提交后、确认前崩溃时，留下的记录带着 tx_hash，
// 对账任务可以补查回执，这笔钱不会悄悄丢失
func (s *SettlementService) settleByChain(ctx context.Context, req *SettleRequest, settleNo string) (*SettleResponse, error) {
	payee := s.resolvePayee(ctx, req.ResourceID)

	record := &model.SettlementRecord{
		SettleNo:       settleNo,
		RequestID:      req.RequestID,
		Address:        req.Address,
		ResourceID:     req.ResourceID,
		Amount:         req.Amount,
		DurationMonths: req.DurationMonths,
		Method:         model.SettlementMethodChain,
		Status:         model.SettlementStatusPending,
	}
	if err := s.settlementRepo.Create(ctx, nil, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) {
			// 并发请求抢先占位，当作重放处理
			existing, qerr := s.settlementRepo.GetByRequestID(ctx, req.RequestID)
			if qerr != nil || existing == nil {
				return nil, fmt.Errorf("查询结算记录失败: %v", qerr)
			}
			return s.replay(ctx, existing)
		}
		return nil, fmt.Errorf("创建结算记录失败: %w", err)
	}

	txHash, err := s.bridge.Transfer(ctx, payee, req.Amount)
	if err != nil {
		// 提交被拒绝是终态（钱包拒签/节点拒收），不重试
		if ferr := s.settlementRepo.UpdateStatus(ctx, nil, req.RequestID,
			model.SettlementStatusPending, model.SettlementStatusFailed); ferr != nil {
			log.Printf("标记结算失败状态失败: requestID=%s, err=%v", req.RequestID, ferr)
		}
		log.Printf("结算失败（链上提交被拒）: settleNo=%s, err=%v", settleNo, err)
		return &SettleResponse{
			SettleNo:  settleNo,
			RequestID: req.RequestID,
			Result:    SettleResultAborted,
			Method:    model.SettlementMethodChain,
			Status:    model.SettlementStatusFailed,
			Message:   "链上交易被拒绝",
		}, nil
	}

	// 哈希尽早落库，对账兜底全靠它
	if err := s.settlementRepo.AttachTxHash(ctx, req.RequestID, txHash); err != nil {
		log.Printf("落库交易哈希失败: requestID=%s, txHash=%s, err=%v", req.RequestID, txHash, err)
	}

	timeout := time.Duration(s.cfg.Chain.ConfirmTimeoutSeconds) * time.Second
	result, err := s.bridge.Await(ctx, txHash, timeout)
	if err != nil || result == chain.AwaitTimeout {
		// 超时/查询异常不是失败：交易可能仍会落块，留给对账任务
		log.Printf("结算歧义（等待回执超时）: settleNo=%s, txHash=%s", settleNo, txHash)
		return &SettleResponse{
			SettleNo:  settleNo,
			RequestID: req.RequestID,
			Result:    SettleResultAmbiguous,
			Method:    model.SettlementMethodChain,
			Status:    model.SettlementStatusPending,
			TxHash:    txHash,
			Message:   "链上结果未知，请稍后查询",
		}, nil
	}

	if result == chain.AwaitReverted {
		if ferr := s.settlementRepo.UpdateStatus(ctx, nil, req.RequestID,
			model.SettlementStatusPending, model.SettlementStatusFailed); ferr != nil {
			log.Printf("标记结算失败状态失败: requestID=%s, err=%v", req.RequestID, ferr)
		}
		log.Printf("结算失败（链上回滚）: settleNo=%s, txHash=%s", settleNo, txHash)
		return &SettleResponse{
			SettleNo:  settleNo,
			RequestID: req.RequestID,
			Result:    SettleResultAborted,
			Method:    model.SettlementMethodChain,
			Status:    model.SettlementStatusFailed,
			TxHash:    txHash,
			Message:   "链上交易执行回滚",
		}, nil
	}

	// 链上已确认，补记录终态和授权
	record.TxHash = txHash
	grant, err := s.ConfirmChainSettlement(ctx, record)
	if err != nil {
		// 确认和授权同一事务，这里失败说明落库异常；
		// 记录仍是 PENDING + tx_hash，重放或对账会补齐，授权不会丢
		return nil, fmt.Errorf("确认结算失败: %w", err)
	}

	log.Printf("结算成功（链上）: settleNo=%s, address=%s, resource=%s, txHash=%s",
		settleNo, req.Address, req.ResourceID, txHash)

	return &SettleResponse{
		SettleNo:  settleNo,
		RequestID: req.RequestID,
		Result:    SettleResultGranted,
		Method:    model.SettlementMethodChain,
		Status:    model.SettlementStatusConfirmed,
		TxHash:    txHash,
		ExpiresAt: grant.ExpiresAt,
		Message:   "解锁成功",
	}, nil
}

// ConfirmChainSettlement 把一条 PENDING 链上结算推到 CONFIRMED 并发授权
// 状态推进、授权写入、事件发件箱在同一事务 —— 对账任务也走这里
func (s *SettlementService) ConfirmChainSettlement(ctx context.Context, record *model.SettlementRecord) (*model.EntitlementGrant, error) {
	var grant *model.EntitlementGrant

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.settlementRepo.UpdateStatus(ctx, tx, record.RequestID,
			model.SettlementStatusPending, model.SettlementStatusConfirmed); err != nil {
			return err
		}

		var grantErr error
		grant, grantErr = s.entitlementRepo.Upsert(ctx, tx, record.Address, record.ResourceID,
			record.DurationMonths, record.RequestID, model.SettlementMethodChain)
		if grantErr != nil {
			return fmt.Errorf("写入授权失败: %w", grantErr)
		}

		record.Status = model.SettlementStatusConfirmed
		if err := s.writeSettleOutbox(ctx, tx, record); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return grant, nil
}

// FailChainSettlement 把一条 PENDING 链上结算推到 FAILED（对账任务用）
func (s *SettlementService) FailChainSettlement(ctx context.Context, record *model.SettlementRecord) error {
	return s.settlementRepo.UpdateStatus(ctx, nil, record.RequestID,
		model.SettlementStatusPending, model.SettlementStatusFailed)
}

// replay 幂等重放：不碰任何账本，只从已有记录推导响应
func (s *SettlementService) replay(ctx context.Context, record *model.SettlementRecord) (*SettleResponse, error) {
	resp := &SettleResponse{
		SettleNo:  record.SettleNo,
		RequestID: record.RequestID,
		Method:    record.Method,
		Status:    record.Status,
		TxHash:    record.TxHash,
	}

	switch record.Status {
	case model.SettlementStatusConfirmed:
		// 已确认：授权从记录重新推导。正常情况下授权早已写入，
		// 这里兜底"确认后授权丢失"的窗口 —— 绝不会重新提交链上转账
		grant, err := s.entitlementRepo.Get(ctx, record.Address, record.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("查询授权失败: %w", err)
		}
		if grant == nil {
			grant, err = s.rederiveGrant(ctx, record)
			if err != nil {
				return nil, err
			}
		}
		resp.Result = SettleResultGranted
		resp.ExpiresAt = grant.ExpiresAt
		resp.Message = "订单已结算，请勿重复支付"
	case model.SettlementStatusFailed:
		resp.Result = SettleResultAborted
		resp.Message = "结算已失败"
	default:
		resp.Result = SettleResultAmbiguous
		resp.Message = "链上结果未知，请稍后查询"
	}

	return resp, nil
}

// rederiveGrant 从已确认的结算记录补写授权
func (s *SettlementService) rederiveGrant(ctx context.Context, record *model.SettlementRecord) (*model.EntitlementGrant, error) {
	var grant *model.EntitlementGrant
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var grantErr error
		grant, grantErr = s.entitlementRepo.Upsert(ctx, tx, record.Address, record.ResourceID,
			record.DurationMonths, record.RequestID, record.Method)
		return grantErr
	})
	if err != nil {
		return nil, fmt.Errorf("补写授权失败: %w", err)
	}
	log.Printf("授权已从结算记录补写: requestID=%s, resource=%s", record.RequestID, record.ResourceID)
	return grant, nil
}

// resolvePayee 查资源的收款地址，查不到回退平台金库
func (s *SettlementService) resolvePayee(ctx context.Context, resourceID string) string {
	resource, err := s.resourceRepo.GetByResourceID(ctx, resourceID)
	if err == nil && resource.PayeeAddress != "" {
		return resource.PayeeAddress
	}
	if err != nil && !errors.Is(err, repository.ErrResourceNotFound) {
		log.Printf("查询资源收款地址失败，回退平台金库: resource=%s, err=%v", resourceID, err)
	}
	return s.cfg.Chain.TreasuryAddress
}

func (s *SettlementService) writeSettleOutbox(ctx context.Context, tx *gorm.DB, record *model.SettlementRecord) error {
	msgPayload := map[string]interface{}{
		"settle_no":   record.SettleNo,
		"request_id":  record.RequestID,
		"address":     record.Address,
		"resource_id": record.ResourceID,
		"amount":      record.Amount,
		"method":      record.Method,
		"status":      record.Status,
		"tx_hash":     record.TxHash,
		"settled_at":  time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: record.SettleNo,
		Topic:      s.cfg.Kafka.Topic.SettleResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, outboxMsg)
}

// QueryByRequestID 按幂等ID查询结算进度，调用方轮询用
func (s *SettlementService) QueryByRequestID(ctx context.Context, requestID string) (*SettleResponse, error) {
	record, err := s.settlementRepo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, repository.ErrSettlementNotFound
	}
	return s.replay(ctx, record)
}

// ListByAddress 查询账户的结算记录
func (s *SettlementService) ListByAddress(ctx context.Context, address string, page, pageSize int) ([]*model.SettlementRecord, int64, error) {
	return s.settlementRepo.ListByAddress(ctx, address, page, pageSize)
}
