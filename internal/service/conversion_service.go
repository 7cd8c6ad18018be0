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

// 兑换结果
const (
	ConvertResultConfirmed = "CONFIRMED"
	ConvertResultAborted   = "ABORTED"
	ConvertResultAmbiguous = "AMBIGUOUS"
)

// ConversionService 积分兑换代币引擎
//
// 与结算引擎同构但方向相反：先烧积分（唯一能干净失败的一步，
// 余额不足直接拒绝，没有降级路径），再链上铸币。
//
// 【关键点】烧成功但铸币失败是真实的资损场景 ——
// 处理方式是补偿性 Credit 原路退回，并记一条 COMPENSATE 流水，
// 绝不能盲目重试铸币
type ConversionService struct {
	db             *gorm.DB
	cfg            *config.Config
	bridge         chain.Bridge
	lockFactory    lock.Factory
	conversionRepo *repository.ConversionRepository
	accountRepo    *repository.AccountRepository
	flowRepo       *repository.FlowRepository
	outboxRepo     *repository.OutboxRepository
}

func NewConversionService(db *gorm.DB, cfg *config.Config, bridge chain.Bridge, lockFactory lock.Factory) *ConversionService {
	return &ConversionService{
		db:             db,
		cfg:            cfg,
		bridge:         bridge,
		lockFactory:    lockFactory,
		conversionRepo: repository.NewConversionRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
		flowRepo:       repository.NewFlowRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

type ConvertRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"` // 要销毁的积分数
}

type ConvertResponse struct {
	ConvertNo    string `json:"convert_no"`
	RequestID    string `json:"request_id"`
	Result       string `json:"result"`
	Status       string `json:"status"`
	BurnedAmount int64  `json:"burned_amount"`
	MintedAmount int64  `json:"minted_amount"`
	TxHash       string `json:"tx_hash,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Convert 执行一次积分兑换
func (s *ConversionService) Convert(ctx context.Context, req *ConvertRequest) (*ConvertResponse, error) {
	rate := s.cfg.Business.PointsPerToken
	if rate <= 0 {
		return nil, errors.New("兑换比例未配置")
	}
	if req.Amount%rate != 0 {
		return nil, fmt.Errorf("兑换积分必须是 %d 的整数倍", rate)
	}
	mintedAmount := req.Amount / rate

	// 幂等校验
	existing, err := s.conversionRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询兑换记录失败: %w", err)
	}
	if existing != nil {
		return s.replay(existing), nil
	}

	convertNo := idgen.GenerateConvertNo()
	convertLock := s.lockFactory(req.RequestID, convertNo)
	if err := convertLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer convertLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.conversionRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询兑换记录失败: %w", err)
	}
	if existing != nil {
		return s.replay(existing), nil
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.Address)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}
	if account.Balance < req.Amount {
		return nil, repository.ErrBalanceNotEnough
	}

	record := &model.ConversionRecord{
		ConvertNo:    convertNo,
		RequestID:    req.RequestID,
		Address:      req.Address,
		BurnedAmount: req.Amount,
		MintedAmount: mintedAmount,
		Status:       model.ConversionStatusPending,
	}

	// 第一段：烧积分，PENDING 记录和 BURN 流水同一事务落库
	// 铸币提交发生在这之后，崩溃后对账任务凭这条记录决定确认还是补偿
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Debit(ctx, tx, req.Address, req.Amount, account.Version); err != nil {
			if errors.Is(err, repository.ErrOptimisticLock) {
				return errors.New("系统繁忙，请重试")
			}
			return err
		}

		if err := s.conversionRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("创建兑换记录失败: %w", err)
		}

		flow := &model.LedgerFlow{
			FlowNo:        idgen.GenerateFlowNo(),
			Address:       req.Address,
			RequestID:     req.RequestID,
			Amount:        -req.Amount,
			Type:          model.FlowTypeBurn,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - req.Amount,
			Remark:        fmt.Sprintf("兑换销毁-%s", convertNo),
		}
		if err := s.flowRepo.Create(ctx, tx, flow); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// 第二段：链上铸币
	txHash, err := s.bridge.Mint(ctx, req.Address, mintedAmount)
	if err != nil {
		// 提交被拒绝是终态：积分已烧掉，必须补偿退回
		log.Printf("铸币提交被拒，执行补偿: convertNo=%s, err=%v", convertNo, err)
		if cerr := s.CompensateConversion(ctx, record); cerr != nil {
			return nil, fmt.Errorf("铸币失败且补偿失败，需人工处理: %w", cerr)
		}
		return &ConvertResponse{
			ConvertNo:    convertNo,
			RequestID:    req.RequestID,
			Result:       ConvertResultAborted,
			Status:       model.ConversionStatusCompensated,
			BurnedAmount: req.Amount,
			MintedAmount: 0,
			Message:      "铸币被拒绝，积分已退回",
		}, nil
	}

	if err := s.conversionRepo.AttachTxHash(ctx, req.RequestID, txHash); err != nil {
		log.Printf("落库交易哈希失败: requestID=%s, txHash=%s, err=%v", req.RequestID, txHash, err)
	}

	timeout := time.Duration(s.cfg.Chain.ConfirmTimeoutSeconds) * time.Second
	result, err := s.bridge.Await(ctx, txHash, timeout)
	if err != nil || result == chain.AwaitTimeout {
		log.Printf("兑换歧义（等待回执超时）: convertNo=%s, txHash=%s", convertNo, txHash)
		return &ConvertResponse{
			ConvertNo:    convertNo,
			RequestID:    req.RequestID,
			Result:       ConvertResultAmbiguous,
			Status:       model.ConversionStatusPending,
			BurnedAmount: req.Amount,
			MintedAmount: mintedAmount,
			TxHash:       txHash,
			Message:      "链上结果未知，请稍后查询",
		}, nil
	}

	if result == chain.AwaitReverted {
		log.Printf("铸币回滚，执行补偿: convertNo=%s, txHash=%s", convertNo, txHash)
		record.TxHash = txHash
		if cerr := s.CompensateConversion(ctx, record); cerr != nil {
			return nil, fmt.Errorf("铸币回滚且补偿失败，需人工处理: %w", cerr)
		}
		return &ConvertResponse{
			ConvertNo:    convertNo,
			RequestID:    req.RequestID,
			Result:       ConvertResultAborted,
			Status:       model.ConversionStatusCompensated,
			BurnedAmount: req.Amount,
			MintedAmount: 0,
			TxHash:       txHash,
			Message:      "铸币回滚，积分已退回",
		}, nil
	}

	record.TxHash = txHash
	if err := s.ConfirmConversion(ctx, record); err != nil {
		return nil, fmt.Errorf("确认兑换失败: %w", err)
	}

	log.Printf("兑换成功: convertNo=%s, address=%s, burned=%d, minted=%d, txHash=%s",
		convertNo, req.Address, req.Amount, mintedAmount, txHash)

	return &ConvertResponse{
		ConvertNo:    convertNo,
		RequestID:    req.RequestID,
		Result:       ConvertResultConfirmed,
		Status:       model.ConversionStatusConfirmed,
		BurnedAmount: req.Amount,
		MintedAmount: mintedAmount,
		TxHash:       txHash,
		Message:      "兑换成功",
	}, nil
}

// ConfirmConversion 把一条 PENDING 兑换推到 CONFIRMED（对账任务也走这里）
func (s *ConversionService) ConfirmConversion(ctx context.Context, record *model.ConversionRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.conversionRepo.UpdateStatus(ctx, tx, record.RequestID,
			model.ConversionStatusPending, model.ConversionStatusConfirmed); err != nil {
			return err
		}

		record.Status = model.ConversionStatusConfirmed
		return s.writeConvertOutbox(ctx, tx, record)
	})
}

// CompensateConversion 铸币失败的补偿：积分原路退回
//
// 补偿本身必须幂等：先查 COMPENSATE 流水是否已存在，
// 对账任务和在线路径同时触发也只会退一次
func (s *ConversionService) CompensateConversion(ctx context.Context, record *model.ConversionRecord) error {
	existingFlow, err := s.flowRepo.GetByRequestIDAndType(ctx, record.RequestID, model.FlowTypeCompensate)
	if err != nil {
		return fmt.Errorf("查询补偿流水失败: %w", err)
	}
	if existingFlow != nil {
		return nil
	}

	account, err := s.accountRepo.GetByAddress(ctx, record.Address)
	if err != nil {
		return fmt.Errorf("查询账户失败: %w", err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.conversionRepo.UpdateStatus(ctx, tx, record.RequestID,
			model.ConversionStatusPending, model.ConversionStatusCompensated); err != nil {
			return err
		}

		if err := s.accountRepo.Credit(ctx, tx, record.Address, record.BurnedAmount); err != nil {
			return fmt.Errorf("补偿入账失败: %w", err)
		}

		flow := &model.LedgerFlow{
			FlowNo:        idgen.GenerateFlowNo(),
			Address:       record.Address,
			RequestID:     record.RequestID,
			Amount:        record.BurnedAmount,
			Type:          model.FlowTypeCompensate,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance + record.BurnedAmount,
			Remark:        fmt.Sprintf("铸币失败补偿-%s", record.ConvertNo),
		}
		if err := s.flowRepo.Create(ctx, tx, flow); err != nil {
			return fmt.Errorf("记录补偿流水失败: %w", err)
		}

		record.Status = model.ConversionStatusCompensated
		return s.writeConvertOutbox(ctx, tx, record)
	})
}

// replay 幂等重放
func (s *ConversionService) replay(record *model.ConversionRecord) *ConvertResponse {
	resp := &ConvertResponse{
		ConvertNo:    record.ConvertNo,
		RequestID:    record.RequestID,
		Status:       record.Status,
		BurnedAmount: record.BurnedAmount,
		MintedAmount: record.MintedAmount,
		TxHash:       record.TxHash,
	}

	switch record.Status {
	case model.ConversionStatusConfirmed:
		resp.Result = ConvertResultConfirmed
		resp.Message = "已兑换，请勿重复操作"
	case model.ConversionStatusCompensated:
		resp.Result = ConvertResultAborted
		resp.MintedAmount = 0
		resp.Message = "兑换已失败，积分已退回"
	default:
		resp.Result = ConvertResultAmbiguous
		resp.Message = "链上结果未知，请稍后查询"
	}

	return resp
}

func (s *ConversionService) writeConvertOutbox(ctx context.Context, tx *gorm.DB, record *model.ConversionRecord) error {
	msgPayload := map[string]interface{}{
		"convert_no":    record.ConvertNo,
		"request_id":    record.RequestID,
		"address":       record.Address,
		"burned_amount": record.BurnedAmount,
		"minted_amount": record.MintedAmount,
		"status":        record.Status,
		"tx_hash":       record.TxHash,
		"converted_at":  time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: record.ConvertNo,
		Topic:      s.cfg.Kafka.Topic.ConvertResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, outboxMsg)
}

// QueryByRequestID 按幂等ID查询兑换进度
func (s *ConversionService) QueryByRequestID(ctx context.Context, requestID string) (*ConvertResponse, error) {
	record, err := s.conversionRepo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, repository.ErrConversionNotFound
	}
	return s.replay(record), nil
}
