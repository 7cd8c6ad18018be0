package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/model"
	"unlockpay/internal/repository"
	"unlockpay/pkg/idgen"

	"gorm.io/gorm"
)

type AccountService struct {
	db          *gorm.DB
	bridge      chain.Bridge
	accountRepo *repository.AccountRepository
	flowRepo    *repository.FlowRepository
}

func NewAccountService(db *gorm.DB, bridge chain.Bridge) *AccountService {
	return &AccountService{
		db:          db,
		bridge:      bridge,
		accountRepo: repository.NewAccountRepository(db),
		flowRepo:    repository.NewFlowRepository(db),
	}
}

func (s *AccountService) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	return s.accountRepo.GetOrCreate(ctx, address)
}

// GetChainBalance 查询链上代币余额
// 永远实时查 balanceOf，链上余额在本系统没有任何缓存
func (s *AccountService) GetChainBalance(ctx context.Context, address string) (*big.Int, error) {
	return s.bridge.BalanceOf(ctx, address)
}

// Reward 积分奖励入账
func (s *AccountService) Reward(ctx context.Context, address string, amount int64, requestID, remark string) error {
	if amount <= 0 {
		return errors.New("奖励积分必须大于0")
	}

	account, err := s.accountRepo.GetOrCreate(ctx, address)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Credit(ctx, tx, address, amount); err != nil {
			return err
		}

		flow := &model.LedgerFlow{
			FlowNo:        idgen.GenerateFlowNo(),
			Address:       address,
			RequestID:     requestID,
			Amount:        amount,
			Type:          model.FlowTypeReward,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance + amount,
			Remark:        fmt.Sprintf("奖励-%s", remark),
		}
		return s.flowRepo.Create(ctx, tx, flow)
	})
}

// ListFlows 查询积分流水
func (s *AccountService) ListFlows(ctx context.Context, address string, page, pageSize int) ([]*model.LedgerFlow, int64, error) {
	return s.flowRepo.ListByAddress(ctx, address, page, pageSize)
}
