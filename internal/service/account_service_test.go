package service

import (
	"context"
	"testing"

	"unlockpay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReward(t *testing.T) {
	db := newTestDB(t)
	svc := NewAccountService(db, &fakeBridge{})
	ctx := context.Background()

	// 奖励会自动建户
	require.NoError(t, svc.Reward(ctx, "0xalice", 50, "reward-1", "每日签到"))

	account, err := svc.GetAccount(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)

	var flow model.LedgerFlow
	require.NoError(t, db.Where("request_id = ?", "reward-1").First(&flow).Error)
	assert.Equal(t, model.FlowTypeReward, flow.Type)
	assert.Equal(t, int64(50), flow.Amount)
	assert.Equal(t, int64(0), flow.BalanceBefore)
	assert.Equal(t, int64(50), flow.BalanceAfter)

	// 非正数奖励拒绝
	assert.Error(t, svc.Reward(ctx, "0xalice", 0, "reward-2", ""))
	assert.Error(t, svc.Reward(ctx, "0xalice", -1, "reward-3", ""))
}

func TestGetChainBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewAccountService(db, &fakeBridge{chainBalance: 42})

	balance, err := svc.GetChainBalance(context.Background(), "0xalice")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance.Int64())
}
