package service

import (
	"context"
	"errors"
	"testing"

	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/model"
	"unlockpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertSuccess(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{mintHash: "0xmint", awaitResult: chain.AwaitConfirmed}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 200)

	resp, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, ConvertResultConfirmed, resp.Result)
	assert.Equal(t, int64(200), resp.BurnedAmount)
	assert.Equal(t, int64(2), resp.MintedAmount) // 100 积分换 1 代币
	assert.Equal(t, "0xmint", resp.TxHash)
	assert.Equal(t, "0xalice", bridge.lastTo)

	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(0), account.Balance)

	var flow model.LedgerFlow
	require.NoError(t, db.Where("request_id = ?", "req-1").First(&flow).Error)
	assert.Equal(t, model.FlowTypeBurn, flow.Type)
	assert.Equal(t, int64(-200), flow.Amount)
}

func TestConvertRateValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewConversionService(db, newTestConfig(), &fakeBridge{}, noopLockFactory)
	ctx := context.Background()

	// 不是兑换比例的整数倍
	_, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 150,
	})
	assert.Error(t, err)
}

func TestConvertInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 50)

	// 兑换没有降级路径，余额不足直接拒绝
	_, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 100,
	})
	assert.True(t, errors.Is(err, repository.ErrBalanceNotEnough))
	assert.Equal(t, 0, bridge.mintCalls)
}

func TestConvertMintRejectedCompensated(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{mintErr: chain.ErrSubmitRejected}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 100)

	resp, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 100,
	})
	require.NoError(t, err)

	// 积分已烧掉又铸币失败：必须原路退回
	assert.Equal(t, ConvertResultAborted, resp.Result)
	assert.Equal(t, model.ConversionStatusCompensated, resp.Status)
	assert.Equal(t, int64(0), resp.MintedAmount)

	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(100), account.Balance)

	// BURN 和 COMPENSATE 两条流水对得上
	var flows []model.LedgerFlow
	require.NoError(t, db.Where("request_id = ?", "req-1").Order("id ASC").Find(&flows).Error)
	require.Len(t, flows, 2)
	assert.Equal(t, model.FlowTypeBurn, flows[0].Type)
	assert.Equal(t, model.FlowTypeCompensate, flows[1].Type)
	assert.Equal(t, int64(100), flows[1].Amount)
}

func TestConvertCompensationIdempotent(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{mintErr: chain.ErrSubmitRejected}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 100)

	_, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 100,
	})
	require.NoError(t, err)

	record, err := repository.NewConversionRepository(db).GetByRequestID(ctx, "req-1")
	require.NoError(t, err)

	// 对账任务和在线路径同时触发补偿也只退一次
	require.NoError(t, svc.CompensateConversion(ctx, record))

	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(100), account.Balance)

	var count int64
	db.Model(&model.LedgerFlow{}).
		Where("request_id = ? AND type = ?", "req-1", model.FlowTypeCompensate).
		Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestConvertRevertedCompensated(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{mintHash: "0xmint", awaitResult: chain.AwaitReverted}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 100)

	resp, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, ConvertResultAborted, resp.Result)
	assert.Equal(t, model.ConversionStatusCompensated, resp.Status)

	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(100), account.Balance)
}

func TestConvertAmbiguousThenConfirmed(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{mintHash: "0xmint", awaitResult: chain.AwaitTimeout}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 100)

	resp, err := svc.Convert(ctx, &ConvertRequest{
		RequestID: "req-1", Address: "0xalice", Amount: 100,
	})
	require.NoError(t, err)

	// 超时保持 PENDING，积分不动（既不确认也不补偿）
	assert.Equal(t, ConvertResultAmbiguous, resp.Result)

	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(0), account.Balance)

	conversionRepo := repository.NewConversionRepository(db)
	record, err := conversionRepo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversionStatusPending, record.Status)
	assert.Equal(t, "0xmint", record.TxHash)

	// 对账补确认之后查询返回成功
	require.NoError(t, svc.ConfirmConversion(ctx, record))

	query, err := svc.QueryByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, ConvertResultConfirmed, query.Result)
}

func TestConvertIdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	bridge := &fakeBridge{mintHash: "0xmint", awaitResult: chain.AwaitConfirmed}
	svc := NewConversionService(db, newTestConfig(), bridge, noopLockFactory)
	ctx := context.Background()

	setBalance(t, db, "0xalice", 200)

	req := &ConvertRequest{RequestID: "req-1", Address: "0xalice", Amount: 100}

	first, err := svc.Convert(ctx, req)
	require.NoError(t, err)

	second, err := svc.Convert(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ConvertNo, second.ConvertNo)
	assert.Equal(t, ConvertResultConfirmed, second.Result)

	// 只烧了一次
	assert.Equal(t, 1, bridge.mintCalls)

	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(100), account.Balance)
}
