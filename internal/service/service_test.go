package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"unlockpay/internal/config"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/infrastructure/lock"
	"unlockpay/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeBridge 可编排结果的链桥，记录每次提交的参数
type fakeBridge struct {
	transferHash  string
	transferErr   error
	mintHash      string
	mintErr       error
	awaitResult   chain.AwaitResult
	awaitErr      error
	pollResult    chain.AwaitResult
	pollErr       error
	chainBalance  int64
	transferCalls int
	mintCalls     int
	lastTo        string
}

func (f *fakeBridge) Transfer(ctx context.Context, to string, amount int64) (string, error) {
	f.transferCalls++
	f.lastTo = to
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return f.transferHash, nil
}

func (f *fakeBridge) Mint(ctx context.Context, to string, amount int64) (string, error) {
	f.mintCalls++
	f.lastTo = to
	if f.mintErr != nil {
		return "", f.mintErr
	}
	return f.mintHash, nil
}

func (f *fakeBridge) Approve(ctx context.Context, spender string, amount int64) (string, error) {
	return "0xapprove", nil
}

func (f *fakeBridge) Await(ctx context.Context, txHash string, timeout time.Duration) (chain.AwaitResult, error) {
	if f.awaitErr != nil {
		return "", f.awaitErr
	}
	return f.awaitResult, nil
}

func (f *fakeBridge) PollReceipt(ctx context.Context, txHash string) (chain.AwaitResult, error) {
	if f.pollErr != nil {
		return "", f.pollErr
	}
	return f.pollResult, nil
}

func (f *fakeBridge) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(f.chainBalance), nil
}

// noopLock 单进程测试不需要真锁
type noopLock struct{}

func (noopLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	return nil
}

func (noopLock) Unlock(ctx context.Context) error {
	return nil
}

func noopLockFactory(key, value string) lock.Locker {
	return noopLock{}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.Account{},
		&model.SettlementRecord{},
		&model.ConversionRecord{},
		&model.EntitlementGrant{},
		&model.LedgerFlow{},
		&model.Resource{},
		&model.OutboxMessage{},
	))
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				SettleResult:  "unlockpay.settle.result",
				ConvertResult: "unlockpay.convert.result",
				OpsAlert:      "unlockpay.ops.alert",
			},
		},
		Chain: config.ChainConfig{
			TreasuryAddress:       "0xtreasury",
			ConfirmTimeoutSeconds: 1,
		},
		Business: config.BusinessConfig{
			PointsPerToken:      100,
			ReconcileMaxRetries: 3,
			ReviewQueueCapacity: 10,
		},
	}
}

func setBalance(t *testing.T, db *gorm.DB, address string, balance int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.Account{Address: address, Balance: balance}).Error)
}
