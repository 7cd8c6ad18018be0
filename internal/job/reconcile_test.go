package job

import (
	"context"
	"math/big"
	"testing"
	"time"

	"unlockpay/internal/config"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/infrastructure/lock"
	"unlockpay/internal/model"
	"unlockpay/internal/repository"
	"unlockpay/internal/service"
	"unlockpay/pkg/queue"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeBridge struct {
	pollResult chain.AwaitResult
	pollErr    error
}

func (f *fakeBridge) Transfer(ctx context.Context, to string, amount int64) (string, error) {
	return "0xtransfer", nil
}

func (f *fakeBridge) Mint(ctx context.Context, to string, amount int64) (string, error) {
	return "0xmint", nil
}

func (f *fakeBridge) Approve(ctx context.Context, spender string, amount int64) (string, error) {
	return "0xapprove", nil
}

func (f *fakeBridge) Await(ctx context.Context, txHash string, timeout time.Duration) (chain.AwaitResult, error) {
	return f.pollResult, f.pollErr
}

func (f *fakeBridge) PollReceipt(ctx context.Context, txHash string) (chain.AwaitResult, error) {
	if f.pollErr != nil {
		return "", f.pollErr
	}
	return f.pollResult, nil
}

func (f *fakeBridge) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

type noopLock struct{}

func (noopLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	return nil
}

func (noopLock) Unlock(ctx context.Context) error { return nil }

func noopLockFactory(key, value string) lock.Locker { return noopLock{} }

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
			PointsPerToken:          100,
			ReconcileIntervalSecond: 1,
			ReconcileGraceSecond:    60,
			ReconcileMaxRetries:     3,
			ReviewQueueCapacity:     10,
		},
	}
}

func seedPendingSettlement(t *testing.T, db *gorm.DB, requestID, txHash string) *model.SettlementRecord {
	t.Helper()
	record := &model.SettlementRecord{
		SettleNo:       "STL-" + requestID,
		RequestID:      requestID,
		Address:        "0xalice",
		ResourceID:     "track-1",
		Amount:         10,
		DurationMonths: 1,
		Method:         model.SettlementMethodChain,
		Status:         model.SettlementStatusPending,
		TxHash:         txHash,
	}
	require.NoError(t, db.Create(record).Error)
	return record
}

func TestReconcileConfirmsWithReceipt(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	bridge := &fakeBridge{pollResult: chain.AwaitConfirmed}
	svc := service.NewSettlementService(db, cfg, bridge, noopLockFactory)
	reviewQueue := queue.NewBounded(10)
	j := NewSettleReconcileJob(db, cfg, bridge, svc, reviewQueue)
	ctx := context.Background()

	record := seedPendingSettlement(t, db, "req-1", "0xabc")
	j.reconcile(ctx, record)

	got, err := repository.NewSettlementRepository(db).GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusConfirmed, got.Status)

	// 补确认同时补发授权
	effective, err := repository.NewEntitlementRepository(db).IsEffective(ctx, "0xalice", "track-1")
	require.NoError(t, err)
	assert.True(t, effective)
	assert.Equal(t, 0, reviewQueue.Len())
}

func TestReconcileRevertedFails(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	bridge := &fakeBridge{pollResult: chain.AwaitReverted}
	svc := service.NewSettlementService(db, cfg, bridge, noopLockFactory)
	j := NewSettleReconcileJob(db, cfg, bridge, svc, queue.NewBounded(10))
	ctx := context.Background()

	record := seedPendingSettlement(t, db, "req-1", "0xabc")
	j.reconcile(ctx, record)

	got, err := repository.NewSettlementRepository(db).GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusFailed, got.Status)

	effective, err := repository.NewEntitlementRepository(db).IsEffective(ctx, "0xalice", "track-1")
	require.NoError(t, err)
	assert.False(t, effective)
}

func TestReconcileMissingTxHashEscalates(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	bridge := &fakeBridge{}
	svc := service.NewSettlementService(db, cfg, bridge, noopLockFactory)
	reviewQueue := queue.NewBounded(10)
	j := NewSettleReconcileJob(db, cfg, bridge, svc, reviewQueue)
	ctx := context.Background()

	// 提交与落哈希之间崩溃过的记录：没有哈希可查
	record := seedPendingSettlement(t, db, "req-1", "")
	j.reconcile(ctx, record)

	got, err := repository.NewSettlementRepository(db).GetByRequestID(ctx, "req-1")
	require.NoError(t, err)

	// 绝不自动判 FAILED：保持 PENDING，打复核标记转人工
	assert.Equal(t, model.SettlementStatusPending, got.Status)
	assert.True(t, got.ReviewRequired)
	assert.True(t, reviewQueue.Contains("req-1"))

	// 运维告警进发件箱
	var alertCount int64
	db.Model(&model.OutboxMessage{}).Where("topic = ?", cfg.Kafka.Topic.OpsAlert).Count(&alertCount)
	assert.Equal(t, int64(1), alertCount)
}

func TestReconcileRetryBudgetExhausted(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	bridge := &fakeBridge{pollResult: chain.AwaitNotFound}
	svc := service.NewSettlementService(db, cfg, bridge, noopLockFactory)
	reviewQueue := queue.NewBounded(10)
	j := NewSettleReconcileJob(db, cfg, bridge, svc, reviewQueue)
	ctx := context.Background()

	record := seedPendingSettlement(t, db, "req-1", "0xabc")

	settlementRepo := repository.NewSettlementRepository(db)

	// 预算内的轮询只累加次数
	j.reconcile(ctx, record)
	got, err := settlementRepo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.ReviewRequired)
	assert.False(t, reviewQueue.Contains("req-1"))

	j.reconcile(ctx, got)
	got, err = settlementRepo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	// 第三次耗尽预算：转人工，状态仍是 PENDING
	j.reconcile(ctx, got)
	got, err = settlementRepo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusPending, got.Status)
	assert.True(t, got.ReviewRequired)
	assert.True(t, reviewQueue.Contains("req-1"))

	// 转人工之后不再被扫描
	records, err := settlementRepo.GetPendingBefore(ctx, time.Now().Add(time.Minute), 50)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweepPicksStaleOnly(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	bridge := &fakeBridge{pollResult: chain.AwaitConfirmed}
	svc := service.NewSettlementService(db, cfg, bridge, noopLockFactory)
	j := NewSettleReconcileJob(db, cfg, bridge, svc, queue.NewBounded(10))
	ctx := context.Background()

	seedPendingSettlement(t, db, "req-stale", "0xabc")
	seedPendingSettlement(t, db, "req-fresh", "0xdef")

	// 只有超过宽限期的记录会被拨动
	past := time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.Model(&model.SettlementRecord{}).
		Where("request_id = ?", "req-stale").
		UpdateColumn("updated_at", past).Error)

	j.sweep(ctx)

	settlementRepo := repository.NewSettlementRepository(db)
	stale, err := settlementRepo.GetByRequestID(ctx, "req-stale")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusConfirmed, stale.Status)

	got, err := settlementRepo.GetByRequestID(ctx, "req-fresh")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusPending, got.Status)
}

func TestConvertReconcileRevertedCompensates(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	bridge := &fakeBridge{pollResult: chain.AwaitReverted}
	svc := service.NewConversionService(db, cfg, bridge, noopLockFactory)
	reviewQueue := queue.NewBounded(10)
	j := NewConvertReconcileJob(db, cfg, bridge, svc, reviewQueue)
	ctx := context.Background()

	// 烧完积分、铸币回滚后崩溃留下的现场
	require.NoError(t, db.Create(&model.Account{Address: "0xalice", Balance: 0}).Error)
	record := &model.ConversionRecord{
		ConvertNo:    "CVT001",
		RequestID:    "req-1",
		Address:      "0xalice",
		BurnedAmount: 100,
		MintedAmount: 1,
		Status:       model.ConversionStatusPending,
		TxHash:       "0xmint",
	}
	require.NoError(t, db.Create(record).Error)

	j.reconcile(ctx, record)

	// 积分被补偿退回
	var account model.Account
	require.NoError(t, db.Where("address = ?", "0xalice").First(&account).Error)
	assert.Equal(t, int64(100), account.Balance)

	got, err := repository.NewConversionRepository(db).GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversionStatusCompensated, got.Status)
}
