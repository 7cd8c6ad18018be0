package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unlockpay/internal/config"
	"unlockpay/internal/handler"
	"unlockpay/internal/infrastructure/cache"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/infrastructure/database"
	"unlockpay/internal/infrastructure/lock"
	"unlockpay/internal/infrastructure/mq"
	"unlockpay/internal/job"
	"unlockpay/internal/service"
	"unlockpay/pkg/idgen"
	"unlockpay/pkg/queue"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 初始化链桥
	bridge := chain.InitEthBridge(&cfg.Chain)

	// 人工复核队列（对账任务写入，运维接口消费）
	reviewQueue := queue.NewBounded(cfg.Business.ReviewQueueCapacity)

	// 对账任务复用服务层的确认/补偿逻辑，避免两处维护状态机
	settleService := service.NewSettlementService(db, cfg, bridge, lock.NewSettleLockFactory(redisClient))
	convertService := service.NewConversionService(db, cfg, bridge, lock.NewConvertLockFactory(redisClient))

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	settleReconcileJob := job.NewSettleReconcileJob(db, cfg, bridge, settleService, reviewQueue)
	go settleReconcileJob.Start(ctx)

	convertReconcileJob := job.NewConvertReconcileJob(db, cfg, bridge, convertService, reviewQueue)
	go convertReconcileJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, cfg, bridge, reviewQueue)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
