package handler

import (
	"unlockpay/internal/config"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, bridge chain.Bridge, reviewQueue *queue.Bounded) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, bridge, reviewQueue)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/reward", h.Reward)
			account.GET("/flows", h.ListFlows)
		}

		// 结算相关
		settle := api.Group("/settle")
		{
			settle.POST("/execute", h.Settle)
			settle.GET("/status", h.GetSettleStatus)
			settle.GET("/list", h.ListSettlements)
		}

		// 兑换相关
		convert := api.Group("/convert")
		{
			convert.POST("/execute", h.Convert)
			convert.GET("/status", h.GetConvertStatus)
		}

		// 授权相关
		entitlement := api.Group("/entitlement")
		{
			entitlement.GET("/check", h.CheckEntitlement)
			entitlement.GET("/list", h.ListEntitlements)
		}

		// 资源维护
		resource := api.Group("/resource")
		{
			resource.POST("/upsert", h.UpsertResource)
			resource.GET("/detail", h.GetResource)
		}

		// 运维相关
		ops := api.Group("/ops")
		{
			ops.GET("/review-queue", h.ListReviewQueue)
			ops.POST("/review-queue/ack", h.AckReview)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
