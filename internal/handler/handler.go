package handler

import (
	"errors"
	"strconv"

	"unlockpay/internal/config"
	"unlockpay/internal/infrastructure/chain"
	"unlockpay/internal/infrastructure/lock"
	"unlockpay/internal/model"
	"unlockpay/internal/repository"
	"unlockpay/internal/service"
	"unlockpay/pkg/queue"
	"unlockpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService     *service.AccountService
	settlementService  *service.SettlementService
	conversionService  *service.ConversionService
	entitlementService *service.EntitlementService
	reviewQueue        *queue.Bounded
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, bridge chain.Bridge, reviewQueue *queue.Bounded) *Handler {
	return &Handler{
		accountService:     service.NewAccountService(db, bridge),
		settlementService:  service.NewSettlementService(db, cfg, bridge, lock.NewSettleLockFactory(rdb)),
		conversionService:  service.NewConversionService(db, cfg, bridge, lock.NewConvertLockFactory(rdb)),
		entitlementService: service.NewEntitlementService(db),
		reviewQueue:        reviewQueue,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询余额（积分 + 链上代币）
// GET /api/v1/account/balance?address=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		response.ParamError(c, "address 参数不能为空")
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), address)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	// 链上余额实时查询，查不到不阻塞积分余额返回
	chainBalance := "0"
	if balance, err := h.accountService.GetChainBalance(c.Request.Context(), address); err == nil {
		chainBalance = balance.String()
	}

	response.Success(c, gin.H{
		"address":       account.Address,
		"balance":       account.Balance,
		"chain_balance": chainBalance,
	})
}

// RewardRequest 奖励入账请求
type RewardRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Remark    string `json:"remark"`
}

// Reward 积分奖励入账
// POST /api/v1/account/reward
func (h *Handler) Reward(c *gin.Context) {
	var req RewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.accountService.Reward(c.Request.Context(), req.Address, req.Amount, req.RequestID, req.Remark); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"message": "奖励已入账",
	})
}

// ListFlows 查询积分流水
// GET /api/v1/account/flows?address=xxx&page=1&page_size=10
func (h *Handler) ListFlows(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		response.ParamError(c, "address 参数不能为空")
		return
	}

	page, pageSize := pageParams(c)

	flows, total, err := h.accountService.ListFlows(c.Request.Context(), address, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      flows,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 结算相关接口
// ============================================================

// Settle 执行解锁结算
// POST /api/v1/settle/execute
//
// 【关键点】结算是整个系统最核心的操作，需要保证：
// 1. 幂等性：相同的 request_id 只会支付一次
// 2. 降级：积分不足自动降级链上代币，调用方感知不到中间态
// 3. 可恢复：链上路径任何一步崩溃都能靠 PENDING 记录补到终态
func (h *Handler) Settle(c *gin.Context) {
	var req service.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.settlementService.Settle(c.Request.Context(), &req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// GetSettleStatus 按幂等ID查询结算进度
// GET /api/v1/settle/status?request_id=xxx
// AMBIGUOUS 的调用方靠这个接口轮询最终结果
func (h *Handler) GetSettleStatus(c *gin.Context) {
	requestID := c.Query("request_id")
	if requestID == "" {
		response.ParamError(c, "request_id 参数不能为空")
		return
	}

	result, err := h.settlementService.QueryByRequestID(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrSettlementNotFound) {
			response.BusinessError(c, response.CodeSettlementNotFound, "结算记录不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ListSettlements 查询账户结算记录
// GET /api/v1/settle/list?address=xxx&page=1&page_size=10
func (h *Handler) ListSettlements(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		response.ParamError(c, "address 参数不能为空")
		return
	}

	page, pageSize := pageParams(c)

	records, total, err := h.settlementService.ListByAddress(c.Request.Context(), address, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 兑换相关接口
// ============================================================

// Convert 积分兑换代币
// POST /api/v1/convert/execute
func (h *Handler) Convert(c *gin.Context) {
	var req service.ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.conversionService.Convert(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			response.BusinessError(c, response.CodeBalanceNotEnough, "积分余额不足")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// GetConvertStatus 按幂等ID查询兑换进度
// GET /api/v1/convert/status?request_id=xxx
func (h *Handler) GetConvertStatus(c *gin.Context) {
	requestID := c.Query("request_id")
	if requestID == "" {
		response.ParamError(c, "request_id 参数不能为空")
		return
	}

	result, err := h.conversionService.QueryByRequestID(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrConversionNotFound) {
			response.BusinessError(c, response.CodeConversionNotFound, "兑换记录不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================
// 授权相关接口
// ============================================================

// CheckEntitlement 判断授权是否有效
// GET /api/v1/entitlement/check?address=xxx&resource_id=xxx
func (h *Handler) CheckEntitlement(c *gin.Context) {
	address := c.Query("address")
	resourceID := c.Query("resource_id")
	if address == "" || resourceID == "" {
		response.ParamError(c, "address / resource_id 参数不能为空")
		return
	}

	effective, err := h.entitlementService.IsEffective(c.Request.Context(), address, resourceID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	var expiresAt interface{}
	if grant, err := h.entitlementService.GetGrant(c.Request.Context(), address, resourceID); err == nil && grant != nil {
		expiresAt = grant.ExpiresAt
	}

	response.Success(c, gin.H{
		"effective":  effective,
		"expires_at": expiresAt,
	})
}

// ListEntitlements 查询账户当前有效授权
// GET /api/v1/entitlement/list?address=xxx
// UI 的"已解锁列表"从这里重新推导，不要信任本地缓存
func (h *Handler) ListEntitlements(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		response.ParamError(c, "address 参数不能为空")
		return
	}

	grants, err := h.entitlementService.ListEffective(c.Request.Context(), address)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list": grants,
	})
}

// UpsertResourceRequest 资源维护请求
type UpsertResourceRequest struct {
	ResourceID   string `json:"resource_id" binding:"required"`
	Title        string `json:"title"`
	PayeeAddress string `json:"payee_address"`
}

// UpsertResource 维护资源及收款地址（管理侧）
// POST /api/v1/resource/upsert
func (h *Handler) UpsertResource(c *gin.Context) {
	var req UpsertResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resource := &model.Resource{
		ResourceID:   req.ResourceID,
		Title:        req.Title,
		PayeeAddress: req.PayeeAddress,
	}
	if err := h.entitlementService.UpsertResource(c.Request.Context(), resource); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"message": "资源已保存",
	})
}

// GetResource 查询资源详情
// GET /api/v1/resource/detail?resource_id=xxx
func (h *Handler) GetResource(c *gin.Context) {
	resourceID := c.Query("resource_id")
	if resourceID == "" {
		response.ParamError(c, "resource_id 参数不能为空")
		return
	}

	resource, err := h.entitlementService.GetResource(c.Request.Context(), resourceID)
	if err != nil {
		if errors.Is(err, repository.ErrResourceNotFound) {
			response.BusinessError(c, response.CodeResourceNotFound, "资源不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, resource)
}

// ============================================================
// 运维相关接口
// ============================================================

// ListReviewQueue 查看人工复核队列
// GET /api/v1/ops/review-queue
func (h *Handler) ListReviewQueue(c *gin.Context) {
	response.Success(c, gin.H{
		"list": h.reviewQueue.Snapshot(),
		"len":  h.reviewQueue.Len(),
	})
}

// AckReview 运维处理完毕，移出复核队列
// POST /api/v1/ops/review-queue/ack
func (h *Handler) AckReview(c *gin.Context) {
	var req struct {
		RequestID string `json:"request_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	removed := h.reviewQueue.Remove(req.RequestID)
	response.Success(c, gin.H{
		"removed": removed,
	})
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}
