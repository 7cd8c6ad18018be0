package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeSettlementNotFound  = 1001 // 结算记录不存在
	CodeBalanceNotEnough    = 1002 // 积分余额不足（仅兑换路径会对外暴露）
	CodeDuplicateRequest    = 1003 // 重复请求（幂等重放，不算错误）
	CodeAccountNotFound     = 1004 // 账户不存在
	CodeChainRejected       = 1005 // 链上交易被拒绝
	CodeChainAmbiguous      = 1006 // 链上结果未知，请稍后按 request_id 查询
	CodeResourceNotFound    = 1007 // 资源不存在
	CodeConversionNotFound  = 1008 // 兑换记录不存在
	CodeReviewQueueFull     = 1009 // 人工复核队列已满
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
