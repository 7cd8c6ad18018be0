package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ============================================================================
// 链桥抽象
// ============================================================================
//
// 代币合约已部署且不可升级，接口固定：
//   transfer(to, amount) / mint(to, amount) / approve(spender, amount) / balanceOf(addr)
//
// 链桥只负责提交和查询，不做自动重试 —— 重试策略属于结算引擎：
// 提交被节点拒绝是终态，不能重发；回执超时是歧义态，交给对账任务解决。
// ============================================================================

var (
	ErrSubmitRejected = errors.New("链上交易提交被拒绝")
	ErrTxNotFound     = errors.New("链上交易不存在")
)

// AwaitResult 回执等待结果
type AwaitResult string

const (
	AwaitConfirmed AwaitResult = "CONFIRMED" // 已打包且执行成功
	AwaitReverted  AwaitResult = "REVERTED"  // 已打包但执行回滚
	AwaitTimeout   AwaitResult = "TIMEOUT"   // 等待超时，交易可能仍会落块
	AwaitNotFound  AwaitResult = "NOT_FOUND" // 单次查询未找到回执
)

// Bridge 链桥接口
// 结算/兑换服务和对账任务都只依赖这个接口，便于替换节点实现和测试
type Bridge interface {
	// Transfer 提交一笔代币转账，返回交易哈希
	Transfer(ctx context.Context, to string, amount int64) (string, error)
	// Mint 提交一笔铸币，返回交易哈希
	Mint(ctx context.Context, to string, amount int64) (string, error)
	// Approve 提交一笔授权
	Approve(ctx context.Context, spender string, amount int64) (string, error)
	// Await 阻塞等待回执，最多等 timeout；超时返回 AwaitTimeout 而不是错误
	Await(ctx context.Context, txHash string, timeout time.Duration) (AwaitResult, error)
	// PollReceipt 单次查询回执，对账任务专用
	PollReceipt(ctx context.Context, txHash string) (AwaitResult, error)
	// BalanceOf 查询链上代币余额，永远不走本地缓存
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
}
