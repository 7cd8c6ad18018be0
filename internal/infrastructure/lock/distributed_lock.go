package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：用户对同一首曲目连点两次"解锁"（或网络抖动导致重复提交）
//
// 如果没有分布式锁：
//   goroutine1: 查无结算记录 -> 扣积分 -> 写记录
//   goroutine2: 查无结算记录 -> 再扣一次积分 -> 同一笔购买付了两次！
//
// 更糟的是链路径：两个 goroutine 可能各自向链上提交一笔转账，
// 链上转账无法撤销，重复提交就是真金白银的损失
//
// 加锁之后：
//   goroutine1: 获取锁 -> 查无记录 -> 扣积分/提交链上 -> 写记录 -> 释放锁
//   goroutine2: 等锁 -> 获取锁 -> 查到记录 -> 幂等返回，不再扣款
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"原子执行
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// Locker 锁抽象
// 结算/兑换服务只依赖这个接口，生产环境注入 Redis 实现
type Locker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Factory 按 key 创建锁
// key 是锁粒度（请求维度），value 是持有者标识
type Factory func(key, value string) Locker

// DistributedLock 基于 Redis 的分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
//
// 【关键点】SetNX 只有当 key 不存在时才能设置成功，
// 保证同一时刻只有一个客户端持有锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 为什么要校验 value？
//
//	场景：A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕调用 Unlock
//	不校验的话 A 会把 B 的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷工厂：按请求维度的结算锁 / 兑换锁
// ============================================================================
//
// 【设计思考】为什么按 request_id 加锁，而不是按用户？
//
// 结算的互斥要求来自幂等：同一个 request_id 不允许并发推进状态机。
// 不同 request_id 之间（哪怕同一用户）靠账户表的原子扣减保护，
// 没必要串行化 —— 锁粒度越细并发度越高。

// NewSettleLockFactory 结算锁工厂
func NewSettleLockFactory(client *redis.Client) Factory {
	return func(requestID, holder string) Locker {
		key := fmt.Sprintf("settle:lock:request:%s", requestID)
		return NewDistributedLock(client, key, holder, 30*time.Second)
	}
}

// NewConvertLockFactory 兑换锁工厂
func NewConvertLockFactory(client *redis.Client) Factory {
	return func(requestID, holder string) Locker {
		key := fmt.Sprintf("convert:lock:request:%s", requestID)
		return NewDistributedLock(client, key, holder, 30*time.Second)
	}
}
