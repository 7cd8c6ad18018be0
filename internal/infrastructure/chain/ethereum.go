package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"unlockpay/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// 代币合约 ABI（固定不变，只包含结算用到的四个方法）
const tokenABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"mint","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// EthBridge 基于以太坊兼容链的链桥实现
type EthBridge struct {
	client     *ethclient.Client
	tokenAddr  common.Address
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	gasLimit   uint64
	parsedABI  abi.ABI

	// 串行化提交，避免并发请求拿到相同 nonce
	mu sync.Mutex
}

// InitEthBridge 初始化链桥
func InitEthBridge(cfg *config.ChainConfig) *EthBridge {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		log.Fatalf("连接链节点失败: %v", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		log.Fatalf("解析签名私钥失败: %v", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		log.Fatalf("解析代币合约 ABI 失败: %v", err)
	}

	bridge := &EthBridge{
		client:     client,
		tokenAddr:  common.HexToAddress(cfg.TokenAddress),
		privateKey: privateKey,
		from:       crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		gasLimit:   cfg.GasLimit,
		parsedABI:  parsedABI,
	}

	log.Printf("链桥初始化成功: token=%s, from=%s", cfg.TokenAddress, bridge.from.Hex())
	return bridge
}

func (b *EthBridge) Transfer(ctx context.Context, to string, amount int64) (string, error) {
	return b.submit(ctx, "transfer", common.HexToAddress(to), big.NewInt(amount))
}

func (b *EthBridge) Mint(ctx context.Context, to string, amount int64) (string, error) {
	return b.submit(ctx, "mint", common.HexToAddress(to), big.NewInt(amount))
}

func (b *EthBridge) Approve(ctx context.Context, spender string, amount int64) (string, error) {
	return b.submit(ctx, "approve", common.HexToAddress(spender), big.NewInt(amount))
}

// submit 打包、签名并发送一笔合约调用
//
// 【关键点】这里任何一步失败都视为"提交被拒绝"，是终态 ——
// 交易没有进入内存池，不存在"可能落块"的歧义，调用方不应重试同一 request_id
func (b *EthBridge) submit(ctx context.Context, method string, target common.Address, amount *big.Int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.parsedABI.Pack(method, target, amount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return "", fmt.Errorf("%w: 获取 nonce 失败: %v", ErrSubmitRejected, err)
	}

	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: 获取 gas 价格失败: %v", ErrSubmitRejected, err)
	}

	tx := types.NewTransaction(nonce, b.tokenAddr, big.NewInt(0), b.gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: 签名失败: %v", ErrSubmitRejected, err)
	}

	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
	}

	txHash := signedTx.Hash().Hex()
	log.Printf("链上交易已提交: method=%s, txHash=%s, nonce=%d", method, txHash, nonce)
	return txHash, nil
}

// Await 轮询回执直到超时
// 超时不是错误：交易之后仍可能落块，由对账任务根据 txHash 补查
func (b *EthBridge) Await(ctx context.Context, txHash string, timeout time.Duration) (AwaitResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		result, err := b.PollReceipt(ctx, txHash)
		if err != nil {
			return "", err
		}
		if result != AwaitNotFound {
			return result, nil
		}

		if time.Now().After(deadline) {
			return AwaitTimeout, nil
		}

		select {
		case <-ctx.Done():
			return AwaitTimeout, nil
		case <-ticker.C:
		}
	}
}

// PollReceipt 单次查询回执
func (b *EthBridge) PollReceipt(ctx context.Context, txHash string) (AwaitResult, error) {
	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return AwaitNotFound, nil
		}
		return "", err
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return AwaitConfirmed, nil
	}
	return AwaitReverted, nil
}

// BalanceOf 查询链上代币余额
func (b *EthBridge) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	data, err := b.parsedABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.tokenAddr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, err
	}

	values, err := b.parsedABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, err
	}

	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回值类型异常")
	}
	return balance, nil
}
