// Package erc20 基于 go-ethereum 实现 transfer.Backend，把代币操作
// 落到链上的 ERC-20 合约。
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI 仅包含本系统用到的三个方法。
const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Config 描述构建链上 Backend 所需的参数。
type Config struct {
	// RPCURL 为以太坊兼容节点的 RPC 地址。
	RPCURL string
	// PrivateKeyHex 为托管账户的私钥（hex，不带 0x 前缀）。
	PrivateKeyHex string
	// ChainID 用于 EIP-155 签名。
	ChainID int64
}

// Backend 通过托管账户签名交易，实现 transfer.Backend。
type Backend struct {
	eth     *ethclient.Client
	abi     abi.ABI
	opts    *bind.TransactOpts
	custody common.Address

	// 交易按序发送，避免 nonce 冲突。
	mu sync.Mutex
}

// NewBackend 连接节点并准备签名器。
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析托管账户私钥失败: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("构造交易签名器失败: %w", err)
	}

	return &Backend{
		eth:     eth,
		abi:     parsed,
		opts:    opts,
		custody: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Custody 返回托管账户地址。
func (b *Backend) Custody() common.Address {
	return b.custody
}

// Close 释放底层连接。
func (b *Backend) Close() {
	if b != nil && b.eth != nil {
		b.eth.Close()
	}
}

// BalanceOf 查询账户在指定代币合约上的余额。
func (b *Backend) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	contract := bind.NewBoundContract(token, b.abi, b.eth, b.eth, b.eth)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("balanceOf 返回值数量异常")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回值类型异常")
	}
	return balance, nil
}

// TransferFrom 消耗 from 对托管账户的授权，把资金划入 to。
func (b *Backend) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return b.transact(ctx, token, "transferFrom", from, to, amount)
}

// Transfer 从托管账户向 to 划转资金。
func (b *Backend) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return b.transact(ctx, token, "transfer", to, amount)
}

// transact 发送交易并等待回执。回执状态非成功即视为转账失败，
// 不信任合约的布尔返回值。
func (b *Backend) transact(ctx context.Context, token common.Address, method string, args ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	contract := bind.NewBoundContract(token, b.abi, b.eth, b.eth, b.eth)

	opts := *b.opts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return fmt.Errorf("发送 %s 交易失败: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, b.eth, tx)
	if err != nil {
		return fmt.Errorf("等待 %s 交易回执失败: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s 交易被回滚: tx=%s", method, tx.Hash().Hex())
	}
	return nil
}
