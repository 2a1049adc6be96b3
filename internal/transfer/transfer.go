// Package transfer 封装对外部代币转账原语的编排：创建协议时把资金拉入
// 托管账户，提取或取消时再推出去。所有底层失败都以 TRANSFER_FAILED
// 统一上抛，调用方必须在任何状态落库之前完成资金移动。
package transfer

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "StreamVest-Chain/internal/errors"
	"StreamVest-Chain/pkg/logger"
)

// Backend 抽象了单一资产合约上的转账原语。
type Backend interface {
	// BalanceOf 查询账户余额。
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	// TransferFrom 在事先授权的额度内，把 from 的资金划转给 to。
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	// Transfer 从托管账户向 to 划转资金。
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// Coordinator 以托管账户身份驱动 Backend。
type Coordinator struct {
	backend Backend
	custody common.Address
	logger  *slog.Logger
}

// NewCoordinator 构造 Coordinator。custody 为系统的资金托管地址。
func NewCoordinator(backend Backend, custody common.Address) *Coordinator {
	return &Coordinator{
		backend: backend,
		custody: custody,
		logger:  logger.Named("transfer"),
	}
}

// Custody 返回托管地址。
func (c *Coordinator) Custody() common.Address {
	return c.custody
}

// Pull 把 from 预授权的 amount 拉入托管账户。
func (c *Coordinator) Pull(ctx context.Context, token, from common.Address, amount *big.Int) error {
	if c == nil || c.backend == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "transfer backend 未初始化")
	}
	if err := c.backend.TransferFrom(ctx, token, from, c.custody, amount); err != nil {
		c.logger.Warn("拉取资金失败",
			slog.String("token", token.Hex()),
			slog.String("from", from.Hex()),
			slog.String("amount", amount.String()),
			slog.Any("error", err),
		)
		return xerrors.Wrap(xerrors.CodeTransferFailed, err, "拉取资金到托管账户失败")
	}
	return nil
}

// Push 把托管账户中的 amount 推送给 to。
func (c *Coordinator) Push(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if c == nil || c.backend == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "transfer backend 未初始化")
	}
	if err := c.backend.Transfer(ctx, token, to, amount); err != nil {
		c.logger.Warn("推送资金失败",
			slog.String("token", token.Hex()),
			slog.String("to", to.Hex()),
			slog.String("amount", amount.String()),
			slog.Any("error", err),
		)
		return xerrors.Wrap(xerrors.CodeTransferFailed, err, "从托管账户推送资金失败")
	}
	return nil
}

// Balance 查询指定账户在某资产上的余额。
func (c *Coordinator) Balance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "transfer backend 未初始化")
	}
	return c.backend.BalanceOf(ctx, token, account)
}
