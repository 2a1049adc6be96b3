// Package agreement 实现线性释放协议的注册表与服务编排。
// 每条协议锁定一笔代币，在时间窗口内线性释放给接收方；
// 双方任意一方可以提前取消，已释放部分补付给接收方，剩余退还出资方。
package agreement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "StreamVest-Chain/internal/errors"
	"StreamVest-Chain/internal/vesting"
)

// Agreement 是系统中唯一的持久化实体。
// 除 Withdrawn、Active、Version、UpdatedAt 外的字段在创建后不可变。
type Agreement struct {
	ID          uint64         `json:"id"`
	Token       common.Address `json:"token"`
	Sender      common.Address `json:"sender"`
	Recipient   common.Address `json:"recipient"`
	TotalAmount *big.Int       `json:"total_amount"`
	Start       int64          `json:"start"`
	Duration    int64          `json:"duration"`
	Withdrawn   *big.Int       `json:"withdrawn"`
	Active      bool           `json:"active"`

	// Version 随每次状态变更递增，存储层以此做乐观并发控制。
	Version   uint64 `json:"version"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

var (
	// ErrNotFound 表示指定的协议不存在。
	ErrNotFound = xerrors.New(CodeAgreementNotFound, "agreement not found")
	// ErrInactive 表示协议已经终结（被取消或已全额释放）。
	ErrInactive = xerrors.New(CodeAgreementInactive, "agreement inactive")
	// ErrNothingToRelease 表示当前时刻没有可提取的资金。
	ErrNothingToRelease = xerrors.New(CodeNothingToRelease, "nothing to release")
	// ErrUnauthorized 表示调用方既不是出资方也不是接收方。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller is neither sender nor recipient")
)

const (
	CodeAgreementNotFound xerrors.Code = "AGREEMENT_NOT_FOUND"
	CodeAgreementInactive xerrors.Code = "AGREEMENT_INACTIVE"
	CodeNothingToRelease  xerrors.Code = "NOTHING_TO_RELEASE"
)

func init() {
	xerrors.Register(CodeAgreementNotFound, xerrors.Attributes{
		Message:   "agreement not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgreementInactive, xerrors.Attributes{
		Message:   "agreement inactive",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNothingToRelease, xerrors.Attributes{
		Message:   "nothing to release",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Terms 返回协议对应的释放曲线参数。
func (a *Agreement) Terms() vesting.Terms {
	return vesting.Terms{
		Total:    a.TotalAmount,
		Start:    a.Start,
		Duration: a.Duration,
	}
}

// Party 判断地址是否为协议双方之一。
func (a *Agreement) Party(caller common.Address) bool {
	return caller == a.Sender || caller == a.Recipient
}

// Remaining 返回协议中尚未支付的数量（含未释放部分）。
func (a *Agreement) Remaining() *big.Int {
	return new(big.Int).Sub(a.TotalAmount, a.Withdrawn)
}

func (a *Agreement) clone() *Agreement {
	if a == nil {
		return nil
	}
	cp := *a
	if a.TotalAmount != nil {
		cp.TotalAmount = new(big.Int).Set(a.TotalAmount)
	}
	if a.Withdrawn != nil {
		cp.Withdrawn = new(big.Int).Set(a.Withdrawn)
	}
	return &cp
}
