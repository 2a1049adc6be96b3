// Package events 定义账本事件及其发布通道。事件在状态变更提交之后
// 发出，供下游审计、索引或通知系统消费。
package events

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Type 表示账本事件类型。
type Type string

const (
	TypeAgreementCreated  Type = "agreement.created"
	TypeWithdraw          Type = "agreement.withdraw"
	TypeAgreementCanceled Type = "agreement.canceled"
)

// Event 是对外发布的账本事件。金额以十进制字符串编码，避免 JSON
// 数字精度问题。
type Event struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	AgreementID uint64 `json:"agreement_id"`
	Token       string `json:"token"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`

	Start       int64  `json:"start,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	TotalAmount string `json:"total_amount,omitempty"`

	Amount     string `json:"amount,omitempty"`
	ReleasedAt int64  `json:"released_at,omitempty"`

	EndedAt         int64  `json:"ended_at,omitempty"`
	AmountReleased  string `json:"amount_released,omitempty"`
	AmountCancelled string `json:"amount_cancelled,omitempty"`
}

// NewAgreementCreated 构造创建事件。
func NewAgreementCreated(id uint64, token, sender, recipient common.Address, start, duration int64, total *big.Int) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        TypeAgreementCreated,
		AgreementID: id,
		Token:       token.Hex(),
		Sender:      sender.Hex(),
		Recipient:   recipient.Hex(),
		Start:       start,
		Duration:    duration,
		TotalAmount: total.String(),
	}
}

// NewWithdraw 构造提取事件。
func NewWithdraw(id uint64, token, sender, recipient common.Address, amount *big.Int, releasedAt int64) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        TypeWithdraw,
		AgreementID: id,
		Token:       token.Hex(),
		Sender:      sender.Hex(),
		Recipient:   recipient.Hex(),
		Amount:      amount.String(),
		ReleasedAt:  releasedAt,
	}
}

// NewAgreementCanceled 构造取消事件。
func NewAgreementCanceled(id uint64, token, sender, recipient common.Address, start, endedAt int64, released, cancelled *big.Int) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            TypeAgreementCanceled,
		AgreementID:     id,
		Token:           token.Hex(),
		Sender:          sender.Hex(),
		Recipient:       recipient.Hex(),
		Start:           start,
		EndedAt:         endedAt,
		AmountReleased:  released.String(),
		AmountCancelled: cancelled.String(),
	}
}

// Publisher 抽象事件的发布通道。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
