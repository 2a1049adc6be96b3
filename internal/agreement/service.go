package agreement

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "StreamVest-Chain/internal/errors"
	"StreamVest-Chain/internal/events"
	"StreamVest-Chain/internal/observability/alerting"
	"StreamVest-Chain/internal/transfer"
	"StreamVest-Chain/internal/vesting"
	"StreamVest-Chain/pkg/logger"
)

// CreateRequest 描述一次创建协议的请求。Caller 即出资方。
type CreateRequest struct {
	Token       common.Address
	Recipient   common.Address
	TotalAmount *big.Int
	Duration    int64
	Start       int64
	Caller      common.Address
}

// Withdrawal 是一次成功提取的结果。
type Withdrawal struct {
	Agreement  *Agreement `json:"agreement"`
	Amount     *big.Int   `json:"amount"`
	ReleasedAt int64      `json:"released_at"`
}

// Cancellation 是一次成功取消的结果。
type Cancellation struct {
	Agreement       *Agreement `json:"agreement"`
	AmountReleased  *big.Int   `json:"amount_released"`
	AmountCancelled *big.Int   `json:"amount_cancelled"`
	EndedAt         int64      `json:"ended_at"`
}

// TokenChecker 判断某代币是否允许建立协议，由链配置注册表实现。
type TokenChecker interface {
	Allowed(token common.Address) bool
}

// Service 负责协议的创建、提取、取消与查询。
//
// 每个写请求只采样一次时钟，整个计算与落库使用同一个 now，
// 避免可提取额与实际记账出现偏差。
type Service struct {
	store     Store
	transfers *transfer.Coordinator
	publisher events.Publisher
	alerter   alerting.Dispatcher
	tokens    TokenChecker
	now       func() int64
	locks     *lockTable
	logger    *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 注入时钟，测试中用来控制虚拟时间。
func WithClock(now func() int64) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

// WithTokenChecker 配置代币准入检查。
func WithTokenChecker(checker TokenChecker) ServiceOption {
	return func(s *Service) {
		s.tokens = checker
	}
}

// NewService 构造协议服务。
func NewService(store Store, transfers *transfer.Coordinator, publisher events.Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		transfers: transfers,
		publisher: publisher,
		now:       func() int64 { return time.Now().Unix() },
		locks:     newLockTable(),
		logger:    logger.Named("agreement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 校验参数、从出资方拉取资金并写入注册表。
// 资金先于记录落库：拉取失败不会产生任何状态，也不消耗 id。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Agreement, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now()

	if err := s.transfers.Pull(ctx, req.Token, req.Caller, req.TotalAmount); err != nil {
		return nil, err
	}

	a := &Agreement{
		Token:       req.Token,
		Sender:      req.Caller,
		Recipient:   req.Recipient,
		TotalAmount: new(big.Int).Set(req.TotalAmount),
		Start:       req.Start,
		Duration:    req.Duration,
		Withdrawn:   new(big.Int),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := s.store.Create(ctx, a)
	if err != nil {
		// 资金已入托管但记录写入失败，原路退回后整体失败。
		if refundErr := s.transfers.Push(ctx, req.Token, req.Caller, req.TotalAmount); refundErr != nil {
			s.alertOnFailure(ctx, "create", 0, xerrors.Wrap(xerrors.CodeTransferFailed, refundErr,
				"创建失败后的补偿退款未能完成",
				xerrors.WithSeverity(xerrors.SeverityCritical),
				xerrors.WithMetadata("token", req.Token.Hex()),
				xerrors.WithMetadata("sender", req.Caller.Hex()),
				xerrors.WithMetadata("amount", req.TotalAmount.String()),
			), now)
		}
		return nil, err
	}

	s.publish(ctx, events.NewAgreementCreated(id, a.Token, a.Sender, a.Recipient, a.Start, a.Duration, a.TotalAmount))
	logger.Audit().Info("协议创建成功",
		slog.Uint64("agreement_id", id),
		slog.String("token", a.Token.Hex()),
		slog.String("sender", a.Sender.Hex()),
		slog.String("recipient", a.Recipient.Hex()),
		slog.String("total_amount", a.TotalAmount.String()),
		slog.Int64("start", a.Start),
		slog.Int64("duration", a.Duration),
	)
	return a, nil
}

// Withdraw 把当前已释放且未提取的部分支付给接收方。
// 任何调用方都可以触发，资金只会流向协议记录中的接收方。
func (s *Service) Withdraw(ctx context.Context, id uint64) (*Withdrawal, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	now := s.now()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrInactive
	}

	amount := vesting.Withdrawable(a.Terms(), a.Withdrawn, now)
	if amount.Sign() <= 0 {
		return nil, ErrNothingToRelease
	}

	if err := s.transfers.Push(ctx, a.Token, a.Recipient, amount); err != nil {
		return nil, err
	}

	updated, err := s.store.ApplyWithdrawal(ctx, id, a.Version, amount, now)
	if err != nil {
		// 资金已经推送但记录未更新，必须立即人工介入。
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "提取已支付但记账失败",
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("amount", amount.String()),
			xerrors.WithMetadata("recipient", a.Recipient.Hex()),
		)
		s.alertOnFailure(ctx, "withdraw", id, wrapped, now)
		return nil, wrapped
	}

	s.publish(ctx, events.NewWithdraw(id, a.Token, a.Sender, a.Recipient, amount, now))
	logger.Audit().Info("协议提取成功",
		slog.Uint64("agreement_id", id),
		slog.String("recipient", a.Recipient.Hex()),
		slog.String("amount", amount.String()),
		slog.Int64("released_at", now),
	)
	return &Withdrawal{Agreement: updated, Amount: amount, ReleasedAt: now}, nil
}

// Cancel 终止协议：已释放部分补付给接收方，剩余退还出资方。
// 只有协议双方可以取消。
func (s *Service) Cancel(ctx context.Context, id uint64, caller common.Address) (*Cancellation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	now := s.now()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrInactive
	}
	if !a.Party(caller) {
		return nil, ErrUnauthorized
	}

	released, refunded := vesting.Split(a.Terms(), a.Withdrawn, now)

	// 两笔推送都在记录变更之前完成：任何一笔失败，协议保持原状。
	if released.Sign() > 0 {
		if err := s.transfers.Push(ctx, a.Token, a.Recipient, released); err != nil {
			return nil, err
		}
	}
	if refunded.Sign() > 0 {
		if err := s.transfers.Push(ctx, a.Token, a.Sender, refunded); err != nil {
			// 补付已出账时资金处于中间状态，必须告警；
			// 否则协议保持原状，失败无需打扰值班。
			wrapped := xerrors.Wrap(xerrors.CodeTransferFailed, err, "取消时退款失败",
				xerrors.WithSeverity(xerrors.SeverityCritical),
				xerrors.WithAlert(released.Sign() > 0),
				xerrors.WithMetadata("released", released.String()),
				xerrors.WithMetadata("refunded", refunded.String()),
				xerrors.WithMetadata("sender", a.Sender.Hex()),
			)
			s.alertOnFailure(ctx, "cancel", id, wrapped, now)
			return nil, wrapped
		}
	}

	updated, err := s.store.Finalize(ctx, id, a.Version, now)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消已支付但终结记录失败",
			xerrors.WithSeverity(xerrors.SeverityCritical),
		)
		s.alertOnFailure(ctx, "cancel", id, wrapped, now)
		return nil, wrapped
	}

	s.publish(ctx, events.NewAgreementCanceled(id, a.Token, a.Sender, a.Recipient, a.Start, now, released, refunded))
	logger.Audit().Info("协议取消成功",
		slog.Uint64("agreement_id", id),
		slog.String("caller", caller.Hex()),
		slog.String("amount_released", released.String()),
		slog.String("amount_cancelled", refunded.String()),
		slog.Int64("ended_at", now),
	)
	return &Cancellation{
		Agreement:       updated,
		AmountReleased:  released,
		AmountCancelled: refunded,
		EndedAt:         now,
	}, nil
}

// Get 返回指定协议。
func (s *Service) Get(ctx context.Context, id uint64) (*Agreement, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协议存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Withdrawable 返回协议当前可提取的数量。
func (s *Service) Withdrawable(ctx context.Context, id uint64) (*big.Int, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return new(big.Int), nil
	}
	return vesting.Withdrawable(a.Terms(), a.Withdrawn, s.now()), nil
}

// List 返回符合过滤条件的协议列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Agreement, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协议存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "协议存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.publisher != nil {
		return s.publisher.Close()
	}
	return nil
}

func (s *Service) ready() error {
	if s.store == nil || s.transfers == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "协议服务未初始化")
	}
	return nil
}

var zeroAddress common.Address

func (s *Service) validateCreate(req CreateRequest) error {
	if req.Token == zeroAddress {
		return xerrors.New(xerrors.CodeInvalidArgument, "token 地址不能为空")
	}
	if req.Recipient == zeroAddress {
		return xerrors.New(xerrors.CodeInvalidArgument, "recipient 地址不能为空")
	}
	if req.Recipient == s.transfers.Custody() {
		return xerrors.New(xerrors.CodeInvalidArgument, "recipient 不能是托管账户")
	}
	if req.Caller == zeroAddress {
		return xerrors.New(xerrors.CodeInvalidArgument, "caller 地址不能为空")
	}
	if req.TotalAmount == nil || req.TotalAmount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "锁定总量必须为正")
	}
	if req.Duration <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "释放时长必须为正")
	}
	if req.Start <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "释放起点必须为正")
	}
	if s.tokens != nil && !s.tokens.Allowed(req.Token) {
		return xerrors.New(xerrors.CodeInvalidArgument, "token 不在准入列表中")
	}
	return nil
}

// publish 在状态提交之后发布事件。发布失败只记录和告警，不回滚状态。
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("事件发布失败",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			slog.Uint64("agreement_id", event.AgreementID),
			slog.Any("error", err),
		)
		s.alertOnFailure(ctx, "publish", event.AgreementID, xerrors.Wrap(
			xerrors.CodeEventPublishFailed, err, "事件发布失败",
			xerrors.WithMetadata("event_id", event.ID),
			xerrors.WithMetadata("type", string(event.Type)),
		), s.now())
	}
}

// alertOnFailure 根据错误码的告警属性决定是否派发告警，
// 严重程度与附加信息都取自错误本身。
func (s *Service) alertOnFailure(ctx context.Context, operation string, id uint64, err error, now int64) {
	if !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:        xerrors.CodeOf(err),
		Message:     err.Error(),
		Severity:    xerrors.SeverityOf(err),
		AgreementID: id,
		Operation:   operation,
		OccurredAt:  time.Unix(now, 0),
	}
	if e, ok := xerrors.From(err); ok {
		event.Message = e.Message()
		event.Metadata = e.Metadata()
	}
	s.alert(ctx, event)
}

func (s *Service) alert(ctx context.Context, event alerting.Event) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.logger.Error("告警派发失败", slog.Any("error", err))
	}
}
