package agreement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "StreamVest-Chain/internal/errors"
	"StreamVest-Chain/internal/events"
	"StreamVest-Chain/internal/observability/alerting"
	"StreamVest-Chain/internal/transfer"
)

var (
	testToken     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testSender    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testRecipient = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testOther     = common.HexToAddress("0x4000000000000000000000000000000000000004")
	testCustody   = common.HexToAddress("0xc00000000000000000000000000000000000000c")
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
}

type fixture struct {
	service *Service
	backend *transfer.MemoryBackend
	events  *events.MemoryPublisher
	clock   *fakeClock
}

func newFixture(t *testing.T, initialBalance, allowance int64) *fixture {
	t.Helper()

	backend := transfer.NewMemoryBackend(testCustody)
	backend.Mint(testToken, testSender, big.NewInt(initialBalance))
	backend.Approve(testToken, testSender, big.NewInt(allowance))

	clock := &fakeClock{now: 1_700_000_000}
	publisher := events.NewMemoryPublisher()
	service := NewService(
		NewMemoryStore(),
		transfer.NewCoordinator(backend, testCustody),
		publisher,
		WithClock(clock.Now),
	)
	return &fixture{service: service, backend: backend, events: publisher, clock: clock}
}

func (f *fixture) balance(t *testing.T, account common.Address) *big.Int {
	t.Helper()
	balance, err := f.backend.BalanceOf(context.Background(), testToken, account)
	if err != nil {
		t.Fatalf("balance of %s: %v", account.Hex(), err)
	}
	return balance
}

func (f *fixture) create(t *testing.T, total int64, duration, startOffset int64) *Agreement {
	t.Helper()
	a, err := f.service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(total),
		Duration:    duration,
		Start:       f.clock.Now() + startOffset,
		Caller:      testSender,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return a
}

const day = int64(24 * 60 * 60)

func TestCreateAgreement(t *testing.T) {
	f := newFixture(t, 1000, 500)

	start := f.clock.Now() + 10*day
	a, err := f.service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    30 * day,
		Start:       start,
		Caller:      testSender,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	if a.ID != 1 {
		t.Fatalf("first agreement id = %d, want 1", a.ID)
	}
	if a.Sender != testSender || a.Recipient != testRecipient || a.Token != testToken {
		t.Fatalf("unexpected parties: %+v", a)
	}
	if a.Withdrawn.Sign() != 0 || !a.Active {
		t.Fatalf("fresh agreement should be active with zero withdrawn: %+v", a)
	}

	// The deposit moved into custody atomically with the record.
	if got := f.balance(t, testSender); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("sender balance after create = %s, want 500", got)
	}
	if got := f.balance(t, testCustody); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody balance after create = %s, want 500", got)
	}

	published := f.events.Events()
	if len(published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(published))
	}
	event := published[0]
	if event.Type != events.TypeAgreementCreated {
		t.Fatalf("unexpected event type: %s", event.Type)
	}
	if event.AgreementID != 1 || event.TotalAmount != "500" || event.Start != start || event.Duration != 30*day {
		t.Fatalf("event does not echo creation fields: %+v", event)
	}
	if event.Sender != testSender.Hex() || event.Recipient != testRecipient.Hex() || event.Token != testToken.Hex() {
		t.Fatalf("event does not echo parties: %+v", event)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 1000, 500)

	base := CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    day,
		Start:       f.clock.Now(),
		Caller:      testSender,
	}

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"zero token", func(r *CreateRequest) { r.Token = common.Address{} }},
		{"zero recipient", func(r *CreateRequest) { r.Recipient = common.Address{} }},
		{"custody recipient", func(r *CreateRequest) { r.Recipient = testCustody }},
		{"zero amount", func(r *CreateRequest) { r.TotalAmount = big.NewInt(0) }},
		{"negative amount", func(r *CreateRequest) { r.TotalAmount = big.NewInt(-5) }},
		{"zero duration", func(r *CreateRequest) { r.Duration = 0 }},
		{"zero start", func(r *CreateRequest) { r.Start = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.service.Create(context.Background(), req)
			if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
			}
		})
	}

	// No partial state: nothing moved, no events, no id consumed.
	if got := f.balance(t, testSender); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("sender balance changed on failed creations: %s", got)
	}
	if len(f.events.Events()) != 0 {
		t.Fatalf("events emitted on failed creations")
	}
}

func TestCreateInsufficientAllowance(t *testing.T) {
	f := newFixture(t, 1000, 100)

	_, err := f.service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    day,
		Start:       f.clock.Now() + day,
		Caller:      testSender,
	})
	if xerrors.CodeOf(err) != xerrors.CodeTransferFailed {
		t.Fatalf("expected TRANSFER_FAILED, got %v", err)
	}

	// The failed attempt must not consume an identifier.
	f.backend.Approve(testToken, testSender, big.NewInt(500))
	a := f.create(t, 500, day, day)
	if a.ID != 1 {
		t.Fatalf("id after failed creation = %d, want 1", a.ID)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 30*day, 10*day)

	result, err := f.service.Cancel(context.Background(), a.ID, testSender)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.AmountReleased.Sign() != 0 {
		t.Fatalf("released before start = %s, want 0", result.AmountReleased)
	}
	if result.AmountCancelled.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("cancelled before start = %s, want 500", result.AmountCancelled)
	}

	// The sender is made whole.
	if got := f.balance(t, testSender); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("sender balance after cancel = %s, want 1000", got)
	}
	if got := f.balance(t, testRecipient); got.Sign() != 0 {
		t.Fatalf("recipient balance after cancel = %s, want 0", got)
	}
	if result.Agreement.Active {
		t.Fatalf("cancelled agreement still active")
	}
}

func TestWithdrawHalfwayThenFully(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 0)

	f.clock.Advance(300)
	first, err := f.service.Withdraw(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	if first.Amount.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("first withdrawal = %s, want 250", first.Amount)
	}

	// Same timestamp, nothing newly vested.
	if _, err := f.service.Withdraw(context.Background(), a.ID); !stdErrors.Is(err, ErrNothingToRelease) {
		t.Fatalf("expected ErrNothingToRelease, got %v", err)
	}

	f.clock.Advance(300)
	second, err := f.service.Withdraw(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if second.Amount.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("second withdrawal = %s, want 250", second.Amount)
	}
	if got := f.balance(t, testRecipient); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("recipient cumulative balance = %s, want 500", got)
	}

	// Exhaustion finalizes the agreement.
	if second.Agreement.Active {
		t.Fatalf("exhausted agreement still active")
	}
	if _, err := f.service.Withdraw(context.Background(), a.ID); !stdErrors.Is(err, ErrInactive) {
		t.Fatalf("withdraw after exhaustion: expected ErrInactive, got %v", err)
	}
	if _, err := f.service.Cancel(context.Background(), a.ID, testSender); !stdErrors.Is(err, ErrInactive) {
		t.Fatalf("cancel after exhaustion: expected ErrInactive, got %v", err)
	}

	published := f.events.Events()
	if len(published) != 3 {
		t.Fatalf("expected create + 2 withdraw events, got %d", len(published))
	}
	if published[1].Type != events.TypeWithdraw || published[1].Amount != "250" {
		t.Fatalf("unexpected withdraw event: %+v", published[1])
	}
}

func TestCancelHalfway(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 0)

	f.clock.Advance(300)
	result, err := f.service.Cancel(context.Background(), a.ID, testRecipient)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.AmountReleased.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("released = %s, want 250", result.AmountReleased)
	}
	if result.AmountCancelled.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("cancelled = %s, want 250", result.AmountCancelled)
	}
	if got := f.balance(t, testRecipient); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("recipient balance = %s, want 250", got)
	}
	if got := f.balance(t, testSender); got.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("sender balance = %s, want 750", got)
	}

	published := f.events.Events()
	last := published[len(published)-1]
	if last.Type != events.TypeAgreementCanceled {
		t.Fatalf("unexpected last event: %+v", last)
	}
	if last.AmountReleased != "250" || last.AmountCancelled != "250" || last.EndedAt != f.clock.Now() {
		t.Fatalf("cancel event fields: %+v", last)
	}
}

func TestCancelSplitConservesWithPriorWithdrawal(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 0)

	f.clock.Advance(150)
	first, err := f.service.Withdraw(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	f.clock.Advance(150)
	result, err := f.service.Cancel(context.Background(), a.ID, testSender)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sum := new(big.Int).Add(result.AmountReleased, result.AmountCancelled)
	sum.Add(sum, first.Amount)
	if sum.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("split invariant violated: withdrawn=%s released=%s cancelled=%s",
			first.Amount, result.AmountReleased, result.AmountCancelled)
	}

	// Every unit is back in user hands, custody is empty.
	if got := f.balance(t, testCustody); got.Sign() != 0 {
		t.Fatalf("custody balance after cancel = %s, want 0", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 0)

	if _, err := f.service.Cancel(context.Background(), a.ID, testSender); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	senderBefore := f.balance(t, testSender)
	if _, err := f.service.Cancel(context.Background(), a.ID, testSender); !stdErrors.Is(err, ErrInactive) {
		t.Fatalf("second cancel: expected ErrInactive, got %v", err)
	}
	if _, err := f.service.Withdraw(context.Background(), a.ID); !stdErrors.Is(err, ErrInactive) {
		t.Fatalf("withdraw after cancel: expected ErrInactive, got %v", err)
	}
	if got := f.balance(t, testSender); got.Cmp(senderBefore) != 0 {
		t.Fatalf("funds moved on terminal agreement: %s != %s", got, senderBefore)
	}
}

func TestCancelUnauthorized(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 0)

	_, err := f.service.Cancel(context.Background(), a.ID, testOther)
	if !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := f.balance(t, testCustody); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody changed on unauthorized cancel: %s", got)
	}
}

func TestOperationsOnMissingAgreement(t *testing.T) {
	f := newFixture(t, 1000, 500)

	if _, err := f.service.Withdraw(context.Background(), 42); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("withdraw missing: expected ErrNotFound, got %v", err)
	}
	if _, err := f.service.Cancel(context.Background(), 42, testSender); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing: expected ErrNotFound, got %v", err)
	}
	if _, err := f.service.Get(context.Background(), 42); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}
}

func TestWithdrawBeforeStart(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 10*day)

	if _, err := f.service.Withdraw(context.Background(), a.ID); !stdErrors.Is(err, ErrNothingToRelease) {
		t.Fatalf("expected ErrNothingToRelease, got %v", err)
	}
}

func TestWithdrawableQuery(t *testing.T) {
	f := newFixture(t, 1000, 500)
	a := f.create(t, 500, 600, 0)

	f.clock.Advance(300)
	due, err := f.service.Withdrawable(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if due.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("withdrawable = %s, want 250", due)
	}
}

type rejectAllTokens struct{}

func (rejectAllTokens) Allowed(common.Address) bool { return false }

func TestCreateTokenNotAllowed(t *testing.T) {
	backend := transfer.NewMemoryBackend(testCustody)
	backend.Mint(testToken, testSender, big.NewInt(1000))
	backend.Approve(testToken, testSender, big.NewInt(500))
	clock := &fakeClock{now: 1_700_000_000}
	service := NewService(
		NewMemoryStore(),
		transfer.NewCoordinator(backend, testCustody),
		events.NewMemoryPublisher(),
		WithClock(clock.Now),
		WithTokenChecker(rejectAllTokens{}),
	)

	_, err := service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    day,
		Start:       clock.Now() + day,
		Caller:      testSender,
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) Events() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]alerting.Event, len(d.events))
	copy(out, d.events)
	return out
}

// refundBlockingBackend rejects pushes to one address so tests can observe
// the service's behaviour when a payout half-completes.
type refundBlockingBackend struct {
	*transfer.MemoryBackend
	blocked common.Address
}

func (b *refundBlockingBackend) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if to == b.blocked {
		return fmt.Errorf("transfer to %s rejected", to.Hex())
	}
	return b.MemoryBackend.Transfer(ctx, token, to, amount)
}

func newAlertFixture(t *testing.T, publisher events.Publisher) (*Service, *recordingDispatcher, *fakeClock) {
	t.Helper()

	base := transfer.NewMemoryBackend(testCustody)
	base.Mint(testToken, testSender, big.NewInt(1000))
	base.Approve(testToken, testSender, big.NewInt(500))
	backend := &refundBlockingBackend{MemoryBackend: base, blocked: testSender}

	clock := &fakeClock{now: 1_700_000_000}
	dispatcher := &recordingDispatcher{}
	service := NewService(
		NewMemoryStore(),
		transfer.NewCoordinator(backend, testCustody),
		publisher,
		WithClock(clock.Now),
		WithAlertDispatcher(dispatcher),
	)
	return service, dispatcher, clock
}

func TestCancelRefundFailureAfterPayoutAlerts(t *testing.T) {
	service, dispatcher, clock := newAlertFixture(t, events.NewMemoryPublisher())

	a, err := service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    600,
		Start:       clock.Now(),
		Caller:      testSender,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The 250 payout to the recipient succeeds, the refund to the sender
	// does not: funds are mid-flight and the dispatcher must hear about it.
	clock.Advance(300)
	_, err = service.Cancel(context.Background(), a.ID, testSender)
	if xerrors.CodeOf(err) != xerrors.CodeTransferFailed {
		t.Fatalf("expected TRANSFER_FAILED, got %v", err)
	}

	alerts := dispatcher.Events()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	alert := alerts[0]
	if alert.Severity != xerrors.SeverityCritical || alert.AgreementID != a.ID || alert.Operation != "cancel" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.Metadata["released"] != "250" || alert.Metadata["refunded"] != "250" {
		t.Fatalf("alert metadata missing split: %+v", alert.Metadata)
	}

	// The record was never finalized.
	fetched, err := service.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !fetched.Active {
		t.Fatalf("agreement finalized despite failed refund")
	}
}

func TestCancelRefundFailureBeforeStartDoesNotAlert(t *testing.T) {
	service, dispatcher, clock := newAlertFixture(t, events.NewMemoryPublisher())

	a, err := service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    600,
		Start:       clock.Now() + day,
		Caller:      testSender,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Nothing was paid out yet, so the failed refund leaves no funds
	// mid-flight and no one gets paged.
	_, err = service.Cancel(context.Background(), a.ID, testSender)
	if xerrors.CodeOf(err) != xerrors.CodeTransferFailed {
		t.Fatalf("expected TRANSFER_FAILED, got %v", err)
	}
	if alerts := dispatcher.Events(); len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return stdErrors.New("publish channel down")
}

func (failingPublisher) Close() error { return nil }

func TestPublishFailureAlertsButKeepsState(t *testing.T) {
	service, dispatcher, clock := newAlertFixture(t, failingPublisher{})

	a, err := service.Create(context.Background(), CreateRequest{
		Token:       testToken,
		Recipient:   testRecipient,
		TotalAmount: big.NewInt(500),
		Duration:    600,
		Start:       clock.Now(),
		Caller:      testSender,
	})
	if err != nil {
		t.Fatalf("create should survive a publish failure: %v", err)
	}

	alerts := dispatcher.Events()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Code != xerrors.CodeEventPublishFailed || alerts[0].Operation != "publish" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}

	// The record committed regardless.
	if _, err := service.Get(context.Background(), a.ID); err != nil {
		t.Fatalf("get after publish failure: %v", err)
	}
}
