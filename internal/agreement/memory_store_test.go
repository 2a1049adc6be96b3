package agreement

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "StreamVest-Chain/internal/errors"
)

func newStoredAgreement(total int64) *Agreement {
	return &Agreement{
		Token:       common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Sender:      common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Recipient:   common.HexToAddress("0x3000000000000000000000000000000000000003"),
		TotalAmount: big.NewInt(total),
		Start:       1_700_000_000,
		Duration:    600,
		Withdrawn:   new(big.Int),
		Active:      true,
		CreatedAt:   1_700_000_000,
		UpdatedAt:   1_700_000_000,
	}
}

func TestMemoryStoreIDsAreSequential(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		id, err := store.Create(ctx, newStoredAgreement(100))
		if err != nil {
			t.Fatalf("create #%d: %v", want, err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}

	// Rejected writes must not consume an id.
	if _, err := store.Create(ctx, &Agreement{TotalAmount: big.NewInt(0)}); err == nil {
		t.Fatalf("expected error for non-positive amount")
	}
	id, err := store.Create(ctx, newStoredAgreement(100))
	if err != nil {
		t.Fatalf("create after rejection: %v", err)
	}
	if id != 4 {
		t.Fatalf("id after rejection = %d, want 4", id)
	}
}

func TestMemoryStoreGetReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Create(ctx, newStoredAgreement(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a.Withdrawn.SetInt64(99)
	a.Active = false

	fresh, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if fresh.Withdrawn.Sign() != 0 || !fresh.Active {
		t.Fatalf("mutating a returned record leaked into the store: %+v", fresh)
	}
}

func TestMemoryStoreApplyWithdrawal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Create(ctx, newStoredAgreement(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.ApplyWithdrawal(ctx, id, 1, big.NewInt(40), 1_700_000_300)
	if err != nil {
		t.Fatalf("apply withdrawal: %v", err)
	}
	if updated.Withdrawn.Cmp(big.NewInt(40)) != 0 || !updated.Active {
		t.Fatalf("unexpected state after partial withdrawal: %+v", updated)
	}
	if updated.Version != 2 || updated.UpdatedAt != 1_700_000_300 {
		t.Fatalf("version/updated_at not advanced: %+v", updated)
	}

	// Stale version must be rejected.
	if _, err := store.ApplyWithdrawal(ctx, id, 1, big.NewInt(10), 1_700_000_301); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT for stale version, got %v", err)
	}

	// Withdrawing more than remains must be rejected.
	if _, err := store.ApplyWithdrawal(ctx, id, 2, big.NewInt(61), 1_700_000_302); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for overdraw, got %v", err)
	}

	// Exhaustion terminates the agreement.
	final, err := store.ApplyWithdrawal(ctx, id, 2, big.NewInt(60), 1_700_000_303)
	if err != nil {
		t.Fatalf("final withdrawal: %v", err)
	}
	if final.Active {
		t.Fatalf("exhausted agreement still active")
	}
	if _, err := store.ApplyWithdrawal(ctx, id, final.Version, big.NewInt(1), 1_700_000_304); !stdErrors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive after exhaustion, got %v", err)
	}
}

func TestMemoryStoreFinalize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Create(ctx, newStoredAgreement(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final, err := store.Finalize(ctx, id, 1, 1_700_000_400)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Active || final.Withdrawn.Cmp(final.TotalAmount) != 0 {
		t.Fatalf("finalized record not terminal: %+v", final)
	}

	if _, err := store.Finalize(ctx, id, final.Version, 1_700_000_401); !stdErrors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive on repeat finalize, got %v", err)
	}
	if _, err := store.Finalize(ctx, 99, 1, 1_700_000_402); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	other := common.HexToAddress("0x4000000000000000000000000000000000000004")
	for i := 0; i < 5; i++ {
		a := newStoredAgreement(100)
		if i%2 == 1 {
			a.Sender = other
		}
		if _, err := store.Create(ctx, a); err != nil {
			t.Fatalf("create #%d: %v", i, err)
		}
	}
	if _, err := store.Finalize(ctx, 1, 1, 1_700_000_500); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	t.Run("default order is newest first", func(t *testing.T) {
		results, err := store.List(ctx, buildListOptions(nil))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(results) != 5 || results[0].ID != 5 || results[4].ID != 1 {
			t.Fatalf("unexpected ordering: %v", ids(results))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		results, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(2), WithOffset(1), WithOrder(SortByIDAsc)}))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(results) != 2 || results[0].ID != 2 || results[1].ID != 3 {
			t.Fatalf("unexpected page: %v", ids(results))
		}
	})

	t.Run("sender filter", func(t *testing.T) {
		results, err := store.List(ctx, buildListOptions([]ListOption{WithSender(other)}))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("sender filter matched %d, want 2", len(results))
		}
	})

	t.Run("active only", func(t *testing.T) {
		results, err := store.List(ctx, buildListOptions([]ListOption{WithActiveOnly()}))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(results) != 4 {
			t.Fatalf("active filter matched %d, want 4", len(results))
		}
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx, buildListOptions(nil))
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Total != 5 || stats.Active != 4 || stats.Terminated != 1 {
			t.Fatalf("unexpected counts: %+v", stats)
		}
		if stats.TotalLocked != "400" || stats.TotalWithdrawn != "100" {
			t.Fatalf("unexpected amounts: %+v", stats)
		}
	})
}

func ids(agreements []*Agreement) []uint64 {
	out := make([]uint64, 0, len(agreements))
	for _, a := range agreements {
		out = append(out, a.ID)
	}
	return out
}
