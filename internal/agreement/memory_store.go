package agreement

import (
	"context"
	"math/big"
	"sort"
	"sync"

	xerrors "StreamVest-Chain/internal/errors"
)

// MemoryStore 以内存方式保存协议注册表，用于测试和 memory 驱动部署。
type MemoryStore struct {
	mu         sync.RWMutex
	agreements map[uint64]*Agreement
	nextID     uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements: make(map[uint64]*Agreement),
		nextID:     1,
	}
}

// Create 实现 Store 接口。id 只在成功写入时消耗。
func (m *MemoryStore) Create(_ context.Context, a *Agreement) (uint64, error) {
	if a == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "agreement 不能为空")
	}
	if a.TotalAmount == nil || a.TotalAmount.Sign() <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "锁定总量必须为正")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	clone := a.clone()
	clone.ID = id
	if clone.Withdrawn == nil {
		clone.Withdrawn = new(big.Int)
	}
	clone.Active = true
	clone.Version = 1
	m.agreements[id] = clone

	a.ID = id
	a.Version = clone.Version
	return id, nil
}

// Get 返回指定协议的副本。
func (m *MemoryStore) Get(_ context.Context, id uint64) (*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// ApplyWithdrawal 实现 Store 接口。
func (m *MemoryStore) ApplyWithdrawal(_ context.Context, id uint64, expectedVersion uint64, amount *big.Int, now int64) (*Agreement, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提取数量必须为正")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agreements[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.Active {
		return nil, ErrInactive
	}
	if a.Version != expectedVersion {
		return nil, xerrors.New(xerrors.CodeConflict, "协议版本不匹配")
	}

	next := new(big.Int).Add(a.Withdrawn, amount)
	if next.Cmp(a.TotalAmount) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提取数量超出锁定总量")
	}

	a.Withdrawn = next
	// 全额释放后协议自然终结，后续提取与取消都会失败。
	if next.Cmp(a.TotalAmount) == 0 {
		a.Active = false
	}
	a.Version++
	a.UpdatedAt = now
	return a.clone(), nil
}

// Finalize 实现 Store 接口。
func (m *MemoryStore) Finalize(_ context.Context, id uint64, expectedVersion uint64, now int64) (*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agreements[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.Active {
		return nil, ErrInactive
	}
	if a.Version != expectedVersion {
		return nil, xerrors.New(xerrors.CodeConflict, "协议版本不匹配")
	}

	a.Active = false
	a.Withdrawn = new(big.Int).Set(a.TotalAmount)
	a.Version++
	a.UpdatedAt = now
	return a.clone(), nil
}

// List 返回符合过滤条件的协议。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Agreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		if !matchesListFilters(a, opts) {
			continue
		}
		results = append(results, a.clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByIDAsc {
			return results[i].ID < results[j].ID
		}
		return results[i].ID > results[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的协议数量与资金规模。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	locked := new(big.Int)
	withdrawn := new(big.Int)
	stats := Stats{}
	for _, a := range m.agreements {
		if !matchesListFilters(a, opts) {
			continue
		}
		stats.Total++
		if a.Active {
			stats.Active++
			locked.Add(locked, a.Remaining())
		} else {
			stats.Terminated++
		}
		withdrawn.Add(withdrawn, a.Withdrawn)
	}
	stats.TotalLocked = locked.String()
	stats.TotalWithdrawn = withdrawn.String()
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
