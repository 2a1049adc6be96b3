package transfer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryBackend 在内存中模拟代币的余额与授权额度，主要用于测试和
// memory 驱动的本地部署。operator 为托管账户地址：TransferFrom 消耗
// 的是 owner 对 operator 的授权，Transfer 从 operator 自身余额扣款。
type MemoryBackend struct {
	mu         sync.Mutex
	operator   common.Address
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewMemoryBackend 创建 MemoryBackend。
func NewMemoryBackend(operator common.Address) *MemoryBackend {
	return &MemoryBackend{
		operator:   operator,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Mint 给账户铸造余额，仅用于搭建测试场景。
func (b *MemoryBackend) Mint(token, account common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := b.balanceLocked(token, account)
	balance.Add(balance, amount)
}

// Approve 设置 owner 对托管账户的授权额度。
func (b *MemoryBackend) Approve(token, owner common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	perToken, ok := b.allowances[token]
	if !ok {
		perToken = make(map[common.Address]*big.Int)
		b.allowances[token] = perToken
	}
	perToken[owner] = new(big.Int).Set(amount)
}

// BalanceOf 实现 Backend 接口。
func (b *MemoryBackend) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(token, account)), nil
}

// TransferFrom 实现 Backend 接口。额度或余额不足都会直接报错，
// 不产生任何部分划转。
func (b *MemoryBackend) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowance := b.allowanceLocked(token, from)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("授权额度不足: 需要 %s, 仅有 %s", amount, allowance)
	}
	balance := b.balanceLocked(token, from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("余额不足: 需要 %s, 仅有 %s", amount, balance)
	}

	allowance.Sub(allowance, amount)
	balance.Sub(balance, amount)
	dest := b.balanceLocked(token, to)
	dest.Add(dest, amount)
	return nil
}

// Transfer 实现 Backend 接口，从托管账户扣款。
func (b *MemoryBackend) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.balanceLocked(token, b.operator)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("托管余额不足: 需要 %s, 仅有 %s", amount, balance)
	}
	balance.Sub(balance, amount)
	dest := b.balanceLocked(token, to)
	dest.Add(dest, amount)
	return nil
}

func (b *MemoryBackend) balanceLocked(token, account common.Address) *big.Int {
	perToken, ok := b.balances[token]
	if !ok {
		perToken = make(map[common.Address]*big.Int)
		b.balances[token] = perToken
	}
	balance, ok := perToken[account]
	if !ok {
		balance = new(big.Int)
		perToken[account] = balance
	}
	return balance
}

func (b *MemoryBackend) allowanceLocked(token, owner common.Address) *big.Int {
	perToken, ok := b.allowances[token]
	if !ok {
		perToken = make(map[common.Address]*big.Int)
		b.allowances[token] = perToken
	}
	allowance, ok := perToken[owner]
	if !ok {
		allowance = new(big.Int)
		perToken[owner] = allowance
	}
	return allowance
}

var _ Backend = (*MemoryBackend)(nil)
