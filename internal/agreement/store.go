package agreement

import (
	"context"
	"math/big"
)

// Stats 汇总注册表的整体状态。金额以十进制字符串表示。
type Stats struct {
	Total          int    `json:"total"`
	Active         int    `json:"active"`
	Terminated     int    `json:"terminated"`
	TotalLocked    string `json:"total_locked"`
	TotalWithdrawn string `json:"total_withdrawn"`
}

// Store 抽象了协议注册表的持久化接口。
//
// 标识符由 Create 单调分配，从 1 开始，只有成功写入才消耗一个 id。
// ApplyWithdrawal 与 Finalize 以 expectedVersion 做乐观并发控制：
// 版本不匹配返回 CONFLICT，调用方必须重新读取后重试。
type Store interface {
	// Create 写入新纪录并返回分配的 id。
	Create(ctx context.Context, a *Agreement) (uint64, error)
	// Get 返回指定协议，不存在时返回 ErrNotFound。
	Get(ctx context.Context, id uint64) (*Agreement, error)
	// ApplyWithdrawal 把 amount 累加到 Withdrawn。若累加后
	// Withdrawn == TotalAmount，记录在同一次变更中被标记为终结。
	ApplyWithdrawal(ctx context.Context, id uint64, expectedVersion uint64, amount *big.Int, now int64) (*Agreement, error)
	// Finalize 终结协议：Active 置 false，Withdrawn 记满总额。
	// 已终结的协议返回 ErrInactive。
	Finalize(ctx context.Context, id uint64, expectedVersion uint64, now int64) (*Agreement, error)
	// List 返回符合过滤条件的协议。
	List(ctx context.Context, opts ListOptions) ([]*Agreement, error)
	// Stats 统计符合过滤条件的协议。
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
