// Package vesting 实现线性释放曲线的纯计算。所有函数都不产生副作用，
// 时间一律由调用方显式传入，便于独立测试。
package vesting

import "math/big"

// Terms 描述一条释放曲线所需的全部参数。
type Terms struct {
	// Total 为锁定的总量，要求严格为正。
	Total *big.Int
	// Start 为释放起点的 Unix 时间戳（秒）。
	Start int64
	// Duration 为释放窗口长度（秒），要求严格为正。
	Duration int64
}

// Elapsed 返回 now 相对于释放起点的有效时长，夹在 [0, Duration] 之间。
// 起点之前不产生任何释放，终点之后按满窗口计算。
func Elapsed(terms Terms, now int64) int64 {
	if now <= terms.Start {
		return 0
	}
	elapsed := now - terms.Start
	if elapsed > terms.Duration {
		return terms.Duration
	}
	return elapsed
}

// Vested 返回截至 now 已释放的数量：floor(Total * Elapsed / Duration)。
// 向下取整产生的零头不会提前释放，只有当 Elapsed == Duration 时
// 整数除法退化为乘 1，此时 Vested 恰好等于 Total。
func Vested(terms Terms, now int64) *big.Int {
	elapsed := Elapsed(terms, now)
	if elapsed == 0 {
		return new(big.Int)
	}
	if elapsed == terms.Duration {
		return new(big.Int).Set(terms.Total)
	}
	vested := new(big.Int).Mul(terms.Total, big.NewInt(elapsed))
	return vested.Quo(vested, big.NewInt(terms.Duration))
}

// Withdrawable 返回当前可提取的数量：Vested(now) - withdrawn。
// 只要 withdrawn 从未超过历史上的 Vested 值，结果就不会为负。
func Withdrawable(terms Terms, withdrawn *big.Int, now int64) *big.Int {
	return new(big.Int).Sub(Vested(terms, now), withdrawn)
}

// Split 计算取消时刻的资金切分。
// released 为已释放但尚未提取、应补付给接收方的部分；
// refunded 为尚未释放、退还给出资方的部分。
// 恒等式：released + refunded == Total - withdrawn，
// 取整留下的零头全部落入 refunded，不存在资金丢失。
func Split(terms Terms, withdrawn *big.Int, now int64) (released, refunded *big.Int) {
	released = Withdrawable(terms, withdrawn, now)
	refunded = new(big.Int).Sub(terms.Total, withdrawn)
	refunded.Sub(refunded, released)
	return released, refunded
}
