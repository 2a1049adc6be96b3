package agreement

import "sync"

// lockTable 为每条协议维护一把互斥锁，保证同一协议的状态变更串行执行。
// 锁随协议数量增长，量级与注册表本身相同，不做回收。
type lockTable struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uint64]*sync.Mutex)}
}

func (t *lockTable) lock(id uint64) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
