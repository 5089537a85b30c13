package pkg

import "sync/atomic"

// BusyFlag 是每个实体的重入锁: 调度方 TryAcquire, 实体运行结束后 Release。
// 同一时刻最多只有一次运行持有它。
type BusyFlag struct {
	held atomic.Bool
}

// TryAcquire 在锁空闲时占用并返回 true
func (b *BusyFlag) TryAcquire() bool {
	return b.held.CompareAndSwap(false, true)
}

func (b *BusyFlag) Release() {
	b.held.Store(false)
}

func (b *BusyFlag) Busy() bool {
	return b.held.Load()
}
