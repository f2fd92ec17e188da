package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked 表示该单元正被另一处理流程持有。
var ErrLocked = errors.New("lock: unit is busy")

// Locker 是按单元 ID 的互斥（single-flight）守卫。
//
// 约束：
// - TryLock 不等待：拿不到立即返回 ErrLocked，调用方跳过该单元
// - 返回的 unlock 只释放本次获得的锁，重复调用无副作用
type Locker interface {
	TryLock(ctx context.Context, hutID int) (unlock func(), err error)
}

// Memory 是进程内实现，覆盖同一进程内重叠周期的场景。
type Memory struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[int]struct{})}
}

func (m *Memory) TryLock(ctx context.Context, hutID int) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[hutID]; ok {
		return nil, ErrLocked
	}
	m.held[hutID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, hutID)
			m.mu.Unlock()
		})
	}, nil
}
