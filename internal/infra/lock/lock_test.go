package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemory_SingleFlight(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	unlock, err := m.TryLock(ctx, 7)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := m.TryLock(ctx, 7); !errors.Is(err, ErrLocked) {
		t.Fatalf("期望 ErrLocked，实际 %v", err)
	}
	if u2, err := m.TryLock(ctx, 8); err != nil {
		t.Fatalf("不同单元不应互斥：%v", err)
	} else {
		u2()
	}

	unlock()
	unlock() // 重复释放无副作用

	u3, err := m.TryLock(ctx, 7)
	if err != nil {
		t.Fatalf("释放后应可再次获得：%v", err)
	}
	u3()
}

func TestMemory_ConcurrentOnlyOneWins(t *testing.T) {
	m := NewMemory()
	var wins int32
	var attempted, wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		attempted.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.TryLock(context.Background(), 1)
			attempted.Done()
			if err != nil {
				return
			}
			atomic.AddInt32(&wins, 1)
			<-release
			unlock()
		}()
	}
	attempted.Wait()
	close(release)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("期望只有 1 个获胜者，实际 %d", wins)
	}
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().TryLock(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
}
