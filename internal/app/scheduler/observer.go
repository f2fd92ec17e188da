package scheduler

import (
	"time"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

// Observer 把“周期进度/批次/单元结果”从编排流程中解耦出来。
//
// 约束：
// - scheduler 只发事件，不做任何输出（避免污染 stdout 的 JSON 契约）
// - 实现必须并发安全：OnUnitDone 来自同一批内的多个 goroutine
type Observer interface {
	// OnStart 在候选集确定后调用。
	OnStart(runID string, cycle domain.Cycle, total, batches int)
	// OnUnitDone 在某个单元处理完成时调用。
	OnUnitDone(done, total int, res domain.UnitResult, dur time.Duration)
	// OnBatchDone 在一批全部完成（扇入）后调用。
	OnBatchDone(idx, batches int, dur time.Duration)
	// OnPause 在批间冷却开始前调用。
	OnPause(d time.Duration)
	// OnFinish 在报告定稿后调用。
	OnFinish(report domain.CycleReport)
}

type nopObserver struct{}

func (nopObserver) OnStart(string, domain.Cycle, int, int) {}
func (nopObserver) OnUnitDone(int, int, domain.UnitResult, time.Duration) {}
func (nopObserver) OnBatchDone(int, int, time.Duration) {}
func (nopObserver) OnPause(time.Duration) {}
func (nopObserver) OnFinish(domain.CycleReport) {}
