package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/alpinehuts/internal/app/planner"
	"github.com/John-Robertt/alpinehuts/internal/domain"
)

const (
	DefaultBatchSize = 10
	DefaultCooldown  = time.Minute
)

// Units 是编排层消费的单元活动（由 activity.Activities 实现）。
type Units interface {
	Candidates(ctx context.Context, cycle domain.Cycle) ([]int, error)
	Run(ctx context.Context, cycle domain.Cycle, hutID int) domain.UnitResult
	RefreshReporting(ctx context.Context) error
}

// Sleeper 等待 d，ctx 取消时提前返回 ctx.Err()。
type Sleeper func(ctx context.Context, d time.Duration) error

type Options struct {
	BatchSize int
	Cooldown  time.Duration
	DryRun    bool

	Sleep    Sleeper
	Now      func() time.Time
	NewRunID func() string
	Observer Observer
}

// Scheduler 以固定批大小扇出单元活动，批间冷却，最后做一次报表步骤。
//
// 约束：
// - 编排本身没有副作用：网络、存储、日志都在 Units 里
// - 批内并发 = 批大小；一批全部完成后才开始下一批
// - 冷却只发生在批与批之间（首批前、末批后都不睡）
// - 单元失败只体现在报告里；只有候选集获取失败或 ctx 取消才返回 error
type Scheduler struct {
	units Units
	opts  Options
}

func New(units Units, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return uuid.NewString() }
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Scheduler{units: units, opts: opts}
}

// RunUpdateCycle 执行一次周期。ids 非空时只处理这些单元（调试触发），否则取候选集。
func (s *Scheduler) RunUpdateCycle(ctx context.Context, cycle domain.Cycle, ids []int) (domain.CycleReport, error) {
	obs := s.opts.Observer
	rep := domain.CycleReport{
		RunID:     s.opts.NewRunID(),
		Cycle:     cycle.Name,
		Source:    cycle.Source,
		DryRun:    s.opts.DryRun,
		StartedAt: s.opts.Now(),
		Units:     make([]domain.UnitResult, 0, len(ids)),
	}
	finish := func() domain.CycleReport {
		rep.FinishedAt = s.opts.Now()
		rep.Finalize()
		obs.OnFinish(rep)
		return rep
	}

	if len(ids) == 0 {
		var err error
		ids, err = s.units.Candidates(ctx, cycle)
		if err != nil {
			return finish(), fmt.Errorf("获取候选单元失败：%w", err)
		}
	}

	batches := planner.Batches(ids, s.opts.BatchSize)
	rep.Batches = len(batches)
	obs.OnStart(rep.RunID, cycle, len(ids), len(batches))

	done := 0
	for i, batch := range batches {
		if i > 0 && s.opts.Cooldown > 0 {
			obs.OnPause(s.opts.Cooldown)
			if err := s.opts.Sleep(ctx, s.opts.Cooldown); err != nil {
				return finish(), err
			}
		}
		if err := ctx.Err(); err != nil {
			return finish(), err
		}

		started := time.Now()
		results := s.runBatch(ctx, cycle, batch)
		for r := range results {
			done++
			rep.Units = append(rep.Units, r.res)
			obs.OnUnitDone(done, len(ids), r.res, r.dur)
		}
		obs.OnBatchDone(i+1, len(batches), time.Since(started))
	}

	// 报表步骤只对可用性周期有意义；失败只记录在报告里。
	switch {
	case cycle.Kind != domain.CycleKindAvailability, s.opts.DryRun:
		rep.Reporting = "skipped"
	default:
		if err := s.units.RefreshReporting(ctx); err != nil {
			rep.Reporting = "failed: " + err.Error()
		} else {
			rep.Reporting = "ok"
		}
	}
	return finish(), nil
}

type unitDone struct {
	res domain.UnitResult
	dur time.Duration
}

// runBatch 为批内每个单元起一个 goroutine；返回的 channel 在全部完成后关闭。
func (s *Scheduler) runBatch(ctx context.Context, cycle domain.Cycle, batch []int) <-chan unitDone {
	out := make(chan unitDone, len(batch))
	var wg sync.WaitGroup
	for _, id := range batch {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			started := time.Now()
			res := s.units.Run(ctx, cycle, id)
			out <- unitDone{res: res, dur: time.Since(started)}
		}(id)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
