package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/app/scheduler"
	"github.com/John-Robertt/alpinehuts/internal/domain"
)

var _ scheduler.Observer = logObserver{}

// logObserver 把周期事件写成结构化日志（serve 与非交互 run 使用）。
type logObserver struct {
	log logrus.FieldLogger
}

func (o logObserver) OnStart(runID string, cycle domain.Cycle, total, batches int) {
	o.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"cycle":   cycle.Name,
		"source":  cycle.Source,
		"units":   total,
		"batches": batches,
	}).Info("周期开始")
}

func (o logObserver) OnUnitDone(done, total int, res domain.UnitResult, dur time.Duration) {
	entry := o.log.WithFields(logrus.Fields{
		"hut_id":   res.HutID,
		"status":   res.Status,
		"progress": done,
		"total":    total,
		"dur":      dur.Round(time.Millisecond).String(),
	})
	if res.Status == domain.StatusFailed {
		entry.WithFields(logrus.Fields{"error_code": res.ErrorCode, "error": res.ErrorMsg}).Warn("单元失败")
		return
	}
	entry.Debug("单元完成")
}

func (o logObserver) OnBatchDone(idx, batches int, dur time.Duration) {
	o.log.WithFields(logrus.Fields{"batch": idx, "batches": batches, "dur": dur.Round(time.Millisecond).String()}).Info("批次完成")
}

func (o logObserver) OnPause(d time.Duration) {
	o.log.WithField("cooldown", d.String()).Debug("批间冷却")
}

func (o logObserver) OnFinish(rep domain.CycleReport) {
	o.log.WithFields(logrus.Fields{
		"run_id":        rep.RunID,
		"cycle":         rep.Cycle,
		"processed":     rep.Summary.Processed,
		"skipped":       rep.Summary.Skipped,
		"failed":        rep.Summary.Failed,
		"deleted":       rep.Summary.Deleted,
		"rows_written":  rep.Summary.RowsWritten,
		"notifications": rep.Summary.Notifications,
		"reporting":     rep.Reporting,
	}).Info("周期结束")
}
