package activity

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/notify"
	"github.com/John-Robertt/alpinehuts/internal/provider"
	"github.com/John-Robertt/alpinehuts/internal/reconcile"
	"github.com/John-Robertt/alpinehuts/internal/store"
)

// UpdateAvailability 抓取单元日历、逐日对账，并在同一事务内通知有空床日期的订阅者。
//
// 约束：
// - 只处理存储中已启用的单元
// - 日历抓取中途失败：已得到的分页照常对账，其余日期保持原样
// - 订阅标记与可用性写入原子提交；只处理 notified=false 的订阅，投递失败的下一轮重试
// - dry-run 不通知
func (a *Activities) UpdateAvailability(ctx context.Context, hutID int) domain.UnitResult {
	ctx, p, done, early := a.begin(ctx, hutID)
	defer done()
	if early != nil {
		return *early
	}
	src := p.Source()
	log := a.unitLog(hutID, src)
	res := domain.UnitResult{HutID: hutID}

	hut, err := a.d.Store.GetUnit(ctx, hutID)
	if err != nil {
		return storeFailure(hutID, err)
	}
	if hut == nil {
		res.Status = domain.StatusSkipped
		res.ErrorCode = domain.ErrCodeNotFound
		res.ErrorMsg = "单元未登记"
		return res
	}
	res.Name = hut.Name
	if !hut.Enabled {
		res.Status = domain.StatusSkipped
		res.ErrorCode = domain.ErrCodeDisabled
		return res
	}

	now := a.d.Now()
	cal, ferr := provider.FetchParseCalendar(ctx, p, a.client(src), *hut, domain.DateOf(now))
	a.archive(src, hutID, cal.Pages...)
	res.Warnings = append(res.Warnings, cal.Warnings...)
	if ferr != nil {
		if len(cal.Days) == 0 {
			log.WithError(ferr).Warn("日历抓取失败")
			out := failure(hutID, ferr)
			out.Name = hut.Name
			out.Warnings = res.Warnings
			return out
		}
		log.WithError(ferr).Warn("日历抓取中途失败，仅对账已得到的日期")
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", domain.ErrCodeFetchFailed, humanize(ferr)))
	}

	var (
		ops  reconcile.CalendarOps
		nres notify.Result
		free map[string]int
	)
	err = a.commit(ctx, func(r store.Repository) error {
		existing, err := r.GetAvailability(ctx, hutID, nil)
		if err != nil {
			return err
		}
		ops = reconcile.ReconcileCalendar(hutID, existing, cal.Days, now)
		n, err := ops.Apply(ctx, r)
		res.RowsWritten = n
		if err != nil {
			return err
		}
		cats, err := r.ListBedCategories(ctx)
		if err != nil {
			return err
		}
		free = ops.FreeByName(domain.NewBedCategoryTable(cats))
		if a.d.DryRun || a.d.Notify == nil {
			return nil
		}
		// 标记与可用性写入同一事务提交；回滚时订阅保持未通知，下一轮重试。
		nres, err = a.d.Notify.Notify(ctx, r, *hut, ops.Bookable)
		if err != nil {
			return fmt.Errorf("通知步骤失败：%w", err)
		}
		return nil
	})
	res.Warnings = append(res.Warnings, ops.Warnings...)
	if err != nil {
		log.WithError(err).Error("可用性写入失败")
		out := storeFailure(hutID, err)
		out.Name = hut.Name
		out.Warnings = res.Warnings
		return out
	}
	res.Status = domain.StatusProcessed
	res.Notifications = nres.Sent
	if nres.Failed > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d 封通知发送失败，下一轮重试", nres.Failed))
	}
	if a.d.DryRun && len(ops.Bookable) > 0 && a.d.Notify != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("dry-run：%d 个日期有空床，未检查通知", len(ops.Bookable)))
	}

	log.WithFields(logrus.Fields{
		"days":          len(cal.Days),
		"rows_written":  res.RowsWritten,
		"openings":      len(ops.Openings()),
		"notifications": res.Notifications,
		"free":          free,
	}).Info("可用性已对账")
	return res
}
