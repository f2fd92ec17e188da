package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

// DayOps 是单日的写操作集合。Upserts 先于 Deletes 执行，二者的键互不相交。
type DayOps struct {
	Date    domain.Date
	Upserts []domain.Availability
	Deletes []domain.AvailabilityKey
	// Opening 表示本日合计空床从 <=0（或无记录）变为 >0。
	Opening bool
}

// CalendarOps 是一个单元一次日历对账的结果，Days 按日期升序。
type CalendarOps struct {
	HutID int
	Days  []DayOps
	// Bookable 是本次抓取中合计空床 >0 的日期（升序，含无需写入的日期）。
	// 通知按它筛选仍未通知的订阅，失败的投递因此会在下一轮重试。
	Bookable []domain.Date
	Warnings []string
}

// Openings 返回本轮新出现空床的日期（升序）。
func (o CalendarOps) Openings() []domain.Date {
	var out []domain.Date
	for _, d := range o.Days {
		if d.Opening {
			out = append(out, d.Date)
		}
	}
	return out
}

// FreeByName 按类别显示名汇总本轮写入的空床（别名类别合并）；未登记的类别记为 "#<id>"。
func (o CalendarOps) FreeByName(tbl domain.BedCategoryTable) map[string]int {
	out := make(map[string]int)
	for _, d := range o.Days {
		for _, a := range d.Upserts {
			if a.IsClosed() || a.FreeRoom <= 0 {
				continue
			}
			name := tbl.CommonName(a.BedCategoryID)
			if name == "" {
				name = fmt.Sprintf("#%d", a.BedCategoryID)
			}
			out[name] += a.FreeRoom
		}
	}
	return out
}

// Writes 是 upsert 与 delete 的总数。
func (o CalendarOps) Writes() int {
	n := 0
	for _, d := range o.Days {
		n += len(d.Upserts) + len(d.Deletes)
	}
	return n
}

// ReconcileCalendar 逐日把抓取结果与已存记录对账（每日全量替换）。
//
// 约束：
// - 关闭日：删除全部非哨兵行，哨兵行缺失时插入一条（已存在则不动）
// - 开放日：upsert 每个未关闭房间，删除关闭房间的行与哨兵行；
//   仅当 day.Complete 时删除本次未出现的类别（孤儿清理），且永不删除本次写入的行
// - 不完整的关闭日不做任何写入（无法区分“真闭馆”与“数据被截断”）
// - 未出现在 days 中的日期保持原样
func ReconcileCalendar(hutID int, existing []domain.Availability, days []domain.FetchedDay, now time.Time) CalendarOps {
	byDate := make(map[domain.Date]map[int]domain.Availability)
	for _, a := range existing {
		if a.HutID != hutID {
			continue
		}
		m := byDate[a.Date]
		if m == nil {
			m = make(map[int]domain.Availability)
			byDate[a.Date] = m
		}
		m[a.BedCategoryID] = a
	}

	sorted := append([]domain.FetchedDay(nil), days...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	out := CalendarOps{HutID: hutID}
	for _, day := range sorted {
		if day.Date.IsZero() {
			continue
		}
		stored := byDate[day.Date]
		ops := DayOps{Date: day.Date}

		open := openRooms(day)
		if day.Closed || len(open) == 0 {
			if !day.Complete {
				out.Warnings = append(out.Warnings, fmt.Sprintf("hut=%d date=%s 关闭日数据不完整，跳过对账", hutID, day.Date))
				continue
			}
			for _, cat := range sortedCategories(stored) {
				if cat != domain.BedCategoryClosed {
					ops.Deletes = append(ops.Deletes, stored[cat].Key())
				}
			}
			if _, ok := stored[domain.BedCategoryClosed]; !ok {
				ops.Upserts = append(ops.Upserts, domain.Availability{
					HutID:         hutID,
					Date:          day.Date,
					BedCategoryID: domain.BedCategoryClosed,
					LastUpdated:   now,
				})
			}
		} else {
			written := make(map[int]struct{}, len(open))
			seen := make(map[int]struct{}, len(day.Rooms))
			for _, r := range day.Rooms {
				seen[r.CategoryID] = struct{}{}
			}
			for _, r := range open {
				written[r.CategoryID] = struct{}{}
				ops.Upserts = append(ops.Upserts, domain.Availability{
					HutID:               hutID,
					Date:                day.Date,
					BedCategoryID:       r.CategoryID,
					TenantBedCategoryID: cloneInt(r.TenantCategoryID),
					FreeRoom:            r.Free,
					TotalRoom:           r.Total,
					LastUpdated:         now,
				})
			}
			for _, cat := range sortedCategories(stored) {
				if _, ok := written[cat]; ok {
					continue
				}
				_, inFetch := seen[cat]
				switch {
				case cat == domain.BedCategoryClosed:
					ops.Deletes = append(ops.Deletes, stored[cat].Key())
				case inFetch:
					// 本次明确报告为关闭的类别。
					ops.Deletes = append(ops.Deletes, stored[cat].Key())
				case day.Complete:
					ops.Deletes = append(ops.Deletes, stored[cat].Key())
				}
			}
			ops.Opening = freeOf(stored) <= 0 && day.FreeTotal() > 0
			if day.FreeTotal() > 0 {
				out.Bookable = append(out.Bookable, day.Date)
			}
		}

		if len(ops.Upserts) == 0 && len(ops.Deletes) == 0 {
			continue
		}
		out.Days = append(out.Days, ops)
	}
	return out
}

// openRooms 返回未关闭的房间；同一类别重复出现时后者为准。
func openRooms(day domain.FetchedDay) []domain.FetchedRoom {
	idx := make(map[int]int, len(day.Rooms))
	var out []domain.FetchedRoom
	for _, r := range day.Rooms {
		if r.Closed {
			continue
		}
		if i, ok := idx[r.CategoryID]; ok {
			out[i] = r
			continue
		}
		idx[r.CategoryID] = len(out)
		out = append(out, r)
	}
	return out
}

func freeOf(stored map[int]domain.Availability) int {
	n := 0
	for cat, a := range stored {
		if cat == domain.BedCategoryClosed || a.FreeRoom <= 0 {
			continue
		}
		n += a.FreeRoom
	}
	return n
}

func sortedCategories(stored map[int]domain.Availability) []int {
	out := make([]int, 0, len(stored))
	for cat := range stored {
		out = append(out, cat)
	}
	sort.Ints(out)
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CalendarWriter 是执行日历写操作所需的最小 Repository 子集。
type CalendarWriter interface {
	EnsureBedCategory(ctx context.Context, id int) error
	UpsertAvailability(ctx context.Context, a domain.Availability) error
	DeleteAvailability(ctx context.Context, key domain.AvailabilityKey) error
}

// Apply 按日期升序执行；每日先写后删。返回已执行的写操作数。
func (o CalendarOps) Apply(ctx context.Context, w CalendarWriter) (int, error) {
	ensured := make(map[int]struct{})
	n := 0
	for _, d := range o.Days {
		for _, a := range d.Upserts {
			if _, ok := ensured[a.BedCategoryID]; !ok {
				if err := w.EnsureBedCategory(ctx, a.BedCategoryID); err != nil {
					return n, fmt.Errorf("登记床位类别 %d 失败：%w", a.BedCategoryID, err)
				}
				ensured[a.BedCategoryID] = struct{}{}
			}
			if err := w.UpsertAvailability(ctx, a); err != nil {
				return n, fmt.Errorf("写入 %s/%d 失败：%w", a.Date, a.BedCategoryID, err)
			}
			n++
		}
		for _, k := range d.Deletes {
			if err := w.DeleteAvailability(ctx, k); err != nil {
				return n, fmt.Errorf("删除 %s/%d 失败：%w", k.Date, k.BedCategoryID, err)
			}
			n++
		}
	}
	return n, nil
}
