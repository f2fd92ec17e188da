package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

// Location 是 LocationResolver 针对一个单元得出的结果。任何字段为 nil 都表示“未知”。
type Location struct {
	Latitude  *float64
	Longitude *float64
	Country   *string
	Region    *string
}

func (l *Location) hasCoordinates() bool {
	return l != nil && l.Latitude != nil && l.Longitude != nil
}

// UnitAction 是单元对账的结论。
type UnitAction string

const (
	UnitInsert UnitAction = "insert"
	UnitUpdate UnitAction = "update"
	UnitDelete UnitAction = "delete"
	// UnitSkip 表示不写任何东西（例如排除名单里的新单元）。
	UnitSkip UnitAction = "skip"
)

// UnitOps 是 ReconcileUnit 的输出：Hut 是写入后的完整快照（Delete/Skip 时只有 ID 有意义）。
type UnitOps struct {
	Action UnitAction
	Hut    domain.Hut
	Reason string

	// Activated 表示本次把 enabled 从 false 翻到 true（或新单元即启用）。
	Activated bool
}

// NeedsLocation 判断是否值得调用 LocationResolver。
//
// 约束：
// - 新单元：总是需要（至少要补国家/地区）
// - 手工编辑过的单元：永不需要
// - 其余：已存坐标缺失或不合理，或国家未知
func NeedsLocation(existing *domain.Hut, fetched domain.FetchedUnit) bool {
	if IsExcluded(fetched.Name) {
		return false
	}
	if existing == nil {
		return true
	}
	if existing.ManuallyEdited {
		return false
	}
	if existing.Country == nil || *existing.Country == "" {
		return true
	}
	return !existing.HasPlausibleCoordinates()
}

// ReconcileUnit 按固定顺序应用规则：
// 1) 排除名单：已存 => 删除；未存 => 跳过
// 2) 新单元：插入，added=今天，启用则 activated=今天
// 3) 手工编辑：只更新 enabled/link/lastUpdated
// 4) 其余：覆盖名称/链接/启用；enabled 由 false 变 true 时记 activated；
//    坐标/国家/地区/网站/海拔按“非空才覆盖”合并，解析结果优先于上游声明
func ReconcileUnit(existing *domain.Hut, fetched domain.FetchedUnit, loc *Location, now time.Time) UnitOps {
	today := domain.DateOf(now)

	if IsExcluded(fetched.Name) {
		if existing != nil {
			return UnitOps{Action: UnitDelete, Hut: domain.Hut{ID: existing.ID, Name: existing.Name}, Reason: "排除名单"}
		}
		return UnitOps{Action: UnitSkip, Hut: domain.Hut{ID: fetched.ID, Name: fetched.Name}, Reason: "排除名单"}
	}

	if existing == nil {
		h := domain.Hut{
			ID:          fetched.ID,
			Name:        fetched.Name,
			Source:      fetched.Source,
			Link:        fetched.Link,
			Website:     fetched.Website,
			Altitude:    fetched.Altitude,
			Enabled:     fetched.Enabled,
			Added:       today,
			LastUpdated: now,
		}
		mergeLocation(&h, fetched, loc)
		if fetched.Enabled {
			d := today
			h.Activated = &d
		}
		return UnitOps{Action: UnitInsert, Hut: h.Clone(), Activated: fetched.Enabled}
	}

	h := existing.Clone()
	if h.ManuallyEdited {
		h.Enabled = fetched.Enabled
		if fetched.Link != "" {
			h.Link = fetched.Link
		}
		h.LastUpdated = now
		return UnitOps{Action: UnitUpdate, Hut: h, Reason: "手工编辑"}
	}

	activated := !existing.Enabled && fetched.Enabled
	h.Name = fetched.Name
	if fetched.Link != "" {
		h.Link = fetched.Link
	}
	if fetched.Website != "" {
		h.Website = fetched.Website
	}
	if fetched.Source != "" {
		h.Source = fetched.Source
	}
	if fetched.Altitude != nil {
		v := *fetched.Altitude
		h.Altitude = &v
	}
	h.Enabled = fetched.Enabled
	if activated {
		d := today
		h.Activated = &d
	}
	mergeLocation(&h, fetched, loc)
	h.LastUpdated = now
	return UnitOps{Action: UnitUpdate, Hut: h, Activated: activated}
}

// mergeLocation：坐标成对取值，顺序为 解析结果 > 上游声明 > 已存；
// 国家/地区逐字段 coalesce，同样的顺序；推断的国家排在最后。
func mergeLocation(h *domain.Hut, fetched domain.FetchedUnit, loc *Location) {
	switch {
	case loc.hasCoordinates() && domain.PlausibleCoordinates(*loc.Latitude, *loc.Longitude):
		h.Latitude, h.Longitude = floatPtr(*loc.Latitude), floatPtr(*loc.Longitude)
	case fetched.Latitude != nil && fetched.Longitude != nil && domain.PlausibleCoordinates(*fetched.Latitude, *fetched.Longitude):
		h.Latitude, h.Longitude = floatPtr(*fetched.Latitude), floatPtr(*fetched.Longitude)
	}

	var locCountry, locRegion *string
	if loc != nil {
		locCountry, locRegion = loc.Country, loc.Region
	}
	h.Country = coalesce(locCountry, fetched.Country, h.Country, fetched.CountryGuess)
	h.Region = coalesce(locRegion, fetched.Region, h.Region)
}

func coalesce(vals ...*string) *string {
	for _, v := range vals {
		if v != nil && *v != "" {
			s := *v
			return &s
		}
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }

// UnitWriter 是执行单元写操作所需的最小 Repository 子集。
type UnitWriter interface {
	UpsertUnit(ctx context.Context, h domain.Hut) error
	DeleteUnit(ctx context.Context, id int) error
}

// Apply 把决定交给 Repository 执行；Skip 不产生任何写入。
func (o UnitOps) Apply(ctx context.Context, w UnitWriter) error {
	switch o.Action {
	case UnitInsert, UnitUpdate:
		return w.UpsertUnit(ctx, o.Hut)
	case UnitDelete:
		return w.DeleteUnit(ctx, o.Hut.ID)
	case UnitSkip:
		return nil
	default:
		return fmt.Errorf("未知单元操作：%q", o.Action)
	}
}
