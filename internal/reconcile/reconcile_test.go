package reconcile

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

var now = time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }
func fp(f float64) *float64 { return &f }

// tableWriter 是以主键为索引的内存表，用来验证 Apply 后的最终状态。
type tableWriter struct {
	rows map[domain.AvailabilityKey]domain.Availability
	cats map[int]bool
}

func newTable(rows ...domain.Availability) *tableWriter {
	t := &tableWriter{rows: make(map[domain.AvailabilityKey]domain.Availability), cats: make(map[int]bool)}
	for _, r := range rows {
		t.rows[r.Key()] = r
	}
	return t
}

func (t *tableWriter) EnsureBedCategory(_ context.Context, id int) error {
	t.cats[id] = true
	return nil
}

func (t *tableWriter) UpsertAvailability(_ context.Context, a domain.Availability) error {
	t.rows[a.Key()] = a
	return nil
}

func (t *tableWriter) DeleteAvailability(_ context.Context, k domain.AvailabilityKey) error {
	delete(t.rows, k)
	return nil
}

func (t *tableWriter) list() []domain.Availability {
	out := make([]domain.Availability, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].BedCategoryID < out[j].BedCategoryID
	})
	return out
}

func (t *tableWriter) categoriesOn(d domain.Date) []int {
	var out []int
	for _, r := range t.list() {
		if r.Date == d {
			out = append(out, r.BedCategoryID)
		}
	}
	return out
}

func reconcileAndApply(t *testing.T, tbl *tableWriter, hutID int, days []domain.FetchedDay) CalendarOps {
	t.Helper()
	ops := ReconcileCalendar(hutID, tbl.list(), days, now)
	if _, err := ops.Apply(context.Background(), tbl); err != nil {
		t.Fatalf("Apply 失败：%v", err)
	}
	return ops
}

func TestReconcileCalendar_ScenarioC(t *testing.T) {
	const d = domain.Date("2024-06-01")
	old := now.Add(-24 * time.Hour)
	tbl := newTable(
		domain.Availability{HutID: 7, Date: d, BedCategoryID: 1, FreeRoom: 8, TotalRoom: 12, LastUpdated: old},
		domain.Availability{HutID: 7, Date: d, BedCategoryID: 9, FreeRoom: 2, TotalRoom: 4, LastUpdated: old},
	)
	day := domain.NewFetchedDay(d, []domain.FetchedRoom{
		{CategoryID: 1, Free: 3, Total: 10},
		{CategoryID: 2, Free: 0, Total: 5},
	}, true)

	ops := reconcileAndApply(t, tbl, 7, []domain.FetchedDay{day})

	if got := tbl.categoriesOn(d); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("期望类别 [1 2]，实际 %v", got)
	}
	c1 := tbl.rows[domain.AvailabilityKey{HutID: 7, Date: d, BedCategoryID: 1}]
	if c1.FreeRoom != 3 || c1.TotalRoom != 10 || !c1.LastUpdated.Equal(now) {
		t.Fatalf("类别 1 未更新：%+v", c1)
	}
	c2 := tbl.rows[domain.AvailabilityKey{HutID: 7, Date: d, BedCategoryID: 2}]
	if c2.FreeRoom != 0 || c2.TotalRoom != 5 {
		t.Fatalf("类别 2 未插入：%+v", c2)
	}
	if !tbl.cats[1] || !tbl.cats[2] {
		t.Fatalf("写入的类别应先登记：%v", tbl.cats)
	}
	if len(ops.Openings()) != 0 {
		t.Fatalf("原本就有空床，不应视为新开放：%v", ops.Openings())
	}
}

func TestReconcileCalendar_Idempotent(t *testing.T) {
	days := []domain.FetchedDay{
		domain.NewFetchedDay("2024-06-01", []domain.FetchedRoom{{CategoryID: 1, Free: 3, Total: 10}}, true),
		domain.NewFetchedDay("2024-06-02", nil, true),
		domain.NewFetchedDay("2024-06-03", []domain.FetchedRoom{{CategoryID: 1, Closed: true}, {CategoryID: 2, Free: 1, Total: 2}}, true),
	}
	tbl := newTable(domain.Availability{HutID: 7, Date: "2024-06-02", BedCategoryID: 4, FreeRoom: 1, TotalRoom: 1})

	reconcileAndApply(t, tbl, 7, days)
	first := tbl.list()
	second := reconcileAndApply(t, tbl, 7, days)
	if !reflect.DeepEqual(first, tbl.list()) {
		t.Fatalf("两次对账后状态不一致：\n%v\n%v", first, tbl.list())
	}
	for _, d := range second.Days {
		if len(d.Deletes) != 0 {
			t.Fatalf("第二次对账不应再删除：%+v", d)
		}
		for _, u := range d.Upserts {
			if u.BedCategoryID == domain.BedCategoryClosed {
				t.Fatalf("哨兵行已存在时不应再次写入：%+v", d)
			}
		}
	}
}

func TestReconcileCalendar_ClosedDayInvariant(t *testing.T) {
	const d = domain.Date("2024-06-05")
	tbl := newTable(
		domain.Availability{HutID: 3, Date: d, BedCategoryID: 1, FreeRoom: 4, TotalRoom: 10},
		domain.Availability{HutID: 3, Date: d, BedCategoryID: 2, FreeRoom: 0, TotalRoom: 10},
	)

	// 开放 -> 关闭
	reconcileAndApply(t, tbl, 3, []domain.FetchedDay{
		domain.NewFetchedDay(d, []domain.FetchedRoom{{CategoryID: 1, Closed: true}, {CategoryID: 2, Closed: true}}, true),
	})
	if got := tbl.categoriesOn(d); !reflect.DeepEqual(got, []int{domain.BedCategoryClosed}) {
		t.Fatalf("关闭日应只剩哨兵行，实际 %v", got)
	}
	s := tbl.rows[domain.AvailabilityKey{HutID: 3, Date: d, BedCategoryID: domain.BedCategoryClosed}]
	if s.FreeRoom != 0 || s.TotalRoom != 0 {
		t.Fatalf("哨兵行应为 0/0：%+v", s)
	}

	// 关闭 -> 开放（数据不完整也必须删除哨兵）
	ops := reconcileAndApply(t, tbl, 3, []domain.FetchedDay{
		domain.NewFetchedDay(d, []domain.FetchedRoom{{CategoryID: 1, Free: 2, Total: 10}}, false),
	})
	if got := tbl.categoriesOn(d); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("开放日不应保留哨兵行，实际 %v", got)
	}
	if o := ops.Openings(); len(o) != 1 || o[0] != d {
		t.Fatalf("关闭 -> 有空床应视为新开放：%v", o)
	}
}

func TestReconcileCalendar_OrphanCleanupRequiresComplete(t *testing.T) {
	const d = domain.Date("2024-06-01")
	seed := func() *tableWriter {
		return newTable(
			domain.Availability{HutID: 1, Date: d, BedCategoryID: 1, FreeRoom: 1, TotalRoom: 5},
			domain.Availability{HutID: 1, Date: d, BedCategoryID: 2, FreeRoom: 1, TotalRoom: 5},
		)
	}

	complete := seed()
	reconcileAndApply(t, complete, 1, []domain.FetchedDay{
		domain.NewFetchedDay(d, []domain.FetchedRoom{{CategoryID: 1, Free: 2, Total: 5}}, true),
	})
	if got := complete.categoriesOn(d); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("完整数据应清理孤儿类别，实际 %v", got)
	}

	partial := seed()
	reconcileAndApply(t, partial, 1, []domain.FetchedDay{
		domain.NewFetchedDay(d, []domain.FetchedRoom{{CategoryID: 1, Free: 2, Total: 5}}, false),
	})
	if got := partial.categoriesOn(d); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("不完整数据不得清理孤儿类别，实际 %v", got)
	}
}

func TestReconcileCalendar_IncompleteClosedDaySkipped(t *testing.T) {
	const d = domain.Date("2024-06-01")
	tbl := newTable(domain.Availability{HutID: 1, Date: d, BedCategoryID: 1, FreeRoom: 3, TotalRoom: 5})
	ops := reconcileAndApply(t, tbl, 1, []domain.FetchedDay{domain.NewFetchedDay(d, nil, false)})
	if len(ops.Days) != 0 || len(ops.Warnings) != 1 {
		t.Fatalf("不完整的关闭日应跳过并告警：%+v", ops)
	}
	if got := tbl.categoriesOn(d); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("不应有写入，实际 %v", got)
	}
}

func TestCalendarOps_FreeByNameMergesAliases(t *testing.T) {
	lager := 1
	tbl := domain.NewBedCategoryTable([]domain.BedCategory{
		{ID: 1, Name: "Lager"},
		{ID: 5, Name: "Matratzenlager", SharesNameWith: &lager},
		{ID: 2, Name: "Zimmer"},
	})
	ops := ReconcileCalendar(2, nil, []domain.FetchedDay{
		domain.NewFetchedDay("2024-06-01", []domain.FetchedRoom{{CategoryID: 1, Free: 3, Total: 5}, {CategoryID: 5, Free: 2, Total: 8}}, true),
		domain.NewFetchedDay("2024-06-02", []domain.FetchedRoom{{CategoryID: 2, Free: 1, Total: 4}, {CategoryID: 9, Free: 6, Total: 6}}, true),
		domain.NewFetchedDay("2024-06-03", nil, true),
	}, now)

	want := map[string]int{"Lager": 5, "Zimmer": 1, "#9": 6}
	if got := ops.FreeByName(tbl); !reflect.DeepEqual(got, want) {
		t.Fatalf("FreeByName 期望 %v，实际 %v", want, got)
	}
}

func TestReconcileCalendar_BookableCoversAlreadyOpenDates(t *testing.T) {
	tbl := newTable(
		domain.Availability{HutID: 2, Date: "2024-06-01", BedCategoryID: 1, FreeRoom: 3, TotalRoom: 5},
	)
	ops := ReconcileCalendar(2, tbl.list(), []domain.FetchedDay{
		domain.NewFetchedDay("2024-06-02", []domain.FetchedRoom{{CategoryID: 1, Free: 0, Total: 5}}, true),
		domain.NewFetchedDay("2024-06-01", []domain.FetchedRoom{{CategoryID: 1, Free: 3, Total: 5}}, true),
		domain.NewFetchedDay("2024-06-03", nil, true),
	}, now)

	if len(ops.Openings()) != 0 {
		t.Fatalf("原本就开放的日期不是新开放：%v", ops.Openings())
	}
	if want := []domain.Date{"2024-06-01"}; !reflect.DeepEqual(ops.Bookable, want) {
		t.Fatalf("Bookable 期望 %v，实际 %v", want, ops.Bookable)
	}
}

func TestReconcileCalendar_OpeningsAndUntouchedDates(t *testing.T) {
	tbl := newTable(
		domain.Availability{HutID: 2, Date: "2024-06-01", BedCategoryID: 1, FreeRoom: 0, TotalRoom: 5},
		domain.Availability{HutID: 2, Date: "2024-07-01", BedCategoryID: 1, FreeRoom: 4, TotalRoom: 5},
		domain.Availability{HutID: 99, Date: "2024-06-01", BedCategoryID: 1, FreeRoom: 0, TotalRoom: 5},
	)
	ops := ReconcileCalendar(2, tbl.list(), []domain.FetchedDay{
		domain.NewFetchedDay("2024-06-02", []domain.FetchedRoom{{CategoryID: 1, Free: 1, Total: 5}}, true),
		domain.NewFetchedDay("2024-06-01", []domain.FetchedRoom{{CategoryID: 1, Free: 2, Total: 5}}, true),
		domain.NewFetchedDay("2024-06-03", []domain.FetchedRoom{{CategoryID: 1, Free: 0, Total: 5}}, true),
	}, now)

	want := []domain.Date{"2024-06-01", "2024-06-02"}
	if got := ops.Openings(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Openings 期望 %v，实际 %v", want, got)
	}
	if ops.Days[0].Date != "2024-06-01" {
		t.Fatalf("操作应按日期升序：%+v", ops.Days)
	}
	for _, d := range ops.Days {
		for _, k := range d.Deletes {
			if k.Date == "2024-07-01" || k.HutID != 2 {
				t.Fatalf("未抓取的日期与其他单元不得被删除：%+v", k)
			}
		}
	}
	if ops.Writes() != 3 {
		t.Fatalf("期望 3 次写入，实际 %d", ops.Writes())
	}
}

func TestReconcileUnit_ScenarioA_NewUnit(t *testing.T) {
	ops := ReconcileUnit(nil, domain.FetchedUnit{ID: 42, Source: domain.SourceAlpsOnline, Name: "Blauhütte", Enabled: true}, nil, now)
	if ops.Action != UnitInsert || !ops.Activated {
		t.Fatalf("期望插入并激活：%+v", ops)
	}
	h := ops.Hut
	if h.ID != 42 || h.Name != "Blauhütte" || !h.Enabled {
		t.Fatalf("新单元字段不符：%+v", h)
	}
	if h.Added != "2024-06-01" || h.Activated == nil || *h.Activated != "2024-06-01" {
		t.Fatalf("added/activated 应为今天：%v %v", h.Added, h.Activated)
	}

	disabled := ReconcileUnit(nil, domain.FetchedUnit{ID: 43, Name: "Grünhütte"}, nil, now)
	if disabled.Hut.Activated != nil || disabled.Activated {
		t.Fatalf("未启用的新单元不应有 activated：%+v", disabled.Hut)
	}
}

func TestReconcileUnit_ScenarioB_Activation(t *testing.T) {
	existing := &domain.Hut{ID: 42, Name: "Blauhütte", Enabled: false, Added: "2023-01-01"}
	ops := ReconcileUnit(existing, domain.FetchedUnit{ID: 42, Name: "Blauhütte", Enabled: true}, nil, now)
	if ops.Action != UnitUpdate || !ops.Activated {
		t.Fatalf("期望更新并激活：%+v", ops)
	}
	if !ops.Hut.Enabled || ops.Hut.Activated == nil || *ops.Hut.Activated != "2024-06-01" {
		t.Fatalf("activated 应为今天：%+v", ops.Hut)
	}
	if ops.Hut.Added != "2023-01-01" {
		t.Fatalf("added 不应变化：%v", ops.Hut.Added)
	}

	again := ReconcileUnit(&ops.Hut, domain.FetchedUnit{ID: 42, Name: "Blauhütte", Enabled: true}, nil, now.Add(48*time.Hour))
	if again.Activated || *again.Hut.Activated != "2024-06-01" {
		t.Fatalf("保持启用不应重新记录 activated：%+v", again.Hut)
	}
}

func TestReconcileUnit_ManualEditPrecedence(t *testing.T) {
	existing := &domain.Hut{
		ID: 5, Name: "Original", Link: "old", ManuallyEdited: true,
		Country: strp("Schweiz"), Region: strp("Wallis"), Latitude: fp(46.1), Longitude: fp(7.5),
	}
	fetched := domain.FetchedUnit{
		ID: 5, Name: "Renamed", Link: "new", Enabled: true,
		Country: strp("Italia"), Latitude: fp(45.0), Longitude: fp(8.0),
	}
	if NeedsLocation(existing, fetched) {
		t.Fatalf("手工编辑的单元不需要解析位置")
	}
	loc := &Location{Latitude: fp(47), Longitude: fp(11), Country: strp("Österreich"), Region: strp("Tirol")}
	h := ReconcileUnit(existing, fetched, loc, now).Hut

	if h.Name != "Original" || *h.Country != "Schweiz" || *h.Region != "Wallis" || *h.Latitude != 46.1 || *h.Longitude != 7.5 {
		t.Fatalf("手工编辑的字段被覆盖：%+v", h)
	}
	if !h.Enabled || h.Link != "new" || !h.LastUpdated.Equal(now) {
		t.Fatalf("enabled/link/lastUpdated 应更新：%+v", h)
	}
}

func TestReconcileUnit_MergeByNonNull(t *testing.T) {
	existing := &domain.Hut{ID: 8, Name: "Hütte", Country: strp("Österreich"), Region: strp("Tyrol"), Website: "http://a"}
	fetched := domain.FetchedUnit{ID: 8, Name: "Hütte", Enabled: true}
	loc := &Location{Latitude: fp(47.2), Longitude: fp(11.4), Country: nil, Region: nil}

	if !NeedsLocation(existing, fetched) {
		t.Fatalf("缺坐标的单元需要解析位置")
	}
	h := ReconcileUnit(existing, fetched, loc, now).Hut
	if h.Region == nil || *h.Region != "Tyrol" || h.Country == nil || *h.Country != "Österreich" {
		t.Fatalf("解析结果为空时不得覆盖已知值：%v %v", h.Region, h.Country)
	}
	if h.Latitude == nil || *h.Latitude != 47.2 {
		t.Fatalf("解析出的坐标应写入：%v", h.Latitude)
	}
	if h.Website != "http://a" {
		t.Fatalf("上游网站为空时应保留已知值：%q", h.Website)
	}

	resolved := ReconcileUnit(existing, domain.FetchedUnit{ID: 8, Name: "Hütte", Country: strp("Austria")}, &Location{Country: strp("Österreich"), Region: strp("Tirol")}, now).Hut
	if *resolved.Country != "Österreich" || *resolved.Region != "Tirol" {
		t.Fatalf("解析结果应优先于上游声明：%v %v", *resolved.Country, *resolved.Region)
	}
}

func TestReconcileUnit_GuessedCountryIsFallbackOnly(t *testing.T) {
	existing := &domain.Hut{ID: 8, Name: "Hütte", Country: strp("Italien"), Region: strp("Südtirol"), Latitude: fp(46.5), Longitude: fp(11.3)}
	fetched := domain.FetchedUnit{ID: 8, Name: "Hütte", Enabled: true, CountryGuess: strp("Italia")}

	if NeedsLocation(existing, fetched) {
		t.Fatalf("坐标合理且国家已知的单元不需要解析位置")
	}
	if h := ReconcileUnit(existing, fetched, nil, now).Hut; h.Country == nil || *h.Country != "Italien" {
		t.Fatalf("推断的国家不得覆盖已解析的国家：%v", h.Country)
	}

	fresh := ReconcileUnit(nil, fetched, &Location{Country: strp("Italien")}, now).Hut
	if *fresh.Country != "Italien" {
		t.Fatalf("解析结果应优先于推断：%v", *fresh.Country)
	}
	fallback := ReconcileUnit(nil, fetched, &Location{}, now).Hut
	if fallback.Country == nil || *fallback.Country != "Italia" {
		t.Fatalf("解析不到国家时应退回推断值：%v", fallback.Country)
	}
}

func TestNeedsLocation_MissingCountry(t *testing.T) {
	existing := &domain.Hut{ID: 8, Name: "Hütte", Latitude: fp(46.5), Longitude: fp(11.3)}
	if !NeedsLocation(existing, domain.FetchedUnit{Name: "Hütte"}) {
		t.Fatalf("国家未知的单元应重新解析")
	}
}

func TestReconcileUnit_ImplausibleCoordinatesNotWritten(t *testing.T) {
	loc := &Location{Latitude: fp(10), Longitude: fp(10)}
	h := ReconcileUnit(nil, domain.FetchedUnit{ID: 9, Name: "Weit weg", Latitude: fp(10), Longitude: fp(10)}, loc, now).Hut
	if h.Latitude != nil || h.Longitude != nil {
		t.Fatalf("范围框外的坐标不得写入：%v %v", h.Latitude, h.Longitude)
	}

	existing := &domain.Hut{ID: 9, Name: "Weit weg", Latitude: fp(10), Longitude: fp(10)}
	if !NeedsLocation(existing, domain.FetchedUnit{Name: "Weit weg"}) {
		t.Fatalf("已存不合理坐标应触发重新解析")
	}
}

func TestReconcileUnit_Excluded(t *testing.T) {
	existing := &domain.Hut{ID: 11, Name: "Test"}
	if ops := ReconcileUnit(existing, domain.FetchedUnit{ID: 11, Name: "Test"}, nil, now); ops.Action != UnitDelete {
		t.Fatalf("已存的测试单元应删除：%+v", ops)
	}
	if ops := ReconcileUnit(nil, domain.FetchedUnit{ID: 12, Name: " ZZZ TEST, TEST "}, nil, now); ops.Action != UnitSkip {
		t.Fatalf("新的测试单元应跳过：%+v", ops)
	}
	if NeedsLocation(nil, domain.FetchedUnit{Name: "Testhütte Carolin"}) {
		t.Fatalf("排除名单单元不需要解析位置")
	}
	if IsExcluded("Testhütte") {
		t.Fatalf("只做精确匹配")
	}
}

func TestUnitOps_Apply(t *testing.T) {
	w := &unitRecorder{}
	_ = UnitOps{Action: UnitInsert, Hut: domain.Hut{ID: 1}}.Apply(context.Background(), w)
	_ = UnitOps{Action: UnitDelete, Hut: domain.Hut{ID: 2}}.Apply(context.Background(), w)
	_ = UnitOps{Action: UnitSkip, Hut: domain.Hut{ID: 3}}.Apply(context.Background(), w)
	if !reflect.DeepEqual(w.upserts, []int{1}) || !reflect.DeepEqual(w.deletes, []int{2}) {
		t.Fatalf("Apply 分派不符：%+v", w)
	}
	if err := (UnitOps{Action: "bogus"}).Apply(context.Background(), w); err == nil {
		t.Fatalf("未知操作应报错")
	}
}

type unitRecorder struct {
	upserts []int
	deletes []int
}

func (r *unitRecorder) UpsertUnit(_ context.Context, h domain.Hut) error {
	r.upserts = append(r.upserts, h.ID)
	return nil
}

func (r *unitRecorder) DeleteUnit(_ context.Context, id int) error {
	r.deletes = append(r.deletes, id)
	return nil
}
