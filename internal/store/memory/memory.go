package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/store"
)

type state struct {
	huts      map[int]domain.Hut
	avail     map[domain.AvailabilityKey]domain.Availability
	cats      map[int]domain.BedCategory
	subs      map[domain.SubscriptionKey]domain.Subscription
	reporting map[reportKey]store.ReportingRow
}

type reportKey struct {
	Date  domain.Date
	HutID int
}

func newState() *state {
	return &state{
		huts:      make(map[int]domain.Hut),
		avail:     make(map[domain.AvailabilityKey]domain.Availability),
		cats:      make(map[int]domain.BedCategory),
		subs:      make(map[domain.SubscriptionKey]domain.Subscription),
		reporting: make(map[reportKey]store.ReportingRow),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.huts {
		out.huts[k] = v.Clone()
	}
	for k, v := range s.avail {
		out.avail[k] = cloneAvailability(v)
	}
	for k, v := range s.cats {
		out.cats[k] = v
	}
	for k, v := range s.subs {
		out.subs[k] = v
	}
	for k, v := range s.reporting {
		out.reporting[k] = v
	}
	return out
}

// Store 是进程内的 store.Store 实现（测试与无数据库的演练使用）。
//
// 约束：
// - 事务串行执行：WithinTx 期间其他读写等待
// - 事务在快照上工作，fn 出错时整体丢弃
type Store struct {
	mu sync.Mutex
	st *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&repo{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) do(fn func(r *repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&repo{st: s.st})
}

func (s *Store) GetUnit(ctx context.Context, id int) (h *domain.Hut, err error) {
	err = s.do(func(r *repo) error { h, err = r.GetUnit(ctx, id); return err })
	return h, err
}

func (s *Store) UpsertUnit(ctx context.Context, h domain.Hut) error {
	return s.do(func(r *repo) error { return r.UpsertUnit(ctx, h) })
}

func (s *Store) DeleteUnit(ctx context.Context, id int) error {
	return s.do(func(r *repo) error { return r.DeleteUnit(ctx, id) })
}

func (s *Store) GetAvailability(ctx context.Context, hutID int, date *domain.Date) (out []domain.Availability, err error) {
	err = s.do(func(r *repo) error { out, err = r.GetAvailability(ctx, hutID, date); return err })
	return out, err
}

func (s *Store) UpsertAvailability(ctx context.Context, a domain.Availability) error {
	return s.do(func(r *repo) error { return r.UpsertAvailability(ctx, a) })
}

func (s *Store) DeleteAvailability(ctx context.Context, key domain.AvailabilityKey) error {
	return s.do(func(r *repo) error { return r.DeleteAvailability(ctx, key) })
}

func (s *Store) EnsureBedCategory(ctx context.Context, id int) error {
	return s.do(func(r *repo) error { return r.EnsureBedCategory(ctx, id) })
}

func (s *Store) ListBedCategories(ctx context.Context) (out []domain.BedCategory, err error) {
	err = s.do(func(r *repo) error { out, err = r.ListBedCategories(ctx); return err })
	return out, err
}

func (s *Store) ListEnabledUnitIDs(ctx context.Context, src domain.Source) (out []int, err error) {
	err = s.do(func(r *repo) error { out, err = r.ListEnabledUnitIDs(ctx, src); return err })
	return out, err
}

func (s *Store) GetSubscriptions(ctx context.Context, hutID int, date domain.Date) (out []domain.Subscription, err error) {
	err = s.do(func(r *repo) error { out, err = r.GetSubscriptions(ctx, hutID, date); return err })
	return out, err
}

func (s *Store) MarkNotified(ctx context.Context, key domain.SubscriptionKey) error {
	return s.do(func(r *repo) error { return r.MarkNotified(ctx, key) })
}

func (s *Store) RefreshReporting(_ context.Context, day domain.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.st.reporting {
		if !k.Date.Before(day) {
			delete(s.st.reporting, k)
		}
	}
	for _, a := range s.st.avail {
		if a.Date.Before(day) || a.IsClosed() {
			continue
		}
		k := reportKey{Date: a.Date, HutID: a.HutID}
		row := s.st.reporting[k]
		row.Date, row.HutID = a.Date, a.HutID
		row.FreeRoom += a.FreeRoom
		row.TotalRoom += a.TotalRoom
		s.st.reporting[k] = row
	}
	return nil
}

func (s *Store) DeleteExpiredSubscriptions(_ context.Context, today domain.Date) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.st.subs {
		if v.Date.Before(today) {
			delete(s.st.subs, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

// PutSubscription 登记一个订阅（订阅的创建入口不在本系统内，测试与演练用）。
func (s *Store) PutSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.subs[sub.Key()] = sub
}

// PutBedCategory 写入类别（含别名）。
func (s *Store) PutBedCategory(c domain.BedCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.cats[c.ID] = c
}

// Subscriptions 返回全部订阅（按主键排序）。
func (s *Store) Subscriptions() []domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Subscription, 0, len(s.st.subs))
	for _, v := range s.st.subs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HutID != b.HutID {
			return a.HutID < b.HutID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.EmailAddress < b.EmailAddress
	})
	return out
}

// Reporting 返回当前每日汇总（按日期、单元排序）。
func (s *Store) Reporting() []store.ReportingRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ReportingRow, 0, len(s.st.reporting))
	for _, v := range s.st.reporting {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].HutID < out[j].HutID
	})
	return out
}

// repo 直接操作一个 state；由 Store 负责加锁。
type repo struct {
	st *state
}

func (r *repo) GetUnit(_ context.Context, id int) (*domain.Hut, error) {
	h, ok := r.st.huts[id]
	if !ok {
		return nil, nil
	}
	c := h.Clone()
	return &c, nil
}

func (r *repo) UpsertUnit(_ context.Context, h domain.Hut) error {
	if h.ID < 0 {
		return fmt.Errorf("非法单元 ID：%d", h.ID)
	}
	r.st.huts[h.ID] = h.Clone()
	return nil
}

// DeleteUnit 同时删除该单元的可用性与订阅（与外键级联一致）。
func (r *repo) DeleteUnit(_ context.Context, id int) error {
	delete(r.st.huts, id)
	for k := range r.st.avail {
		if k.HutID == id {
			delete(r.st.avail, k)
		}
	}
	for k := range r.st.subs {
		if k.HutID == id {
			delete(r.st.subs, k)
		}
	}
	return nil
}

func (r *repo) GetAvailability(_ context.Context, hutID int, date *domain.Date) ([]domain.Availability, error) {
	var out []domain.Availability
	for k, v := range r.st.avail {
		if k.HutID != hutID {
			continue
		}
		if date != nil && k.Date != *date {
			continue
		}
		out = append(out, cloneAvailability(v))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].BedCategoryID < out[j].BedCategoryID
	})
	return out, nil
}

func (r *repo) UpsertAvailability(_ context.Context, a domain.Availability) error {
	if _, ok := r.st.huts[a.HutID]; !ok {
		return fmt.Errorf("单元 %d 不存在：%w", a.HutID, store.ErrNotFound)
	}
	r.st.avail[a.Key()] = cloneAvailability(a)
	return nil
}

func (r *repo) DeleteAvailability(_ context.Context, key domain.AvailabilityKey) error {
	delete(r.st.avail, key)
	return nil
}

func (r *repo) EnsureBedCategory(_ context.Context, id int) error {
	if _, ok := r.st.cats[id]; ok {
		return nil
	}
	name := fmt.Sprintf("Kategorie %d", id)
	if id == domain.BedCategoryClosed {
		name = "Geschlossen"
	}
	r.st.cats[id] = domain.BedCategory{ID: id, Name: name}
	return nil
}

func (r *repo) ListBedCategories(_ context.Context) ([]domain.BedCategory, error) {
	out := make([]domain.BedCategory, 0, len(r.st.cats))
	for _, c := range r.st.cats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) ListEnabledUnitIDs(_ context.Context, src domain.Source) ([]int, error) {
	var out []int
	for id, h := range r.st.huts {
		if h.Enabled && h.Source == src {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (r *repo) GetSubscriptions(_ context.Context, hutID int, date domain.Date) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for k, v := range r.st.subs {
		if k.HutID == hutID && k.Date == date {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmailAddress < out[j].EmailAddress })
	return out, nil
}

func (r *repo) MarkNotified(_ context.Context, key domain.SubscriptionKey) error {
	v, ok := r.st.subs[key]
	if !ok {
		return fmt.Errorf("订阅 %+v：%w", key, store.ErrNotFound)
	}
	v.Notified = true
	r.st.subs[key] = v
	return nil
}

func cloneAvailability(a domain.Availability) domain.Availability {
	if a.TenantBedCategoryID != nil {
		v := *a.TenantBedCategoryID
		a.TenantBedCategoryID = &v
	}
	return a
}
