package activity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/alpinehuts/internal/app/planner"
	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/geo"
	"github.com/John-Robertt/alpinehuts/internal/infra/cache"
	"github.com/John-Robertt/alpinehuts/internal/infra/lock"
	"github.com/John-Robertt/alpinehuts/internal/infra/logx"
	"github.com/John-Robertt/alpinehuts/internal/notify"
	"github.com/John-Robertt/alpinehuts/internal/provider"
	"github.com/John-Robertt/alpinehuts/internal/store"
)

const (
	defaultUnitTimeout = 5 * time.Minute
	defaultMaxHutID    = 600
	defaultStride      = 7
)

// LocationResolver 是 geo.Resolver 的消费侧接口。
type LocationResolver interface {
	ResolveCoordinates(ctx context.Context, name string) (*geo.Coordinates, error)
	ResolveRegion(ctx context.Context, lat, lon float64) (*geo.Region, error)
}

// Notifier 是 notify.Gate 的消费侧接口。
type Notifier interface {
	Notify(ctx context.Context, repo notify.Repository, hut domain.Hut, dates []domain.Date) (notify.Result, error)
}

// Deps 是单元活动的全部依赖；除 Registry/Store 外都可为空。
type Deps struct {
	Registry provider.Registry
	// Clients 按来源提供已配置重试/限速的客户端；缺省用 http.DefaultClient。
	Clients map[domain.Source]*http.Client
	Store   store.Store
	Locker  lock.Locker
	Geo     LocationResolver
	Notify  Notifier
	// Archive 非空且可写时，把上游原始载荷存档。
	Archive *cache.Store
	Logger  logrus.FieldLogger

	Now         func() time.Time
	UnitTimeout time.Duration
	DryRun      bool

	// MaxHutID/Stride 控制按 ID 探测的发现轮转。
	MaxHutID int
	Stride   int
}

// Activities 承载所有有副作用的单元级步骤（抓取、地理解析、存储、通知）。
//
// 约束：
// - 每个单元的失败只体现在它自己的 UnitResult 中，不返回 error
// - 单元级 context 带超时；超时只影响该单元
// - 同一单元同一时刻只允许一个流程处理（Locker）
type Activities struct {
	d   Deps
	log logrus.FieldLogger
}

func New(d Deps) *Activities {
	if d.Locker == nil {
		d.Locker = lock.NewMemory()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.UnitTimeout <= 0 {
		d.UnitTimeout = defaultUnitTimeout
	}
	if d.MaxHutID <= 0 {
		d.MaxHutID = defaultMaxHutID
	}
	if d.Stride <= 0 {
		d.Stride = defaultStride
	}
	lg := d.Logger
	if lg == nil {
		lg = logx.Discard()
	}
	return &Activities{d: d, log: lg}
}

// Run 按周期类型分派到 UpdateHut 或 UpdateAvailability。
func (a *Activities) Run(ctx context.Context, cycle domain.Cycle, hutID int) domain.UnitResult {
	if cycle.Kind == domain.CycleKindHuts {
		return a.UpdateHut(ctx, hutID)
	}
	return a.UpdateAvailability(ctx, hutID)
}

// Candidates 返回周期的候选单元 ID（升序）。
//
// - huts：提供列表接口的来源用列表；其余按 ID 轮转探测（每天 1/Stride）
// - availability：存储中已启用的该来源单元
func (a *Activities) Candidates(ctx context.Context, cycle domain.Cycle) ([]int, error) {
	if cycle.Kind == domain.CycleKindAvailability {
		return a.d.Store.ListEnabledUnitIDs(ctx, cycle.Source)
	}
	p, ok := a.d.Registry.Get(cycle.Source)
	if !ok {
		return nil, fmt.Errorf("未注册来源：%s", cycle.Source)
	}
	if l, ok := p.(provider.Lister); ok {
		return l.ListUnitIDs(ctx, a.client(cycle.Source))
	}
	ids := planner.DiscoveryIDs(planner.DiscoveryStart(a.d.Now()), a.d.MaxHutID, a.d.Stride)
	return planner.Offset(ids, cycle.Source.Offset()), nil
}

// RefreshReporting 在 apply 模式下重算今天起的每日汇总。
func (a *Activities) RefreshReporting(ctx context.Context) error {
	if a.d.DryRun {
		return nil
	}
	return a.d.Store.RefreshReporting(ctx, domain.DateOf(a.d.Now()))
}

func (a *Activities) client(src domain.Source) *http.Client {
	if c := a.d.Clients[src]; c != nil {
		return c
	}
	return http.DefaultClient
}

// begin 做单元级的公共准备：来源解析、超时、加锁。
// 返回的 done 必须调用；res 非 nil 表示该单元已在准备阶段结束。
func (a *Activities) begin(ctx context.Context, hutID int) (context.Context, provider.Provider, func(), *domain.UnitResult) {
	src, ok := domain.SourceOf(hutID)
	if !ok {
		return ctx, nil, func() {}, &domain.UnitResult{HutID: hutID, Status: domain.StatusFailed, ErrorCode: domain.ErrCodeConfigInvalid, ErrorMsg: "ID 不属于任何来源区间"}
	}
	p, ok := a.d.Registry.Get(src)
	if !ok {
		return ctx, nil, func() {}, &domain.UnitResult{HutID: hutID, Status: domain.StatusFailed, ErrorCode: domain.ErrCodeConfigInvalid, ErrorMsg: fmt.Sprintf("未注册来源：%s", src)}
	}

	uctx, cancel := context.WithTimeout(ctx, a.d.UnitTimeout)
	unlock, err := a.d.Locker.TryLock(uctx, hutID)
	if err != nil {
		cancel()
		if errors.Is(err, lock.ErrLocked) {
			return ctx, nil, func() {}, &domain.UnitResult{HutID: hutID, Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeLocked, ErrorMsg: "单元正在被其他流程处理"}
		}
		res := failure(hutID, err)
		return ctx, nil, func() {}, &res
	}
	return uctx, p, func() {
		unlock()
		cancel()
	}, nil
}

func (a *Activities) unitLog(hutID int, src domain.Source) logrus.FieldLogger {
	return a.log.WithFields(logrus.Fields{"hut_id": hutID, "source": string(src)})
}

func (a *Activities) archive(src domain.Source, hutID int, pages ...provider.RawPage) {
	if a.d.Archive == nil || a.d.Archive.ReadOnly || a.d.DryRun {
		return
	}
	for _, pg := range pages {
		if pg.Name == "" || len(pg.Body) == 0 {
			continue
		}
		if err := a.d.Archive.WriteRaw(string(src), hutID, pg.Name, pg.Body); err != nil {
			a.unitLog(hutID, src).WithError(err).Warn("原始载荷存档失败")
		}
	}
}

// commit 在单元事务里执行 fn；dry-run 时照常计算后回滚。
func (a *Activities) commit(ctx context.Context, fn func(store.Repository) error) error {
	err := a.d.Store.WithinTx(ctx, func(r store.Repository) error {
		if err := fn(r); err != nil {
			return err
		}
		if a.d.DryRun {
			return store.ErrDryRun
		}
		return nil
	})
	if errors.Is(err, store.ErrDryRun) {
		return nil
	}
	return err
}
