package store

import (
	"context"
	"errors"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

var (
	// ErrNotFound 表示按主键更新的目标不存在。读取不存在的单元不返回该错误（返回 nil）。
	ErrNotFound = errors.New("store: not found")
	// ErrDryRun 由调用方在 WithinTx 的回调里返回，用于“照常计算，最后回滚”。
	ErrDryRun = errors.New("store: dry-run rollback")
)

// Repository 是对账核心唯一依赖的存储接口。
//
// 约束：
// - Repository 只执行，不决定写什么（决定在 reconcile 包里做）
// - GetUnit 对不存在的单元返回 (nil, nil)
// - GetAvailability 的 date 为 nil 时返回该单元全部日期
type Repository interface {
	GetUnit(ctx context.Context, id int) (*domain.Hut, error)
	UpsertUnit(ctx context.Context, h domain.Hut) error
	DeleteUnit(ctx context.Context, id int) error

	GetAvailability(ctx context.Context, hutID int, date *domain.Date) ([]domain.Availability, error)
	UpsertAvailability(ctx context.Context, a domain.Availability) error
	DeleteAvailability(ctx context.Context, key domain.AvailabilityKey) error

	EnsureBedCategory(ctx context.Context, id int) error
	ListBedCategories(ctx context.Context) ([]domain.BedCategory, error)

	ListEnabledUnitIDs(ctx context.Context, src domain.Source) ([]int, error)

	GetSubscriptions(ctx context.Context, hutID int, date domain.Date) ([]domain.Subscription, error)
	MarkNotified(ctx context.Context, key domain.SubscriptionKey) error
}

// Store 在 Repository 之上提供单元级事务与周期级维护操作。
type Store interface {
	Repository

	// WithinTx 在一个事务内执行 fn；fn 返回任何错误（含 ErrDryRun）都回滚，并原样返回该错误。
	WithinTx(ctx context.Context, fn func(Repository) error) error

	// RefreshReporting 重算 day 起的每日汇总（周期末尾的报表步骤，幂等）。
	RefreshReporting(ctx context.Context, day domain.Date) error

	// DeleteExpiredSubscriptions 删除日期早于 today 的订阅，返回删除条数。
	DeleteExpiredSubscriptions(ctx context.Context, today domain.Date) (int, error)

	Close() error
}

// ReportingRow 是每日汇总的一行：某单元某日全部真实类别的空床/总床合计。
type ReportingRow struct {
	Date      domain.Date `json:"date"`
	HutID     int         `json:"hut_id"`
	FreeRoom  int         `json:"free_room"`
	TotalRoom int         `json:"total_room"`
}
