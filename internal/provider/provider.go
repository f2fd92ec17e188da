package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

// ErrNotFound 表示上游明确答复“该单元不存在”。这是业务结果，不是故障，也不重试。
var ErrNotFound = errors.New("provider: unit not found")

// RawPage 是一次抓取得到的原始载荷。
type RawPage struct {
	URL  string
	Body []byte
	// Name 是存档文件名（例如 "calendar-2024-06-01.json"）。
	Name string
	// Window 是日历分页的起始日；单元页为空。
	Window domain.Date
}

// Provider 把“站点变化”限制在各 provider 子包内部；核心流程只依赖该接口与 domain 类型。
//
// 约束：
// - Fetch* 不做重试、不做限速（由注入的 http.Client 统一实现）
// - Parse* 必须是纯函数：相同输入 => 相同输出
// - FetchUnit 对“不存在”返回 ErrNotFound（可被 errors.Is 识别）
// - FetchCalendar 按日期递增返回分页；中途失败时返回已成功的分页和错误
type Provider interface {
	Source() domain.Source

	FetchUnit(ctx context.Context, c *http.Client, hutID int) (RawPage, error)
	ParseUnit(hutID int, page RawPage) (domain.FetchedUnit, error)

	FetchCalendar(ctx context.Context, c *http.Client, hut domain.Hut, from domain.Date) ([]RawPage, error)
	ParseCalendar(hutID int, page RawPage) (days []domain.FetchedDay, warnings []string, err error)
}

// Lister 由“以列表接口枚举单元”的来源实现，替代按 ID 区间探测。
type Lister interface {
	ListUnitIDs(ctx context.Context, c *http.Client) ([]int, error)
}
