package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/alpinehuts/internal/domain"
)

const (
	StageFetch = "fetch"
	StageParse = "parse"
)

// Error 是 provider 阶段的可追溯错误。
// 上层据此把失败归类为 fetch_failed / parse_failed / not_found。
type Error struct {
	Provider string
	Stage    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider=%s stage=%s: %v", e.Provider, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FetchParseUnit 抓取并解析单个单元。返回的 RawPage 供调用方存档。
func FetchParseUnit(ctx context.Context, p Provider, c *http.Client, hutID int) (domain.FetchedUnit, RawPage, error) {
	if p == nil {
		return domain.FetchedUnit{}, RawPage{}, errors.New("provider 不能为空")
	}
	name := string(p.Source())

	page, err := p.FetchUnit(ctx, c, hutID)
	if err != nil {
		return domain.FetchedUnit{}, RawPage{}, &Error{Provider: name, Stage: StageFetch, Err: err}
	}
	u, err := p.ParseUnit(hutID, page)
	if err != nil {
		return domain.FetchedUnit{}, page, &Error{Provider: name, Stage: StageParse, Err: err}
	}
	u.ID = hutID
	u.Source = p.Source()
	return u, page, nil
}

// CalendarResult 是一个单元的日历抓取结果。
type CalendarResult struct {
	Pages    []RawPage
	Days     []domain.FetchedDay
	Warnings []string
}

// FetchParseCalendar 抓取全部日历分页并逐页解析。
//
// 某页解析失败时该页的日期全部丢弃（不参与对账），其余页照常返回；
// 抓取中途失败时返回已得到的结果与 fetch 阶段错误。
func FetchParseCalendar(ctx context.Context, p Provider, c *http.Client, hut domain.Hut, from domain.Date) (CalendarResult, error) {
	if p == nil {
		return CalendarResult{}, errors.New("provider 不能为空")
	}
	name := string(p.Source())

	pages, ferr := p.FetchCalendar(ctx, c, hut, from)
	out := CalendarResult{Pages: pages}
	seen := make(map[domain.Date]int)
	for _, pg := range pages {
		days, warns, err := p.ParseCalendar(hut.ID, pg)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s 解析失败，已跳过：%v", pg.Name, err))
			continue
		}
		out.Warnings = append(out.Warnings, warns...)
		for _, d := range days {
			// 窗口重叠时以后出现的分页为准。
			if idx, ok := seen[d.Date]; ok {
				out.Days[idx] = d
				continue
			}
			seen[d.Date] = len(out.Days)
			out.Days = append(out.Days, d)
		}
	}
	if ferr != nil {
		return out, &Error{Provider: name, Stage: StageFetch, Err: ferr}
	}
	return out, nil
}
