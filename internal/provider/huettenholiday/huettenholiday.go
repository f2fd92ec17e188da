package huettenholiday

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/infra/httpx"
	providerx "github.com/John-Robertt/alpinehuts/internal/provider"
)

const (
	defaultBaseURL = "https://www.huetten-holiday.com"
	defaultMonths  = 6
	maxListPages   = 200

	xsrfCookie    = "XSRF-TOKEN"
	sessionCookie = "huettenholiday_session"

	// 上游只提供一个合成类别（"Zimmer"）。
	roomCategoryID = 2
)

// Provider 实现第三方小屋平台的 JSON API。
//
// 约束：
// - 单元元数据只能从分页列表接口获得；ListUnitIDs 会刷新内存目录，FetchUnit 优先查目录
// - 日历接口要求先 GET 小屋页拿到 XSRF-TOKEN 与会话 cookie，再逐月 POST
// - 零值不可用，必须通过 New 构造
type Provider struct {
	baseURL string
	months  int

	mu      sync.Mutex
	catalog map[int]json.RawMessage
	// gen 在每次目录替换时递增，用于判断等待期间是否已有人刷新过。
	gen uint64

	// refreshMu 串行化目录未命中时的整表刷新。
	refreshMu sync.Mutex
}

// New 构造 Provider；baseURL 为空时使用 https://www.huetten-holiday.com，months<=0 时取 6。
func New(baseURL string, months int) *Provider {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if u == "" {
		u = defaultBaseURL
	}
	if months <= 0 {
		months = defaultMonths
	}
	return &Provider{baseURL: u, months: months, catalog: make(map[int]json.RawMessage)}
}

func (*Provider) Source() domain.Source { return domain.SourceHuettenHoliday }

type listPageDTO struct {
	CurrentPage int               `json:"current_page"`
	Data        []json.RawMessage `json:"data"`
	LastPage    int               `json:"last_page"`
	NextPageURL *string           `json:"next_page_url"`
}

type localizedDTO struct {
	En string `json:"en"`
	De string `json:"de"`
	It string `json:"it"`
}

type cabinDTO struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Slug      string   `json:"slug"`
	Website   *string  `json:"website"`
	Altitude  *float64 `json:"altitude"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	IsDelete  bool     `json:"is_delete"`
	Region    *struct {
		Name localizedDTO `json:"name"`
	} `json:"region"`
	Country *struct {
		Code string       `json:"code"`
		Name localizedDTO `json:"name"`
	} `json:"country"`
}

// ListUnitIDs 跟随 next_page_url 遍历全部分页，返回未删除小屋的全局 ID（升序）。
func (p *Provider) ListUnitIDs(ctx context.Context, c *http.Client) ([]int, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	catalog := make(map[int]json.RawMessage)
	next := p.baseURL + "/get-cabins?page=1"
	for n := 0; next != ""; n++ {
		if n >= maxListPages {
			return nil, fmt.Errorf("分页超过上限 %d，疑似 next_page_url 循环", maxListPages)
		}
		hdr := http.Header{}
		hdr.Set("Accept", "application/json")
		body, _, err := providerx.Get(ctx, c, next, hdr)
		if err != nil {
			return nil, fmt.Errorf("列表页 %s 抓取失败：%w", next, err)
		}
		var page listPageDTO
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("列表页 %s 无法解析：%w", next, err)
		}
		for _, raw := range page.Data {
			var cab cabinDTO
			if err := json.Unmarshal(raw, &cab); err != nil {
				return nil, fmt.Errorf("小屋条目无法解析：%w", err)
			}
			if cab.IsDelete {
				continue
			}
			id, err := domain.SourceHuettenHoliday.UnitID(cab.ID)
			if err != nil {
				return nil, err
			}
			catalog[id] = raw
		}
		next = ""
		if page.NextPageURL != nil {
			next = strings.TrimSpace(*page.NextPageURL)
		}
	}

	p.mu.Lock()
	p.catalog = catalog
	p.gen++
	p.mu.Unlock()

	ids := make([]int, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (p *Provider) lookup(hutID int) (json.RawMessage, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.catalog[hutID]
	return raw, p.gen, ok
}

// FetchUnit 从目录取出单元条目；目录里没有时刷新一次。刷新后仍没有 => ErrNotFound。
//
// 约束：同一批并发未命中的单元只触发一次整表刷新，其余等待并复用刷新结果。
func (p *Provider) FetchUnit(ctx context.Context, c *http.Client, hutID int) (providerx.RawPage, error) {
	raw, seen, ok := p.lookup(hutID)
	if !ok {
		var err error
		if raw, err = p.refreshFor(ctx, c, hutID, seen); err != nil {
			return providerx.RawPage{}, err
		}
	}
	return providerx.RawPage{
		URL:  p.baseURL + "/get-cabins",
		Body: append([]byte(nil), raw...),
		Name: "cabin.json",
	}, nil
}

// refreshFor 在 seen 代之后尚无人刷新时刷新目录，然后再查一次。
func (p *Provider) refreshFor(ctx context.Context, c *http.Client, hutID int, seen uint64) (json.RawMessage, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	raw, gen, ok := p.lookup(hutID)
	if ok {
		return raw, nil
	}
	if gen == seen {
		if _, err := p.ListUnitIDs(ctx, c); err != nil {
			return nil, err
		}
		if raw, _, ok = p.lookup(hutID); ok {
			return raw, nil
		}
	}
	return nil, providerx.ErrNotFound
}

func (p *Provider) ParseUnit(hutID int, page providerx.RawPage) (domain.FetchedUnit, error) {
	var cab cabinDTO
	if err := json.Unmarshal(page.Body, &cab); err != nil {
		return domain.FetchedUnit{}, fmt.Errorf("小屋 JSON 无法解析：%w", err)
	}
	name := strings.TrimSpace(cab.Name)
	if name == "" {
		return domain.FetchedUnit{}, errors.New("小屋名称为空")
	}
	if strings.TrimSpace(cab.Slug) == "" {
		return domain.FetchedUnit{}, errors.New("小屋 slug 为空")
	}

	out := domain.FetchedUnit{
		ID:      hutID,
		Source:  domain.SourceHuettenHoliday,
		Name:    name,
		Link:    p.baseURL + "/huts/" + url.PathEscape(cab.Slug),
		Enabled: true,
	}
	if cab.Website != nil {
		out.Website = normalizeWebsite(*cab.Website)
	}
	if cab.Latitude != nil && cab.Longitude != nil && domain.PlausibleCoordinates(*cab.Latitude, *cab.Longitude) {
		lat, lon := *cab.Latitude, *cab.Longitude
		out.Latitude, out.Longitude = &lat, &lon
	}
	if cab.Altitude != nil {
		alt := int(*cab.Altitude)
		out.Altitude = &alt
	}
	if cab.Country != nil {
		if s := strings.TrimSpace(cab.Country.Name.De); s != "" {
			out.Country = &s
		}
	}
	if cab.Region != nil {
		if s := strings.TrimSpace(cab.Region.Name.De); s != "" {
			out.Region = &s
		}
	}
	return out, nil
}

type monthPayload struct {
	CabinID          int           `json:"cabinId"`
	SelectedMonth    selectedMonth `json:"selectedMonth"`
	MultipleCalendar bool          `json:"multipleCalendar"`
}

type selectedMonth struct {
	MonthNumber int `json:"monthNumber"`
	Year        int `json:"year"`
}

// FetchCalendar 先取会话 cookie，再从 from 所在月份起逐月 POST。
// 某月失败即停止，返回此前已成功的月份。
func (p *Provider) FetchCalendar(ctx context.Context, c *http.Client, hut domain.Hut, from domain.Date) ([]providerx.RawPage, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	link := strings.TrimSpace(hut.Link)
	if link == "" {
		return nil, fmt.Errorf("hut=%d 缺少预订链接，无法建立会话", hut.ID)
	}

	_, resp, err := providerx.Get(ctx, c, link, nil)
	if err != nil {
		return nil, fmt.Errorf("获取会话失败：%w", err)
	}
	xsrf := httpx.CookieValue(resp, xsrfCookie)
	session := httpx.CookieValue(resp, sessionCookie)
	if xsrf == "" || session == "" {
		return nil, fmt.Errorf("小屋页未下发 %s/%s", xsrfCookie, sessionCookie)
	}

	start := from.Time()
	if start.IsZero() {
		return nil, fmt.Errorf("非法起始日期：%q", from)
	}
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	endpoint := p.baseURL + "/cabins/get-month-availability"
	remote := domain.SourceHuettenHoliday.RemoteID(hut.ID)

	pages := make([]providerx.RawPage, 0, p.months)
	for m := 0; m < p.months; m++ {
		month := first.AddDate(0, m, 0)
		payload, err := json.Marshal(monthPayload{
			CabinID:       remote,
			SelectedMonth: selectedMonth{MonthNumber: int(month.Month()), Year: month.Year()},
		})
		if err != nil {
			return pages, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return pages, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-XSRF-TOKEN", strings.ReplaceAll(xsrf, "%3D", "="))
		req.Header.Set("Cookie", httpx.CookieHeader([2]string{xsrfCookie, xsrf}, [2]string{sessionCookie, session}))

		body, _, err := providerx.Do(c, req)
		if err != nil {
			return pages, fmt.Errorf("月份 %s 抓取失败：%w", month.Format("2006-01"), err)
		}
		window := domain.DateOf(month)
		if m == 0 {
			window = from
		}
		pages = append(pages, providerx.RawPage{
			URL:    endpoint,
			Body:   body,
			Name:   "calendar-" + month.Format("2006-01") + ".json",
			Window: window,
		})
	}
	return pages, nil
}

type dayDTO struct {
	Date        string    `json:"date"`
	Rooms       []roomDTO `json:"rooms"`
	TotalPlaces int       `json:"totalPlaces"`
}

type roomDTO struct {
	RoomID       int `json:"room_id"`
	Places       int `json:"places"`
	PaidPlaces   int `json:"paid_places"`
	BookedPlaces int `json:"booked_places"`
}

// ParseCalendar 把一个月的结果折算为单一合成类别。
//
// 约束：
// - 空床数 = 各房间 booked_places 之和（上游字段语义如此）
// - totalPlaces<=0 的日子视为闭馆
// - 空数组是合法结果（该月没有数据）
func (*Provider) ParseCalendar(hutID int, page providerx.RawPage) ([]domain.FetchedDay, []string, error) {
	var raw []dayDTO
	if err := json.Unmarshal(page.Body, &raw); err != nil {
		return nil, nil, fmt.Errorf("月份 JSON 无法解析：%w", err)
	}

	var warnings []string
	byDate := make(map[domain.Date]domain.FetchedDay, len(raw))
	for _, d := range raw {
		date, err := parseDay(d.Date)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("hut=%d %v，已跳过", hutID, err))
			continue
		}
		if !page.Window.IsZero() && date.Before(page.Window) {
			continue
		}
		free := 0
		for _, r := range d.Rooms {
			free += r.BookedPlaces
		}
		tenant := roomCategoryID
		room := domain.FetchedRoom{
			CategoryID:       roomCategoryID,
			TenantCategoryID: &tenant,
			Free:             free,
			Total:            d.TotalPlaces,
			Closed:           d.TotalPlaces <= 0,
		}
		byDate[date] = domain.NewFetchedDay(date, []domain.FetchedRoom{room}, true)
	}

	days := make([]domain.FetchedDay, 0, len(byDate))
	for _, d := range byDate {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, warnings, nil
}

func parseDay(s string) (domain.Date, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 10 {
		if d, err := domain.ParseDate(s[:10]); err == nil {
			return d, nil
		}
	}
	if d, err := domain.ParseDMY(s); err == nil {
		return d, nil
	}
	return "", fmt.Errorf("无法识别日期：%q", s)
}

func normalizeWebsite(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return "https://" + s
}
