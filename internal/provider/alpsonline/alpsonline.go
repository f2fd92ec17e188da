package alpsonline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	"github.com/John-Robertt/alpinehuts/internal/infra/httpx"
	providerx "github.com/John-Robertt/alpinehuts/internal/provider"
)

const (
	defaultBaseURL     = "https://www.alpsonline.org"
	defaultWindowDays  = 14
	defaultHorizonDays = 112

	defaultLocale  = "de_DE"
	notFoundPhrase = "kann nicht gefunden werden"
	disabledPhrase = "Diese Hütte ist nicht freigeschaltet"
	sessionCookie  = "JSESSIONID"
)

// Provider 实现中央预订门户的 HTML 抓取与解析。
//
// 约束：
// - 单元页固定先用 de_DE 请求；页面声明的德语区域码不同则按该区域码重取一次
// - 日历接口依赖单元页下发的 JSESSIONID，每次返回 WindowDays 天，直到覆盖 HorizonDays
type Provider struct {
	// BaseURL 为空时使用 https://www.alpsonline.org。
	BaseURL     string
	WindowDays  int
	HorizonDays int
}

func (Provider) Source() domain.Source { return domain.SourceAlpsOnline }

func (p Provider) baseURL() string {
	u := strings.TrimSpace(p.BaseURL)
	if u == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

func (p Provider) window() int {
	if p.WindowDays > 0 {
		return p.WindowDays
	}
	return defaultWindowDays
}

func (p Provider) horizon() int {
	if p.HorizonDays > 0 {
		return p.HorizonDays
	}
	return defaultHorizonDays
}

// UnitURL 返回指定区域码下的单元页（也是对外的预订链接）。
func (p Provider) UnitURL(hutID int, locale string) string {
	return fmt.Sprintf("%s/reservation/calendar?lang=%s&hut_id=%d", p.baseURL(), locale, domain.SourceAlpsOnline.RemoteID(hutID))
}

func (p Provider) FetchUnit(ctx context.Context, c *http.Client, hutID int) (providerx.RawPage, error) {
	if c == nil {
		return providerx.RawPage{}, errors.New("http client 不能为空")
	}
	u := p.UnitURL(hutID, defaultLocale)
	body, _, err := providerx.Get(ctx, c, u, nil)
	if err != nil {
		return providerx.RawPage{}, err
	}
	if bytes.Contains(body, []byte(notFoundPhrase)) {
		return providerx.RawPage{}, providerx.ErrNotFound
	}

	if loc := germanLocale(body); loc != "" && loc != defaultLocale {
		u = p.UnitURL(hutID, loc)
		body, _, err = providerx.Get(ctx, c, u, nil)
		if err != nil {
			return providerx.RawPage{}, err
		}
	}
	return providerx.RawPage{URL: u, Body: body, Name: "unit.html"}, nil
}

// ParseUnit 把单元页 HTML 解析为 FetchedUnit。
func (Provider) ParseUnit(hutID int, page providerx.RawPage) (domain.FetchedUnit, error) {
	if len(page.Body) == 0 {
		return domain.FetchedUnit{}, errors.New("html 为空")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return domain.FetchedUnit{}, err
	}

	info := doc.Find("div.info").First()
	if info.Length() == 0 {
		return domain.FetchedUnit{}, errors.New("未找到 div.info（站点结构可能变化）")
	}
	name := normSpace(info.ChildrenFiltered("h4").First().Text())
	if name == "" {
		return domain.FetchedUnit{}, errors.New("单元名称为空")
	}

	spans := info.ChildrenFiltered("span")
	phone := normSpace(spans.Eq(1).Text())
	coordText := strings.TrimSpace(strings.Replace(normSpace(spans.Eq(4).Text()), "Koordinaten:", "", 1))

	out := domain.FetchedUnit{
		ID:      hutID,
		Source:  domain.SourceAlpsOnline,
		Name:    name,
		Link:    strings.TrimSpace(page.URL),
		Phone:   phone,
		Enabled: !bytes.Contains(page.Body, []byte(disabledPhrase)),
	}

	if lat, lon, ok := parseCoordinates(coordText); ok && domain.PlausibleCoordinates(lat, lon) {
		out.Latitude, out.Longitude = &lat, &lon
	}

	doc.Find("div.logo a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}
		if !strings.HasPrefix(strings.ToLower(href), "http") {
			href = "http://" + href
		}
		out.Website = href
		return false
	})

	if c := guessCountry(name, phone, string(page.Body)); c != "" {
		out.CountryGuess = &c
	}
	return out, nil
}

func (p Provider) FetchCalendar(ctx context.Context, c *http.Client, hut domain.Hut, from domain.Date) ([]providerx.RawPage, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	link := strings.TrimSpace(hut.Link)
	if link == "" {
		link = p.UnitURL(hut.ID, defaultLocale)
	}

	_, resp, err := providerx.Get(ctx, c, link, nil)
	if err != nil {
		return nil, fmt.Errorf("获取会话失败：%w", err)
	}
	session := httpx.CookieValue(resp, sessionCookie)
	if session == "" {
		return nil, fmt.Errorf("单元页未下发 %s", sessionCookie)
	}
	hdr := http.Header{}
	hdr.Set("Cookie", httpx.CookieHeader([2]string{sessionCookie, session}))

	pages := make([]providerx.RawPage, 0, p.horizon()/p.window()+1)
	for off := 0; off < p.horizon(); off += p.window() {
		day := from.AddDays(off)
		u := p.baseURL() + "/reservation/selectDate?date=" + day.DMY()
		body, _, err := providerx.Get(ctx, c, u, hdr)
		if err != nil {
			return pages, fmt.Errorf("窗口 %s 抓取失败：%w", day, err)
		}
		pages = append(pages, providerx.RawPage{
			URL:    u,
			Body:   body,
			Name:   "calendar-" + string(day) + ".json",
			Window: day,
		})
	}
	return pages, nil
}

type roomDTO struct {
	HutBedCategoryID *int   `json:"hutBedCategoryId"`
	BedCategoryID    *int   `json:"bedCategoryId"`
	BookingEnabled   bool   `json:"bookingEnabled"`
	Closed           bool   `json:"closed"`
	FreeRoom         int    `json:"freeRoom"`
	TotalRoom        int    `json:"totalRoom"`
	ReservationDate  string `json:"reservationDate"`
}

// ParseCalendar 解析 selectDate 返回的“日 -> 房间数组”对象。
//
// 缺少类别 ID 的房间被丢弃并告警，该日标记为不完整。
func (Provider) ParseCalendar(hutID int, page providerx.RawPage) ([]domain.FetchedDay, []string, error) {
	var raw map[string][]roomDTO
	if err := json.Unmarshal(page.Body, &raw); err != nil {
		return nil, nil, fmt.Errorf("日历 JSON 无法解析：%w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []string
	byDate := make(map[domain.Date]domain.FetchedDay, len(raw))
	for _, k := range keys {
		rooms := raw[k]
		date := dayDate(k, rooms)
		if date == "" {
			warnings = append(warnings, fmt.Sprintf("hut=%d 日历条目 %q 无法确定日期，已跳过", hutID, k))
			continue
		}

		valid := make([]domain.FetchedRoom, 0, len(rooms))
		complete := true
		for _, r := range rooms {
			if r.BedCategoryID == nil || r.HutBedCategoryID == nil {
				complete = false
				warnings = append(warnings, fmt.Sprintf("hut=%d date=%s 房间缺少类别 ID，已丢弃", hutID, date))
				continue
			}
			tenant := *r.HutBedCategoryID
			valid = append(valid, domain.FetchedRoom{
				CategoryID:       *r.BedCategoryID,
				TenantCategoryID: &tenant,
				Free:             r.FreeRoom,
				Total:            r.TotalRoom,
				Closed:           r.Closed,
			})
		}
		byDate[date] = domain.NewFetchedDay(date, valid, complete)
	}

	days := make([]domain.FetchedDay, 0, len(byDate))
	for _, d := range byDate {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, warnings, nil
}

// dayDate 优先取房间上的 reservationDate，其次尝试把 key 当作日期。
func dayDate(key string, rooms []roomDTO) domain.Date {
	for _, r := range rooms {
		if d, err := domain.ParseDMY(r.ReservationDate); err == nil {
			return d
		}
	}
	if d, err := domain.ParseDMY(key); err == nil {
		return d
	}
	if d, err := domain.ParseDate(key); err == nil {
		return d
	}
	return ""
}

func germanLocale(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	var loc string
	doc.Find("ul#langSelector li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		if normSpace(li.Text()) != "Deutsch" {
			return true
		}
		loc = strings.TrimSpace(li.AttrOr("id", ""))
		return false
	})
	return loc
}

var coordSplitRE = regexp.MustCompile(`[,/;\s]+`)

// parseCoordinates 接受 "47.12, 11.34" / "47.12/11.34" / "47.12 11.34"。
func parseCoordinates(s string) (lat, lon float64, ok bool) {
	parts := coordSplitRE.Split(strings.TrimSpace(s), -1)
	nums := make([]float64, 0, 2)
	for _, p := range parts {
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, 0, false
		}
		nums = append(nums, f)
	}
	if len(nums) != 2 {
		return 0, 0, false
	}
	return nums[0], nums[1], true
}

// guessCountry 是粗略兜底：依据名称里的协会缩写、电话区号或页面区域码推断国家。
func guessCountry(name, phone, body string) string {
	has := func(s string, subs ...string) bool {
		for _, x := range subs {
			if strings.Contains(s, x) {
				return true
			}
		}
		return false
	}
	switch {
	case has(name, "SAC", "CAS", "AACZ") || has(phone, "+41", "0041"):
		return "Schweiz"
	case has(name, "AVS") || has(phone, "+39", "0039"):
		return "Italia"
	case has(phone, "+43", "0043"):
		return "Österreich"
	case has(phone, "+49", "0049"):
		return "Deutschland"
	case strings.Contains(body, "de_CH"):
		return "Schweiz"
	case strings.Contains(body, "de_AT"):
		return "Österreich"
	default:
		return ""
	}
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
