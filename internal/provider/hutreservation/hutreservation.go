package hutreservation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	providerx "github.com/John-Robertt/alpinehuts/internal/provider"
)

const (
	defaultBaseURL = "https://www.hut-reservation.org"

	hutNotFoundCode = "HUT_NOT_FOUND"
	modeUnserviced  = "UNSERVICED"
	statusClosed    = "CLOSED"
)

// Provider 实现预订平台 JSON API（v2）。
//
// 约束：
// - hutInfo 返回 404 或正文含 HUT_NOT_FOUND => ErrNotFound
// - 日历需要 hutInfo 里的床位类别元数据，因此 FetchCalendar 把两份响应封装为一页
type Provider struct {
	// BaseURL 为空时使用 https://www.hut-reservation.org。
	BaseURL string
}

func (Provider) Source() domain.Source { return domain.SourceHutReservation }

func (p Provider) baseURL() string {
	u := strings.TrimSpace(p.BaseURL)
	if u == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

func (p Provider) hutInfoURL(remote int) string {
	return fmt.Sprintf("%s/api/v1/reservation/hutInfo/%d", p.baseURL(), remote)
}

func (p Provider) availabilityURL(remote int) string {
	return fmt.Sprintf("%s/api/v1/reservation/getHutAvailability?hutId=%d", p.baseURL(), remote)
}

// BookingURL 是对外展示的预订入口。
func (p Provider) BookingURL(remote int) string {
	return fmt.Sprintf("%s/reservation/book-hut/%d/wizard", p.baseURL(), remote)
}

func (p Provider) FetchUnit(ctx context.Context, c *http.Client, hutID int) (providerx.RawPage, error) {
	if c == nil {
		return providerx.RawPage{}, errors.New("http client 不能为空")
	}
	u := p.hutInfoURL(domain.SourceHutReservation.RemoteID(hutID))
	body, err := p.getHutInfo(ctx, c, u)
	if err != nil {
		return providerx.RawPage{}, err
	}
	return providerx.RawPage{URL: u, Body: body, Name: "hutinfo.json"}, nil
}

func (p Provider) getHutInfo(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	hdr := http.Header{}
	hdr.Set("Accept", "application/json")
	body, _, err := providerx.Get(ctx, c, u, hdr)
	if err != nil {
		var se *providerx.HTTPStatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || strings.Contains(se.Snippet, hutNotFoundCode)) {
			return nil, providerx.ErrNotFound
		}
		return nil, err
	}
	if bytes.Contains(body, []byte(hutNotFoundCode)) {
		return nil, providerx.ErrNotFound
	}
	return body, nil
}

type hutInfoDTO struct {
	HutWebsite       string           `json:"hutWebsite"`
	HutID            int              `json:"hutId"`
	TenantCode       string           `json:"tenantCode"`
	HutUnlocked      bool             `json:"hutUnlocked"`
	HutName          string           `json:"hutName"`
	Phone            string           `json:"phone"`
	Coordinates      string           `json:"coordinates"`
	Altitude         string           `json:"altitude"`
	TenantCountry    string           `json:"tenantCountry"`
	HutBedCategories []bedCategoryDTO `json:"hutBedCategories"`
}

type bedCategoryDTO struct {
	Index               int    `json:"index"`
	CategoryID          int    `json:"categoryID"`
	IsVisible           bool   `json:"isVisible"`
	TotalSleepingPlaces int    `json:"totalSleepingPlaces"`
	ReservationMode     string `json:"reservationMode"`
	TenantBedCategoryID int    `json:"tenantBedCategoryId"`
}

type availabilityDTO struct {
	FreeBedsPerCategory map[string]int `json:"freeBedsPerCategory"`
	FreeBeds            int            `json:"freeBeds"`
	HutStatus           string         `json:"hutStatus"`
	Date                string         `json:"date"`
	DateFormatted       string         `json:"dateFormatted"`
	TotalSleepingPlaces int            `json:"totalSleepingPlaces"`
	Percentage          string         `json:"percentage"`
}

func (a availabilityDTO) closed() bool {
	return strings.EqualFold(a.HutStatus, statusClosed) || strings.EqualFold(a.Percentage, statusClosed)
}

func (a availabilityDTO) day() (domain.Date, error) {
	if d, err := domain.ParseDMY(a.DateFormatted); err == nil {
		return d, nil
	}
	s := strings.TrimSpace(a.Date)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return domain.DateOf(t), nil
	}
	if len(s) >= 10 {
		return domain.ParseDate(s[:10])
	}
	return "", fmt.Errorf("无法识别日期：%q/%q", a.Date, a.DateFormatted)
}

// calendarEnvelope 是 FetchCalendar 归档的单页载荷。
type calendarEnvelope struct {
	HutInfo      json.RawMessage `json:"hutInfo"`
	Availability json.RawMessage `json:"availability"`
}

func (p Provider) ParseUnit(hutID int, page providerx.RawPage) (domain.FetchedUnit, error) {
	var info hutInfoDTO
	if err := json.Unmarshal(page.Body, &info); err != nil {
		return domain.FetchedUnit{}, fmt.Errorf("hutInfo JSON 无法解析：%w", err)
	}
	name := strings.TrimSpace(info.HutName)
	if name == "" {
		return domain.FetchedUnit{}, errors.New("hutName 为空")
	}
	remote := info.HutID
	if remote == 0 {
		remote = domain.SourceHutReservation.RemoteID(hutID)
	}

	out := domain.FetchedUnit{
		ID:      hutID,
		Source:  domain.SourceHutReservation,
		Name:    name,
		Link:    p.BookingURL(remote),
		Website: normalizeWebsite(info.HutWebsite),
		Phone:   strings.TrimSpace(info.Phone),
		Enabled: info.HutUnlocked,
		Country: countryName(info.TenantCountry),
	}
	if lat, lon, ok := parseCoordinates(info.Coordinates); ok && domain.PlausibleCoordinates(lat, lon) {
		out.Latitude, out.Longitude = &lat, &lon
	}
	if alt, ok := parseAltitude(info.Altitude); ok {
		out.Altitude = &alt
	}
	return out, nil
}

func (p Provider) FetchCalendar(ctx context.Context, c *http.Client, hut domain.Hut, from domain.Date) ([]providerx.RawPage, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	remote := domain.SourceHutReservation.RemoteID(hut.ID)
	info, err := p.getHutInfo(ctx, c, p.hutInfoURL(remote))
	if err != nil {
		return nil, fmt.Errorf("hutInfo 抓取失败：%w", err)
	}

	u := p.availabilityURL(remote)
	hdr := http.Header{}
	hdr.Set("Accept", "application/json")
	avail, _, err := providerx.Get(ctx, c, u, hdr)
	if err != nil {
		return nil, fmt.Errorf("可用性抓取失败：%w", err)
	}

	body, err := json.Marshal(calendarEnvelope{HutInfo: info, Availability: avail})
	if err != nil {
		return nil, err
	}
	return []providerx.RawPage{{URL: u, Body: body, Name: "calendar.json", Window: from}}, nil
}

// ParseCalendar 把每日各类别空床数与 hutInfo 的类别元数据交叉匹配。
//
// 约束：
// - 服务模式类别只与非 UNSERVICED 的日子配对，UNSERVICED 类别只与 UNSERVICED 的日子配对；
//   找不到同模式类别时退回任意同 ID 类别
// - 完全找不到元数据的类别被丢弃并告警，该日标记为不完整
// - Window 之前的日期被忽略
func (Provider) ParseCalendar(hutID int, page providerx.RawPage) ([]domain.FetchedDay, []string, error) {
	var env calendarEnvelope
	if err := json.Unmarshal(page.Body, &env); err != nil {
		return nil, nil, fmt.Errorf("日历载荷无法解析：%w", err)
	}
	var info hutInfoDTO
	if len(env.HutInfo) > 0 {
		if err := json.Unmarshal(env.HutInfo, &info); err != nil {
			return nil, nil, fmt.Errorf("hutInfo JSON 无法解析：%w", err)
		}
	}
	var avail []availabilityDTO
	if err := json.Unmarshal(env.Availability, &avail); err != nil {
		return nil, nil, fmt.Errorf("可用性 JSON 无法解析：%w", err)
	}

	var warnings []string
	byDate := make(map[domain.Date]domain.FetchedDay, len(avail))
	for _, a := range avail {
		date, err := a.day()
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("hut=%d %v，已跳过", hutID, err))
			continue
		}
		if !page.Window.IsZero() && date.Before(page.Window) {
			continue
		}
		if a.closed() {
			byDate[date] = domain.NewFetchedDay(date, nil, true)
			continue
		}

		unserviced := strings.EqualFold(a.HutStatus, modeUnserviced)
		keys := make([]string, 0, len(a.FreeBedsPerCategory))
		for k := range a.FreeBedsPerCategory {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		rooms := make([]domain.FetchedRoom, 0, len(keys))
		complete := true
		for _, k := range keys {
			catID, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				complete = false
				warnings = append(warnings, fmt.Sprintf("hut=%d date=%s 类别 ID %q 无法解析，已丢弃", hutID, date, k))
				continue
			}
			cat, ok := matchCategory(info.HutBedCategories, catID, unserviced)
			if !ok {
				complete = false
				warnings = append(warnings, fmt.Sprintf("hut=%d date=%s 类别 %d 缺少元数据，已丢弃", hutID, date, catID))
				continue
			}
			tenant := cat.TenantBedCategoryID
			rooms = append(rooms, domain.FetchedRoom{
				CategoryID:       catID,
				TenantCategoryID: &tenant,
				Free:             a.FreeBedsPerCategory[k],
				Total:            cat.TotalSleepingPlaces,
			})
		}
		byDate[date] = domain.NewFetchedDay(date, rooms, complete)
	}

	days := make([]domain.FetchedDay, 0, len(byDate))
	for _, d := range byDate {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, warnings, nil
}

func matchCategory(cats []bedCategoryDTO, id int, unserviced bool) (bedCategoryDTO, bool) {
	var fallback *bedCategoryDTO
	for i := range cats {
		c := cats[i]
		if c.CategoryID != id {
			continue
		}
		if strings.EqualFold(c.ReservationMode, modeUnserviced) == unserviced {
			return c, true
		}
		if fallback == nil {
			fallback = &cats[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return bedCategoryDTO{}, false
}

// parseCoordinates 接受 "lat, lon" 与 "lat/lon"。
func parseCoordinates(s string) (lat, lon float64, ok bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '/' })
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

var altitudeNoise = strings.NewReplacer("H.ü.M", "", ".", "", "m ü M", "", "m", "", "M", "")

// parseAltitude 清洗 "2.245 m ü M"、"1845 H.ü.M" 一类写法。
func parseAltitude(s string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(altitudeNoise.Replace(s)))
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeWebsite(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return "http://" + s
}

func countryName(code string) *string {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	name := code
	switch code {
	case "AT":
		name = "Österreich"
	case "CH":
		name = "Schweiz"
	case "DE":
		name = "Deutschland"
	case "IT":
		name = "Italien"
	}
	return &name
}
