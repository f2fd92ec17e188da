package hutreservation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/alpinehuts/internal/domain"
	providerx "github.com/John-Robertt/alpinehuts/internal/provider"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	return b
}

func envelope(t *testing.T, window domain.Date) providerx.RawPage {
	t.Helper()
	body, err := json.Marshal(calendarEnvelope{
		HutInfo:      readFixture(t, "hutinfo.json"),
		Availability: readFixture(t, "availability.json"),
	})
	if err != nil {
		t.Fatalf("构造载荷失败：%v", err)
	}
	return providerx.RawPage{Body: body, Name: "calendar.json", Window: window}
}

func TestParseUnit_Fixture(t *testing.T) {
	p := Provider{BaseURL: "https://example.test/"}
	u, err := p.ParseUnit(20042, providerx.RawPage{Body: readFixture(t, "hutinfo.json")})
	if err != nil {
		t.Fatalf("ParseUnit 失败：%v", err)
	}
	if u.Name != "Olpererhütte" || !u.Enabled {
		t.Fatalf("名称/启用状态不符：%+v", u)
	}
	if u.Link != "https://example.test/reservation/book-hut/42/wizard" {
		t.Fatalf("Link 不符：%q", u.Link)
	}
	if u.Website != "http://www.olpererhuette.de" {
		t.Fatalf("网站应小写并补 http://，实际 %q", u.Website)
	}
	if u.Latitude == nil || *u.Latitude != 47.0301 || u.Longitude == nil || *u.Longitude != 11.6677 {
		t.Fatalf("坐标不符：%v %v", u.Latitude, u.Longitude)
	}
	if u.Altitude == nil || *u.Altitude != 2389 {
		t.Fatalf("海拔不符：%v", u.Altitude)
	}
	if u.Country == nil || *u.Country != "Österreich" {
		t.Fatalf("国家码 AT 应映射为 Österreich，实际 %v", u.Country)
	}
}

func TestParseUnit_EmptyName(t *testing.T) {
	if _, err := (Provider{}).ParseUnit(20001, providerx.RawPage{Body: []byte(`{"hutId":1,"hutName":"  "}`)}); err == nil {
		t.Fatalf("hutName 为空应报错")
	}
}

func TestParseAltitudeAndCoordinates(t *testing.T) {
	alts := map[string]int{"2.389 m ü M": 2389, "1845 H.ü.M": 1845, "3000m": 3000, " 2100 M ": 2100}
	for in, want := range alts {
		got, ok := parseAltitude(in)
		if !ok || got != want {
			t.Fatalf("parseAltitude(%q)=%d,%v 期望 %d", in, got, ok, want)
		}
	}
	if _, ok := parseAltitude("unbekannt"); ok {
		t.Fatalf("无法解析的海拔应返回 ok=false")
	}

	if lat, lon, ok := parseCoordinates("46.5, 10.25"); !ok || lat != 46.5 || lon != 10.25 {
		t.Fatalf("逗号分隔坐标解析失败：%v %v %v", lat, lon, ok)
	}
	if _, _, ok := parseCoordinates("46.5"); ok {
		t.Fatalf("单个数字不应视为坐标")
	}
}

func TestCountryName(t *testing.T) {
	cases := map[string]string{"CH": "Schweiz", "DE": "Deutschland", "IT": "Italien", "SI": "SI"}
	for in, want := range cases {
		got := countryName(in)
		if got == nil || *got != want {
			t.Fatalf("countryName(%q)=%v 期望 %q", in, got, want)
		}
	}
	if countryName("") != nil {
		t.Fatalf("空国家码应返回 nil")
	}
}

func TestParseCalendar_CategoryMatching(t *testing.T) {
	days, warnings, err := Provider{}.ParseCalendar(20042, envelope(t, "2024-06-01"))
	if err != nil {
		t.Fatalf("ParseCalendar 失败：%v", err)
	}
	if len(days) != 4 {
		t.Fatalf("期望 4 天（窗口前的日期被忽略），实际 %d：%+v", len(days), days)
	}

	d0 := days[0]
	if d0.Date != "2024-06-01" || d0.Closed || !d0.Complete || len(d0.Rooms) != 2 {
		t.Fatalf("06-01 不符：%+v", d0)
	}
	if r := d0.Rooms[0]; r.CategoryID != 1 || r.Free != 3 || r.Total != 20 || *r.TenantCategoryID != 101 {
		t.Fatalf("类别 1 不符：%+v", r)
	}
	if r := d0.Rooms[1]; r.CategoryID != 2 || r.Free != 0 || r.Total != 40 || *r.TenantCategoryID != 102 {
		t.Fatalf("服务日的类别 2 应匹配 BED 元数据：%+v", r)
	}

	if d1 := days[1]; d1.Date != "2024-06-02" || !d1.Closed || len(d1.Rooms) != 0 || !d1.Complete {
		t.Fatalf("06-02 应为完整的关闭日：%+v", d1)
	}

	d2 := days[2]
	if len(d2.Rooms) != 1 || *d2.Rooms[0].TenantCategoryID != 103 || d2.Rooms[0].Total != 8 {
		t.Fatalf("UNSERVICED 日应匹配 UNSERVICED 元数据：%+v", d2)
	}

	d3 := days[3]
	if d3.Complete || len(d3.Rooms) != 1 || d3.Rooms[0].CategoryID != 1 {
		t.Fatalf("缺少元数据的类别应丢弃并标记不完整：%+v", d3)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "类别 7") {
		t.Fatalf("期望 1 条告警，实际 %v", warnings)
	}
}

func TestParseCalendar_Invalid(t *testing.T) {
	if _, _, err := (Provider{}).ParseCalendar(20001, providerx.RawPage{Body: []byte(`{"availability":`)}); err == nil {
		t.Fatalf("损坏载荷应报错")
	}
}

func TestFetchUnit_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/reservation/hutInfo/1":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/reservation/hutInfo/2":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"description":"HUT_NOT_FOUND"}`))
		case "/api/v1/reservation/hutInfo/3":
			_, _ = w.Write([]byte(`{"messageId":"HUT_NOT_FOUND"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := Provider{BaseURL: srv.URL}
	for _, id := range []int{20001, 20002, 20003} {
		if _, err := p.FetchUnit(context.Background(), srv.Client(), id); !errors.Is(err, providerx.ErrNotFound) {
			t.Fatalf("hut=%d 期望 ErrNotFound，实际 %v", id, err)
		}
	}

	_, err := p.FetchUnit(context.Background(), srv.Client(), 20009)
	var se *providerx.HTTPStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("5xx 应返回 HTTPStatusError，实际 %v", err)
	}
}

func TestFetchCalendar_Envelope(t *testing.T) {
	info := readFixture(t, "hutinfo.json")
	avail := readFixture(t, "availability.json")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/reservation/hutInfo/42":
			_, _ = w.Write(info)
		case r.URL.Path == "/api/v1/reservation/getHutAvailability" && r.URL.Query().Get("hutId") == "42":
			_, _ = w.Write(avail)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := Provider{BaseURL: srv.URL}
	pages, err := p.FetchCalendar(context.Background(), srv.Client(), domain.Hut{ID: 20042}, "2024-06-01")
	if err != nil {
		t.Fatalf("FetchCalendar 失败：%v", err)
	}
	if len(pages) != 1 || pages[0].Name != "calendar.json" || pages[0].Window != "2024-06-01" {
		t.Fatalf("期望单页封装，实际 %+v", pages)
	}
	days, _, err := p.ParseCalendar(20042, pages[0])
	if err != nil {
		t.Fatalf("封装页应可解析：%v", err)
	}
	if len(days) != 4 {
		t.Fatalf("期望 4 天，实际 %d", len(days))
	}
}
