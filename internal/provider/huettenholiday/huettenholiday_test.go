package huettenholiday

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
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

func newListingServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	p1 := readFixture(t, "cabins_page1.json")
	p2 := readFixture(t, "cabins_page2.json")
	var mu sync.Mutex
	hits := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-cabins" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		hits++
		mu.Unlock()
		body := p1
		if r.URL.Query().Get("page") == "2" {
			body = p2
		}
		_, _ = w.Write([]byte(strings.ReplaceAll(string(body), "{{BASE}}", srv.URL)))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestListUnitIDs_FollowsNextPage(t *testing.T) {
	srv, hits := newListingServer(t)
	p := New(srv.URL, 0)

	ids, err := p.ListUnitIDs(context.Background(), srv.Client())
	if err != nil {
		t.Fatalf("ListUnitIDs 失败：%v", err)
	}
	if len(ids) != 2 || ids[0] != 10012 || ids[1] != 10027 {
		t.Fatalf("期望 [10012 10027]（跳过 is_delete），实际 %v", ids)
	}
	if *hits != 2 {
		t.Fatalf("期望请求 2 页，实际 %d", *hits)
	}
}

func TestFetchUnit_CatalogAndNotFound(t *testing.T) {
	srv, hits := newListingServer(t)
	p := New(srv.URL, 0)

	page, err := p.FetchUnit(context.Background(), srv.Client(), 10012)
	if err != nil {
		t.Fatalf("FetchUnit 失败：%v", err)
	}
	if *hits != 2 {
		t.Fatalf("目录为空时应刷新一次列表，实际请求 %d 次", *hits)
	}
	if _, err := p.FetchUnit(context.Background(), srv.Client(), 10027); err != nil {
		t.Fatalf("目录命中不应报错：%v", err)
	}
	if *hits != 2 {
		t.Fatalf("目录命中不应再次请求，实际 %d 次", *hits)
	}

	// 已删除的小屋刷新后仍不在目录中。
	if _, err := p.FetchUnit(context.Background(), srv.Client(), 10013); !errors.Is(err, providerx.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}

	u, err := p.ParseUnit(10012, page)
	if err != nil {
		t.Fatalf("ParseUnit 失败：%v", err)
	}
	if u.Name != "Rifugio Lago Nero" || !u.Enabled {
		t.Fatalf("名称/启用状态不符：%+v", u)
	}
	if u.Link != srv.URL+"/huts/rifugio-lago-nero" {
		t.Fatalf("Link 不符：%q", u.Link)
	}
	if u.Website != "https://www.lagonero.it" {
		t.Fatalf("网站应补 https://，实际 %q", u.Website)
	}
	if u.Altitude == nil || *u.Altitude != 2356 {
		t.Fatalf("海拔不符：%v", u.Altitude)
	}
	if u.Country == nil || *u.Country != "Italien" || u.Region == nil || *u.Region != "Lombardei" {
		t.Fatalf("国家/地区应取德语名：%v %v", u.Country, u.Region)
	}
}

func TestFetchUnit_ConcurrentMissesRefreshOnce(t *testing.T) {
	srv, hits := newListingServer(t)
	p := New(srv.URL, 0)

	ids := []int{10012, 10027, 10013, 10012, 10027, 10013, 10012, 10027, 10013, 10012}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			_, errs[i] = p.FetchUnit(context.Background(), srv.Client(), id)
		}(i, id)
	}
	wg.Wait()

	if *hits != 2 {
		t.Fatalf("并发未命中只应整表刷新一次（2 页），实际请求 %d 次", *hits)
	}
	for i, id := range ids {
		switch {
		case id == 10013 && !errors.Is(errs[i], providerx.ErrNotFound):
			t.Fatalf("hut=%d 期望 ErrNotFound，实际 %v", id, errs[i])
		case id != 10013 && errs[i] != nil:
			t.Fatalf("hut=%d 不期望错误：%v", id, errs[i])
		}
	}
}

func TestParseUnit_ImplausibleCoordinatesAndEmptyCountry(t *testing.T) {
	p := New("", 0)
	raw := `{"id":27,"name":"Capanna Solitaria","slug":"capanna-solitaria","website":"https://solitaria.ch","altitude":1980.6,"latitude":10.0,"longitude":10.0,"country":{"code":"CH","name":{"de":""}}}`
	u, err := p.ParseUnit(10027, providerx.RawPage{Body: []byte(raw)})
	if err != nil {
		t.Fatalf("ParseUnit 失败：%v", err)
	}
	if u.Latitude != nil || u.Longitude != nil {
		t.Fatalf("不可信坐标应丢弃：%v %v", u.Latitude, u.Longitude)
	}
	if u.Country != nil {
		t.Fatalf("空的德语国家名应视为未知，实际 %q", *u.Country)
	}
	if u.Website != "https://solitaria.ch" || *u.Altitude != 1980 {
		t.Fatalf("网站/海拔不符：%q %v", u.Website, *u.Altitude)
	}
	if u.Link != "https://www.huetten-holiday.com/huts/capanna-solitaria" {
		t.Fatalf("默认 base URL 下的 Link 不符：%q", u.Link)
	}
}

func TestParseCalendar_SumsBookedPlaces(t *testing.T) {
	days, warnings, err := New("", 0).ParseCalendar(10012, providerx.RawPage{Body: readFixture(t, "month.json"), Window: "2024-06-01"})
	if err != nil {
		t.Fatalf("ParseCalendar 失败：%v", err)
	}
	if len(days) != 3 {
		t.Fatalf("期望 3 天，实际 %d", len(days))
	}
	d0 := days[0]
	if d0.Date != "2024-06-01" || d0.Closed || !d0.Complete || len(d0.Rooms) != 1 {
		t.Fatalf("06-01 不符：%+v", d0)
	}
	if r := d0.Rooms[0]; r.CategoryID != roomCategoryID || r.Free != 6 || r.Total != 16 {
		t.Fatalf("06-01 房间不符：%+v", r)
	}
	if days[1].Closed || days[1].FreeTotal() != 0 {
		t.Fatalf("06-02 应为开放但满员：%+v", days[1])
	}
	if !days[2].Closed {
		t.Fatalf("totalPlaces=0 应视为闭馆：%+v", days[2])
	}
	if len(warnings) != 1 {
		t.Fatalf("期望 1 条告警（非法日期），实际 %v", warnings)
	}

	later, _, err := New("", 0).ParseCalendar(10012, providerx.RawPage{Body: readFixture(t, "month.json"), Window: "2024-06-02"})
	if err != nil {
		t.Fatalf("ParseCalendar 失败：%v", err)
	}
	if len(later) != 2 || later[0].Date != "2024-06-02" {
		t.Fatalf("窗口之前的日期应忽略：%+v", later)
	}

	if empty, _, err := New("", 0).ParseCalendar(10012, providerx.RawPage{Body: []byte("[]")}); err != nil || len(empty) != 0 {
		t.Fatalf("空月份应返回空结果：%v %v", empty, err)
	}
}

func TestFetchCalendar_SessionAndMonths(t *testing.T) {
	month := readFixture(t, "month.json")
	var (
		mu     sync.Mutex
		months []selectedMonth
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/huts/rifugio-lago-nero":
			http.SetCookie(w, &http.Cookie{Name: xsrfCookie, Value: "tok%3D"})
			http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "sess1"})
			_, _ = w.Write([]byte("<html></html>"))
		case "/cabins/get-month-availability":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if r.Header.Get("X-XSRF-TOKEN") != "tok=" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			ck := r.Header.Get("Cookie")
			if !strings.Contains(ck, "XSRF-TOKEN=tok%3D") || !strings.Contains(ck, "huettenholiday_session=sess1") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var payload monthPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.CabinID != 12 || payload.MultipleCalendar {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			months = append(months, payload.SelectedMonth)
			mu.Unlock()
			if payload.SelectedMonth.MonthNumber == 8 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if payload.SelectedMonth.MonthNumber == 6 {
				_, _ = w.Write(month)
				return
			}
			_, _ = w.Write([]byte("[]"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(srv.URL, 4)
	hut := domain.Hut{ID: 10012, Link: srv.URL + "/huts/rifugio-lago-nero"}
	pages, err := p.FetchCalendar(context.Background(), srv.Client(), hut, "2024-06-01")
	if err == nil {
		t.Fatalf("第三个月失败应返回错误")
	}
	if len(pages) != 2 {
		t.Fatalf("失败前的 2 个月应保留，实际 %d", len(pages))
	}
	if pages[0].Window != "2024-06-01" || pages[1].Window != "2024-07-01" || pages[1].Name != "calendar-2024-07.json" {
		t.Fatalf("分页窗口不符：%+v", pages)
	}
	if len(months) != 3 || months[0].MonthNumber != 6 || months[1].MonthNumber != 7 || months[2].Year != 2024 {
		t.Fatalf("月份请求序列不符：%+v", months)
	}
}

func TestFetchCalendar_MissingCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 1).FetchCalendar(context.Background(), srv.Client(), domain.Hut{ID: 10012, Link: srv.URL + "/huts/x"}, "2024-06-01")
	if err == nil || !strings.Contains(err.Error(), xsrfCookie) {
		t.Fatalf("缺少 cookie 应报错，实际 %v", err)
	}
}
