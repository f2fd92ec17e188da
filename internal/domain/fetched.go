package domain

// FetchedUnit 是 provider 解析出的单元属性（尚未与存储对账）。
//
// 约束：Country/Region/坐标为 nil 表示上游没给，不代表要清空。
type FetchedUnit struct {
	ID      int
	Source  Source
	Name    string
	Link    string
	Website string
	Phone   string
	Enabled bool

	Country   *string
	Region    *string
	Latitude  *float64
	Longitude *float64
	Altitude  *int

	// CountryGuess 是按电话区号/名称推断的国家，只在解析结果、上游声明与已存值都缺失时使用。
	CountryGuess *string
}

// FetchedRoom 是某日某床位类别的抓取结果。
type FetchedRoom struct {
	CategoryID       int
	TenantCategoryID *int
	Free             int
	Total            int
	Closed           bool
}

// FetchedDay 是某日的抓取结果。
//
// 约束：
// - 没有任何有效房间，或所有房间都关闭 => Closed=true（不要用空列表表达闭馆）
// - Complete=false 表示本日数据可能被截断，对账时不得做孤儿清理
type FetchedDay struct {
	Date     Date
	Rooms    []FetchedRoom
	Closed   bool
	Complete bool
}

// NewFetchedDay 按规则推导 Closed。
func NewFetchedDay(date Date, rooms []FetchedRoom, complete bool) FetchedDay {
	closed := true
	for _, r := range rooms {
		if !r.Closed {
			closed = false
			break
		}
	}
	return FetchedDay{Date: date, Rooms: rooms, Closed: closed, Complete: complete}
}

// FreeTotal 是本日未关闭房间的空床合计。
func (d FetchedDay) FreeTotal() int {
	if d.Closed {
		return 0
	}
	n := 0
	for _, r := range d.Rooms {
		if !r.Closed && r.Free > 0 {
			n += r.Free
		}
	}
	return n
}
