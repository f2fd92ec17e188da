package domain

import (
	"fmt"
	"strings"
)

// Source 标识一个外部数据源。
//
// 约束：不同 Source 的单元 ID 落在互不相交的区间内，ID 本身即可反推来源。
type Source string

const (
	// SourceAlpsOnline 是中央预订门户（HTML 抓取）。
	SourceAlpsOnline Source = "alpsonline"
	// SourceHuettenHoliday 是第三方 JSON API。
	SourceHuettenHoliday Source = "huettenholiday"
	// SourceHutReservation 是 JSON API v2。
	SourceHutReservation Source = "hutreservation"
)

// SourceIDSpan 是每个来源独占的 ID 区间宽度。
const SourceIDSpan = 10000

// Sources 按 ID 偏移升序返回全部来源。
func Sources() []Source {
	return []Source{SourceAlpsOnline, SourceHuettenHoliday, SourceHutReservation}
}

// Offset 返回该来源的 ID 偏移。
func (s Source) Offset() int {
	switch s {
	case SourceHuettenHoliday:
		return 1 * SourceIDSpan
	case SourceHutReservation:
		return 2 * SourceIDSpan
	default:
		return 0
	}
}

// UnitID 把上游 ID 映射为全局单元 ID。
func (s Source) UnitID(remoteID int) (int, error) {
	if remoteID < 0 || remoteID >= SourceIDSpan {
		return 0, fmt.Errorf("%s 的上游 ID 越界：%d", s, remoteID)
	}
	return s.Offset() + remoteID, nil
}

// RemoteID 是 UnitID 的逆映射。
func (s Source) RemoteID(unitID int) int {
	return unitID - s.Offset()
}

func (s Source) Valid() bool {
	switch s {
	case SourceAlpsOnline, SourceHuettenHoliday, SourceHutReservation:
		return true
	default:
		return false
	}
}

// SourceOf 按 ID 区间反推来源。
func SourceOf(unitID int) (Source, bool) {
	for _, s := range Sources() {
		if unitID >= s.Offset() && unitID < s.Offset()+SourceIDSpan {
			return s, true
		}
	}
	return "", false
}

// ParseSource 解析来源名（大小写不敏感）。
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("未知来源：%q", raw)
	}
	return s, nil
}
