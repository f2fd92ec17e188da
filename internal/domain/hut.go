package domain

import "time"

// Hut 是一个可预订的住宿点（单元）。
//
// 约束：
// - ID 全局唯一（来源靠 ID 区间区分）
// - ManuallyEdited=true 时，自动抓取不得覆盖 Country/Region/Latitude/Longitude
// - 可空字段用指针表示“未知”，与零值区分
type Hut struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Source  Source `json:"source"`
	Link    string `json:"link"`
	Website string `json:"website"`

	Country *string `json:"country"`
	Region  *string `json:"region"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *int     `json:"altitude"`

	Enabled        bool `json:"enabled"`
	ManuallyEdited bool `json:"manually_edited"`

	Added       Date      `json:"added"`
	Activated   *Date     `json:"activated"`
	LastUpdated time.Time `json:"last_updated"`
}

// HasCoordinates 表示经纬度都已知。
func (h Hut) HasCoordinates() bool {
	return h.Latitude != nil && h.Longitude != nil
}

// Clone 返回深拷贝，避免调用方通过指针字段篡改存储快照。
func (h Hut) Clone() Hut {
	out := h
	out.Country = cloneString(h.Country)
	out.Region = cloneString(h.Region)
	out.Latitude = cloneFloat(h.Latitude)
	out.Longitude = cloneFloat(h.Longitude)
	if h.Altitude != nil {
		v := *h.Altitude
		out.Altitude = &v
	}
	if h.Activated != nil {
		v := *h.Activated
		out.Activated = &v
	}
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
