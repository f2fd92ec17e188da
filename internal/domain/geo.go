package domain

// 中欧大致范围；超出即视为不可信坐标。
const (
	MinLongitude = 4.0
	MaxLongitude = 17.0
	MinLatitude  = 44.0
	MaxLatitude  = 53.0
)

// PlausibleCoordinates 报告 (lat, lon) 是否落在中欧范围内。
func PlausibleCoordinates(lat, lon float64) bool {
	return lon >= MinLongitude && lon <= MaxLongitude && lat >= MinLatitude && lat <= MaxLatitude
}

// HasPlausibleCoordinates 要求坐标已知且可信。
func (h Hut) HasPlausibleCoordinates() bool {
	return h.HasCoordinates() && PlausibleCoordinates(*h.Latitude, *h.Longitude)
}
