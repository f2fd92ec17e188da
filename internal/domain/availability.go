package domain

import "time"

// BedCategoryClosed 是“整日闭馆”的合成床位类别。
// 同一 (hut, date) 下它与真实类别互斥。
const BedCategoryClosed = -1

// Availability 是某单元某日某床位类别的空床/总床数。
// 主键：(HutID, Date, BedCategoryID)。
type Availability struct {
	HutID               int       `json:"hut_id"`
	Date                Date      `json:"date"`
	BedCategoryID       int       `json:"bed_category_id"`
	TenantBedCategoryID *int      `json:"tenant_bed_category_id"`
	FreeRoom            int       `json:"free_room"`
	TotalRoom           int       `json:"total_room"`
	LastUpdated         time.Time `json:"last_updated"`
}

// AvailabilityKey 是 Availability 的复合主键。
type AvailabilityKey struct {
	HutID         int
	Date          Date
	BedCategoryID int
}

func (a Availability) Key() AvailabilityKey {
	return AvailabilityKey{HutID: a.HutID, Date: a.Date, BedCategoryID: a.BedCategoryID}
}

func (a Availability) IsClosed() bool { return a.BedCategoryID == BedCategoryClosed }

// BedCategory 是床位类别。SharesNameWith 指向另一行时，显示名取对方的 Name。
type BedCategory struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	SharesNameWith *int   `json:"shares_name_with"`
}

// BedCategoryTable 是按 ID 索引的扁平类别表；别名只做一次间接查找。
type BedCategoryTable map[int]BedCategory

func NewBedCategoryTable(cats []BedCategory) BedCategoryTable {
	t := make(BedCategoryTable, len(cats))
	for _, c := range cats {
		t[c.ID] = c
	}
	return t
}

// CommonName 返回类别的显示名；未知 ID 返回空串。
func (t BedCategoryTable) CommonName(id int) string {
	c, ok := t[id]
	if !ok {
		return ""
	}
	if c.SharesNameWith != nil {
		if alias, ok := t[*c.SharesNameWith]; ok {
			return alias.Name
		}
	}
	return c.Name
}
