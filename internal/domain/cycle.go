package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CycleKind 区分“单元发现/更新”与“可用性刷新”。
type CycleKind string

const (
	CycleKindHuts         CycleKind = "huts"
	CycleKindAvailability CycleKind = "availability"
)

// Cycle 是一次可调度的更新周期定义。
type Cycle struct {
	Name   string
	Kind   CycleKind
	Source Source
}

var cycles = map[string]Cycle{
	"huts":                 {Name: "huts", Kind: CycleKindHuts, Source: SourceAlpsOnline},
	"availability":         {Name: "availability", Kind: CycleKindAvailability, Source: SourceAlpsOnline},
	"v2-huts":              {Name: "v2-huts", Kind: CycleKindHuts, Source: SourceHutReservation},
	"v2-availability":      {Name: "v2-availability", Kind: CycleKindAvailability, Source: SourceHutReservation},
	"holiday-huts":         {Name: "holiday-huts", Kind: CycleKindHuts, Source: SourceHuettenHoliday},
	"holiday-availability": {Name: "holiday-availability", Kind: CycleKindAvailability, Source: SourceHuettenHoliday},
}

// LookupCycle 按名字查找周期定义。
func LookupCycle(name string) (Cycle, error) {
	c, ok := cycles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Cycle{}, fmt.Errorf("未知周期 %q，可选：%s", name, strings.Join(CycleNames(), "|"))
	}
	return c, nil
}

// CycleNames 返回全部周期名（字典序）。
func CycleNames() []string {
	out := make([]string, 0, len(cycles))
	for n := range cycles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CycleFor 返回某来源某类型的周期。
func CycleFor(src Source, kind CycleKind) (Cycle, bool) {
	for _, c := range cycles {
		if c.Source == src && c.Kind == kind {
			return c, true
		}
	}
	return Cycle{}, false
}
