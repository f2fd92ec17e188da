package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DiscoveryStart 返回当日发现轮转的起点：UTC 星期几 + 1（周日为 1），保证不从 0 开始。
func DiscoveryStart(now time.Time) int {
	return int(now.UTC().Weekday()) + 1
}

// DiscoveryIDs 生成 start, start+stride, ... 直到 max（含）。
// 每天扫描 1/stride 的 ID 空间，stride 天覆盖一轮。
func DiscoveryIDs(start, max, stride int) []int {
	if stride <= 0 {
		stride = 1
	}
	if start < 0 {
		start = 0
	}
	if start > max {
		return nil
	}
	out := make([]int, 0, (max-start)/stride+1)
	for id := start; id <= max; id += stride {
		out = append(out, id)
	}
	return out
}

// RangeIDs 返回 [start, start+n)。
func RangeIDs(start, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

// ParseIDList 解析 "1,2, 3"：去重并升序；空项忽略，非法项整体报错。
func ParseIDList(raw string) ([]int, error) {
	seen := make(map[int]struct{})
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("非法单元 ID：%q", part)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

// Batches 把 ids 按原顺序切成每批最多 size 个。
//
// - 除最后一批外每批恰好 size 个
// - 返回的子切片不与 ids 共享底层数组
func Batches(ids []int, size int) [][]int {
	if size <= 0 {
		size = 1
	}
	out := make([][]int, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		j := i + size
		if j > len(ids) {
			j = len(ids)
		}
		out = append(out, append([]int(nil), ids[i:j]...))
	}
	return out
}

// Offset 把上游 ID 整体平移到某来源的单元 ID 区间。
func Offset(ids []int, offset int) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = id + offset
	}
	return out
}
