package planner

import (
	"reflect"
	"testing"
	"time"
)

func TestDiscoveryStart(t *testing.T) {
	// 2024-06-02 是周日。
	if got := DiscoveryStart(time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC)); got != 1 {
		t.Fatalf("周日起点应为 1，实际 %d", got)
	}
	if got := DiscoveryStart(time.Date(2024, 6, 8, 2, 0, 0, 0, time.UTC)); got != 7 {
		t.Fatalf("周六起点应为 7，实际 %d", got)
	}
}

func TestDiscoveryIDs_CoversRangeInOneWeek(t *testing.T) {
	got := DiscoveryIDs(3, 30, 7)
	want := []int{3, 10, 17, 24}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("期望 %v，实际 %v", want, got)
	}
	if ids := DiscoveryIDs(2, 16, 7); ids[len(ids)-1] != 16 {
		t.Fatalf("max 应包含在内：%v", ids)
	}

	seen := map[int]bool{}
	for start := 1; start <= 7; start++ {
		for _, id := range DiscoveryIDs(start, 600, 7) {
			if seen[id] {
				t.Fatalf("ID %d 在一周内被重复扫描", id)
			}
			seen[id] = true
		}
	}
	for id := 1; id <= 600; id++ {
		if !seen[id] {
			t.Fatalf("ID %d 在一周内未被扫描", id)
		}
	}
}

func TestRangeIDs(t *testing.T) {
	if got := RangeIDs(5, 3); !reflect.DeepEqual(got, []int{5, 6, 7}) {
		t.Fatalf("RangeIDs 不符：%v", got)
	}
	if got := RangeIDs(5, 0); got != nil {
		t.Fatalf("n=0 应返回 nil：%v", got)
	}
}

func TestParseIDList(t *testing.T) {
	got, err := ParseIDList(" 3,1,,3, 2 ")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("期望去重升序，实际 %v", got)
	}
	if _, err := ParseIDList("1,x"); err == nil {
		t.Fatalf("非法项应报错")
	}
	if _, err := ParseIDList("-1"); err == nil {
		t.Fatalf("负数应报错")
	}
}

func TestBatches(t *testing.T) {
	ids := RangeIDs(1, 25)
	got := Batches(ids, 10)
	if len(got) != 3 || len(got[0]) != 10 || len(got[1]) != 10 || len(got[2]) != 5 {
		t.Fatalf("25 个 ID 应切成 10/10/5：%v", got)
	}
	if got[2][0] != 21 {
		t.Fatalf("应保持原顺序：%v", got[2])
	}
	got[0][0] = 999
	if ids[0] != 1 {
		t.Fatalf("批次不应与输入共享底层数组")
	}
	if len(Batches(nil, 10)) != 0 {
		t.Fatalf("空输入应无批次")
	}
}

func TestOffset(t *testing.T) {
	if got := Offset([]int{1, 2}, 20000); !reflect.DeepEqual(got, []int{20001, 20002}) {
		t.Fatalf("Offset 不符：%v", got)
	}
}
