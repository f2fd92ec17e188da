package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/config"
	"github.com/John-Robertt/alpinehuts/internal/domain"
)

func TestFormatUnitLine(t *testing.T) {
	cases := []struct {
		res  domain.UnitResult
		want string
	}{
		{
			domain.UnitResult{HutID: 12, Name: "Olpererhütte", Status: domain.StatusProcessed, RowsWritten: 14, Notifications: 2},
			"[3/10] 12 Olpererhütte OK rows=14 notified=2 (1.5s)",
		},
		{
			domain.UnitResult{HutID: 12, Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeLocked},
			"[3/10] 12 - SKIP locked (1.5s)",
		},
		{
			domain.UnitResult{HutID: 12, Status: domain.StatusFailed, ErrorCode: domain.ErrCodeFetchFailed, ErrorMsg: "alpsonline 抓取超时。"},
			"[3/10] 12 - FAIL fetch_failed: alpsonline 抓取超时。 (1.5s)",
		},
		{
			domain.UnitResult{HutID: 20005, Status: domain.StatusDeleted, ErrorCode: domain.ErrCodeNotFound},
			"[3/10] 20005 - DEL not_found (1.5s)",
		},
	}
	for _, tc := range cases {
		if got := formatUnitLine(3, 10, tc.res, 1500*time.Millisecond); got != tc.want {
			t.Fatalf("输出不符：\n got=%q\nwant=%q", got, tc.want)
		}
	}
}

func TestFormatUnitLine_Warnings(t *testing.T) {
	res := domain.UnitResult{HutID: 1, Name: "A", Status: domain.StatusProcessed, Warnings: []string{"geo_failed: timeout", "x"}}
	got := formatUnitLine(1, 1, res, 0)
	if !strings.Contains(got, `warn="geo_failed: timeout"(+1)`) {
		t.Fatalf("应展示首条警告与剩余数量：%q", got)
	}
}

func TestProgressUI_EventSequence(t *testing.T) {
	var buf bytes.Buffer
	eff := config.EffectiveConfig{BatchSize: 10, Cooldown: time.Minute, Store: config.StoreConfig{Driver: "memory"}}
	p := newProgressUI(&buf, eff)
	p.tickerInterval = time.Hour

	cycle, _ := domain.LookupCycle("availability")
	p.OnStart("run-1", cycle, 2, 2)
	p.OnUnitDone(1, 2, domain.UnitResult{HutID: 1, Status: domain.StatusProcessed}, time.Second)
	p.OnBatchDone(1, 2, time.Second)
	p.OnPause(time.Minute)
	p.OnUnitDone(2, 2, domain.UnitResult{HutID: 2, Status: domain.StatusFailed, ErrorCode: domain.ErrCodeTimeout}, time.Second)
	p.OnBatchDone(2, 2, time.Second)
	p.OnFinish(domain.CycleReport{Reporting: "ok"})

	out := buf.String()
	for _, want := range []string{"availability (dry-run)", "run_id: run-1", "units=2 batches=2", "批次 1/2 完成", "冷却 1m0s", "FAIL timeout", "报表: ok"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q：\n%s", want, out)
		}
	}
	if p.tickerStarted {
		t.Fatalf("结束后 ticker 应停止")
	}
	if p.ok != 1 || p.fail != 1 {
		t.Fatalf("计数不符：ok=%d fail=%d", p.ok, p.fail)
	}
}

func TestProgressLine_ShowsCooldown(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	p := &progressUI{startedAt: now.Add(-90 * time.Second), pausing: now.Add(30 * time.Second), done: 10, total: 25, ok: 10}
	got := p.progressLineLocked(now)
	want := "进度: done=10/25 ok=10 fail=0 skip=0 deleted=0 elapsed=00:01:30 cooldown=30.0s"
	if got != want {
		t.Fatalf("输出不符：\n got=%q\nwant=%q", got, want)
	}
}

func TestFormatProxy(t *testing.T) {
	if got := formatProxy(""); got != "off" {
		t.Fatalf("空代理应为 off：%q", got)
	}
	if got := formatProxy("http://u:p@127.0.0.1:8080"); got != "on (http://127.0.0.1:8080, auth=on)" {
		t.Fatalf("输出不符：%q", got)
	}
}
