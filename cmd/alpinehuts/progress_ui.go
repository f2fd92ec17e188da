package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/alpinehuts/internal/app/scheduler"
	"github.com/John-Robertt/alpinehuts/internal/config"
	"github.com/John-Robertt/alpinehuts/internal/domain"
)

var _ scheduler.Observer = (*progressUI)(nil)

// progressUI 是交互终端的进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：scheduler 只发事件，CLI 决定如何展示
// - keepalive：批间冷却或长时间无单元完成时也会定期输出一行
type progressUI struct {
	w   io.Writer
	eff config.EffectiveConfig

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total   int
	batches int
	done    int
	ok      int
	fail    int
	skip    int
	deleted int
	pausing time.Time

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer, eff config.EffectiveConfig) *progressUI {
	return &progressUI{
		w:                  w,
		eff:                eff,
		keepaliveThreshold: 10 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(runID string, cycle domain.Cycle, total, batches int) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.startedAt = now
	p.total = total
	p.batches = batches

	mode := "dry-run"
	modeHint := " (不写入存储/不发送通知)"
	if p.eff.Apply {
		mode = "apply"
		modeHint = ""
	}

	fmt.Fprintf(p.w, "[%s] alpinehuts %s (%s)\n", now.Format("15:04:05"), cycle.Name, mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	if p.eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", p.eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  run_id: %s\n", runID)
	fmt.Fprintf(p.w, "  source: %s\n", cycle.Source)
	fmt.Fprintf(p.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(p.w, "  store: %s\n", p.eff.Store.Driver)
	fmt.Fprintf(p.w, "  batch: size=%d cooldown=%s unit_timeout=%s\n", p.eff.BatchSize, p.eff.Cooldown, p.eff.UnitTimeout)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(p.eff.HTTP.ProxyURL))
	if b := strings.TrimSpace(p.eff.Provider(cycle.Source).BaseURL); b != "" {
		fmt.Fprintf(p.w, "  base_url: %s\n", truncate(b, 120))
	}
	fmt.Fprintf(p.w, "  smtp: %s\n", onOff(p.eff.SMTP.Host != ""))
	fmt.Fprintf(p.w, "执行: units=%d batches=%d\n\n", total, batches)

	p.lastPrinted = time.Now()
	if total > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
}

func (p *progressUI) OnUnitDone(done, total int, res domain.UnitResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = done
	p.total = total
	switch res.Status {
	case domain.StatusProcessed:
		p.ok++
	case domain.StatusFailed:
		p.fail++
	case domain.StatusSkipped:
		p.skip++
	case domain.StatusDeleted:
		p.deleted++
	}

	fmt.Fprintf(p.w, "%s\n", formatUnitLine(done, total, res, dur))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnBatchDone(idx, batches int, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "批次 %d/%d 完成 (%s)\n", idx, batches, formatShortDuration(dur))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPause(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pausing = time.Now().Add(d)
	fmt.Fprintf(p.w, "冷却 %s ...\n", d)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFinish(rep domain.CycleReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 先停 ticker，避免在结束打印后又冒出 keepalive。
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
	fmt.Fprintf(p.w, "\n报表: %s  耗时: %s\n", rep.Reporting, formatElapsed(rep.FinishedAt.Sub(rep.StartedAt)))
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stopCh := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if time.Since(p.lastPrinted) > threshold {
					fmt.Fprintf(p.w, "%s\n", p.progressLineLocked(time.Now()))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func (p *progressUI) progressLineLocked(now time.Time) string {
	line := fmt.Sprintf("进度: done=%d/%d ok=%d fail=%d skip=%d deleted=%d elapsed=%s",
		p.done, p.total, p.ok, p.fail, p.skip, p.deleted, formatElapsed(now.Sub(p.startedAt)),
	)
	if remain := p.pausing.Sub(now); remain > 0 {
		line += fmt.Sprintf(" cooldown=%s", formatShortDuration(remain))
	}
	return line
}

func formatUnitLine(done, total int, res domain.UnitResult, dur time.Duration) string {
	name := truncate(res.Name, 40)
	if name == "" {
		name = "-"
	}
	head := fmt.Sprintf("[%d/%d] %d %s", done, total, res.HutID, name)

	switch res.Status {
	case domain.StatusFailed:
		return fmt.Sprintf("%s FAIL %s: %s (%s)", head, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur))
	case domain.StatusSkipped:
		return fmt.Sprintf("%s SKIP %s (%s)", head, res.ErrorCode, formatShortDuration(dur))
	case domain.StatusDeleted:
		return fmt.Sprintf("%s DEL %s (%s)", head, res.ErrorCode, formatShortDuration(dur))
	}

	line := fmt.Sprintf("%s OK rows=%d", head, res.RowsWritten)
	if res.Notifications > 0 {
		line += fmt.Sprintf(" notified=%d", res.Notifications)
	}
	if n := len(res.Warnings); n > 0 {
		line += fmt.Sprintf(" warn=%q", truncate(res.Warnings[0], 80))
		if n > 1 {
			line += fmt.Sprintf("(+%d)", n-1)
		}
	}
	return line + fmt.Sprintf(" (%s)", formatShortDuration(dur))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
